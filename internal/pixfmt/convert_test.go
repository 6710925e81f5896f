package pixfmt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTripEqualChannelWidths covers spec property 1: for every pair of
// formats with equal channel widths, src -> dst -> src is the identity.
func TestRoundTripEqualChannelWidths(t *testing.T) {
	tags := []Tag{XRGB8888, ARGB8888, XBGR8888, ABGR8888}
	rng := rand.New(rand.NewSource(1))

	for _, srcTag := range tags {
		for _, dstTag := range tags {
			srcTag, dstTag := srcTag, dstTag
			t.Run(srcTag.String()+"_"+dstTag.String(), func(t *testing.T) {
				srcFmt := ForTag(srcTag)
				dstFmt := ForTag(dstTag)
				require.Equal(t, srcFmt.RedMax, dstFmt.RedMax)
				require.Equal(t, srcFmt.GreenMax, dstFmt.GreenMax)
				require.Equal(t, srcFmt.BlueMax, dstFmt.BlueMax)

				for i := 0; i < 50; i++ {
					src := make([]byte, srcFmt.BytesPerPixel())
					rng.Read(src)
					// A padding byte (src without alpha) stays random; the
					// fast path copies it and the slow path drops it, and
					// the comparison below looks only at colour channels.

					mid := make([]byte, dstFmt.BytesPerPixel())
					ConvertPixel(mid, src, dstFmt, srcFmt)

					back := make([]byte, srcFmt.BytesPerPixel())
					ConvertPixel(back, mid, srcFmt, dstFmt)

					// Compare channel values rather than raw bytes: padding
					// bits (the X in XRGB) are not defined by the format
					// and need not round-trip.
					assertSameColour(t, src, back, srcFmt)
				}
			})
		}
	}
}

func assertSameColour(t *testing.T, a, b []byte, f Format) {
	t.Helper()
	pa := readPixel(a, f)
	pb := readPixel(b, f)
	ra := extractChannel(pa, f.RedMax, f.RedShift)
	rb := extractChannel(pb, f.RedMax, f.RedShift)
	ga := extractChannel(pa, f.GreenMax, f.GreenShift)
	gb := extractChannel(pb, f.GreenMax, f.GreenShift)
	ba_ := extractChannel(pa, f.BlueMax, f.BlueShift)
	bb := extractChannel(pb, f.BlueMax, f.BlueShift)
	assert.Equal(t, ra, rb, "red channel mismatch")
	assert.Equal(t, ga, gb, "green channel mismatch")
	assert.Equal(t, ba_, bb, "blue channel mismatch")
}

func TestRGB565RoundTrip(t *testing.T) {
	fmt565 := ForTag(RGB565)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		src := make([]byte, 2)
		rng.Read(src)
		mid := make([]byte, 2)
		ConvertPixel(mid, src, fmt565, fmt565)
		assert.Equal(t, src, mid)
	}
}

func TestConvertPixelSynthesizesOpaqueAlpha(t *testing.T) {
	srcFmt := ForTag(XRGB8888)
	dstFmt := ForTag(ARGB8888)

	src := []byte{0x00, 0x00, 0xFF, 0x00} // little-endian XRGB8888: B=0x00 G=0x00 R=0xFF
	dst := make([]byte, 4)
	ConvertPixel(dst, src, dstFmt, srcFmt)

	alpha := extractChannel(readPixel(dst, dstFmt), dstFmt.AlphaMax, dstFmt.AlphaShift)
	assert.Equal(t, uint16(255), alpha)
}

func TestConvertPixelFastPathVerbatimCopy(t *testing.T) {
	f := ForTag(XRGB8888)
	src := []byte{0x11, 0x22, 0x33, 0x44}
	dst := make([]byte, 4)
	ConvertPixel(dst, src, f, f)
	assert.Equal(t, src, dst)
}

func TestConvertRectProducesTightlyPackedOutput(t *testing.T) {
	srcFmt := ForTag(XRGB8888)
	dstFmt := ForTag(RGB565)
	const w, h, stride = 4, 3, 4 * 4
	src := make([]byte, stride*h)
	for i := range src {
		src[i] = byte(i)
	}
	out := ConvertRect(src, stride, w, h, srcFmt, dstFmt)
	assert.Len(t, out, w*h*dstFmt.BytesPerPixel())
}
