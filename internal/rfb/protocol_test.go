package rfb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelFormatWireRoundTrip(t *testing.T) {
	pf := PixelFormat{
		BitsPerPixel: 32,
		Depth:        24,
		BigEndian:    false,
		TrueColour:   true,
		RedMax:       255,
		GreenMax:     255,
		BlueMax:      255,
		RedShift:     16,
		GreenShift:   8,
		BlueShift:    0,
	}

	var buf bytes.Buffer
	require.NoError(t, writePixelFormat(&buf, pf))
	assert.Equal(t, 16, buf.Len())

	got, err := readPixelFormat(&buf)
	require.NoError(t, err)
	assert.Equal(t, pf, got)
}

func TestVersionAtLeast38(t *testing.T) {
	assert.False(t, Version{3, 3}.AtLeast38())
	assert.False(t, Version{3, 7}.AtLeast38())
	assert.True(t, Version{3, 8}.AtLeast38())
	assert.True(t, Version{4, 0}.AtLeast38())
}

func TestRectIntersect(t *testing.T) {
	bounds := Rect{W: 100, H: 100}

	r, ok := Rect{X: 50, Y: 50, W: 100, H: 100}.intersect(bounds)
	require.True(t, ok)
	assert.Equal(t, Rect{X: 50, Y: 50, W: 50, H: 50}, r)

	_, ok = Rect{X: 200, Y: 200, W: 10, H: 10}.intersect(bounds)
	assert.False(t, ok)
}

// Scenario A (pixel-format part): the server's initial pixel format is
// XRGB8888 little-endian.
func TestServerPixelFormatIsXRGB8888LittleEndian(t *testing.T) {
	pf := serverPixelFormat()
	assert.EqualValues(t, 32, pf.BitsPerPixel)
	assert.EqualValues(t, 24, pf.Depth)
	assert.False(t, pf.BigEndian)
	assert.True(t, pf.TrueColour)
	assert.EqualValues(t, 255, pf.RedMax)
	assert.EqualValues(t, 16, pf.RedShift)
	assert.EqualValues(t, 255, pf.GreenMax)
	assert.EqualValues(t, 8, pf.GreenShift)
	assert.EqualValues(t, 255, pf.BlueMax)
	assert.EqualValues(t, 0, pf.BlueShift)
}
