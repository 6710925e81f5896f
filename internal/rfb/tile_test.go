package rfb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal-slot/kmsvnc/internal/capture"
	"github.com/signal-slot/kmsvnc/internal/pixfmt"
)

func solidFrame(width, height int, fill uint32) *capture.Frame {
	format := pixfmt.ForTag(pixfmt.XRGB8888)
	stride := width * format.BytesPerPixel()
	pixels := make([]byte, stride*height)
	for i := 0; i < len(pixels); i += 4 {
		pixels[i+0] = byte(fill)
		pixels[i+1] = byte(fill >> 8)
		pixels[i+2] = byte(fill >> 16)
		pixels[i+3] = byte(fill >> 24)
	}
	return &capture.Frame{Width: width, Height: height, Stride: stride, Format: format, Pixels: pixels}
}

func setPixel(f *capture.Frame, x, y int, v uint32) {
	bpp := f.Format.BytesPerPixel()
	off := y*f.Stride + x*bpp
	f.Pixels[off+0] = byte(v)
	f.Pixels[off+1] = byte(v >> 8)
	f.Pixels[off+2] = byte(v >> 16)
	f.Pixels[off+3] = byte(v >> 24)
}

// Property 2 / Scenario C: a change confined to one 64x64-aligned tile
// produces exactly one dirty rectangle with matching coordinates.
func TestTileGridDirtySingleTileChange(t *testing.T) {
	frame1 := solidFrame(128, 64, 0x00000000)
	grid := NewTileGrid(128, 64)
	full := Rect{W: 128, H: 64}

	// First scan sends everything (sentinel hash) and marks it sent.
	initialDirty := grid.Dirty(frame1, full)
	require.Len(t, initialDirty, 2)
	grid.MarkSent(frame1, initialDirty)

	frame2 := solidFrame(128, 64, 0x00000000)
	setPixel(frame2, 70, 10, 0xFFFFFFFF)

	dirty := grid.Dirty(frame2, full)
	require.Len(t, dirty, 1)
	assert.Equal(t, Rect{X: 64, Y: 0, W: 64, H: 64}, dirty[0])
}

// Property 3: after a non-incremental request, every tile is returned,
// rectangles are disjoint, and their union is the full screen.
func TestTileGridAllTilesCoversScreenExactlyOnce(t *testing.T) {
	grid := NewTileGrid(130, 70) // exercises clipped edge tiles
	full := Rect{W: 130, H: 70}

	tiles := grid.AllTiles(full)

	covered := make([][]bool, 70)
	for y := range covered {
		covered[y] = make([]bool, 130)
	}
	for _, r := range tiles {
		for y := r.Y; y < r.Y+r.H; y++ {
			for x := r.X; x < r.X+r.W; x++ {
				require.False(t, covered[y][x], "pixel (%d,%d) covered twice", x, y)
				covered[y][x] = true
			}
		}
	}
	for y := 0; y < 70; y++ {
		for x := 0; x < 130; x++ {
			require.True(t, covered[y][x], "pixel (%d,%d) not covered", x, y)
		}
	}
}

func TestTileGridInvalidateForcesResend(t *testing.T) {
	grid := NewTileGrid(64, 64)
	frame := solidFrame(64, 64, 0x11223344)
	full := Rect{W: 64, H: 64}

	dirty := grid.Dirty(frame, full)
	require.Len(t, dirty, 1)
	grid.MarkSent(frame, dirty)

	assert.Empty(t, grid.Dirty(frame, full), "unchanged tile should not be dirty again")

	grid.Invalidate(full)
	assert.Len(t, grid.Dirty(frame, full), 1, "invalidated tile must be resent even though content is unchanged")
}
