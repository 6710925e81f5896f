package rfb

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/signal-slot/kmsvnc/internal/capture"
)

// TileSize is the fixed dirty-rectangle unit (spec.md §3).
const TileSize = 64

// noHash is the sentinel "never sent" value a fresh tile grid starts
// with, guaranteeing a full first-frame transmission (spec.md §3).
const noHash = uint64(0)

// TileGrid tracks, per 64x64-aligned tile, the content hash as of the
// last time that tile's bytes were sent to this session.
type TileGrid struct {
	cols, rows int
	width, height int
	hashes     []uint64
}

// NewTileGrid allocates a grid covering a width x height framebuffer.
// Every hash starts at the sentinel, so the first incremental update
// after allocation sends every tile.
func NewTileGrid(width, height int) *TileGrid {
	cols := (width + TileSize - 1) / TileSize
	rows := (height + TileSize - 1) / TileSize
	return &TileGrid{
		cols: cols, rows: rows,
		width: width, height: height,
		hashes: make([]uint64, cols*rows),
	}
}

// Invalidate resets stored hashes for tiles intersecting r, forcing
// them to be resent on the next scan (used for non-incremental
// requests, spec.md §4.3).
func (g *TileGrid) Invalidate(r Rect) {
	for _, idx := range g.tilesIn(r) {
		g.hashes[idx] = noHash
	}
}

// tile returns the bounds of tile (col, row), clipped to the
// framebuffer (edge tiles are smaller, spec.md §4.3).
func (g *TileGrid) tile(col, row int) Rect {
	x, y := col*TileSize, row*TileSize
	w := min(TileSize, g.width-x)
	h := min(TileSize, g.height-y)
	return Rect{X: x, Y: y, W: w, H: h}
}

func (g *TileGrid) tilesIn(r Rect) []int {
	bounds := Rect{W: g.width, H: g.height}
	clipped, ok := r.intersect(bounds)
	if !ok {
		return nil
	}
	c0, r0 := clipped.X/TileSize, clipped.Y/TileSize
	c1 := (clipped.X + clipped.W - 1) / TileSize
	r1 := (clipped.Y + clipped.H - 1) / TileSize
	var out []int
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			out = append(out, row*g.cols+col)
		}
	}
	return out
}

// hashTile computes the tile's 64-bit content hash over its exact
// pixel bytes in source format, using a truncated blake2b digest
// (spec.md §4.3, §9: "any stable 64-bit non-cryptographic hash
// suffices... the wire is oblivious").
func hashTile(frame *capture.Frame, r Rect) uint64 {
	h, _ := blake2b.New(8, nil)
	bpp := frame.Format.BytesPerPixel()
	row := make([]byte, r.W*bpp)
	for y := 0; y < r.H; y++ {
		off := (r.Y+y)*frame.Stride + r.X*bpp
		n := copy(row, frame.Pixels[off:off+r.W*bpp])
		h.Write(row[:n])
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum)
}

// Dirty returns the tiles within r whose current content hash differs
// from the stored hash, without updating stored state (spec.md §4.3's
// "compute the set of tiles whose hash... differs from the stored
// hash"). Call MarkSent after a successful write.
func (g *TileGrid) Dirty(frame *capture.Frame, r Rect) []Rect {
	var dirty []Rect
	for _, idx := range g.tilesIn(r) {
		col, row := idx%g.cols, idx/g.cols
		tr := g.tile(col, row)
		if tr.W == 0 || tr.H == 0 {
			continue
		}
		if hashTile(frame, tr) != g.hashes[idx] {
			dirty = append(dirty, tr)
		}
	}
	return dirty
}

// MarkSent records the current content hash for each tile in sent as
// the "last transmitted" hash.
func (g *TileGrid) MarkSent(frame *capture.Frame, sent []Rect) {
	for _, r := range sent {
		col, row := r.X/TileSize, r.Y/TileSize
		idx := row*g.cols + col
		if idx < 0 || idx >= len(g.hashes) {
			continue
		}
		g.hashes[idx] = hashTile(frame, r)
	}
}

// AllTiles returns every tile rectangle intersecting r, covering it
// exactly once (spec.md property 3: "rectangles are disjoint and their
// union equals the screen").
func (g *TileGrid) AllTiles(r Rect) []Rect {
	var all []Rect
	for _, idx := range g.tilesIn(r) {
		col, row := idx%g.cols, idx/g.cols
		tr := g.tile(col, row)
		if tr.W > 0 && tr.H > 0 {
			all = append(all, tr)
		}
	}
	return all
}
