package tilecache

import (
	"math/bits"

	"github.com/gogpu/tilecache/geom"
)

// DirtyRegion tracks which tiles of a slice changed this frame: a
// bitmap over the tile grid for cheap membership tests, plus the
// world-space dirty rects the compositor consumes.
type DirtyRegion struct {
	grid  geom.TileRect
	words []uint64

	rects    []geom.Rect
	combined geom.Rect
}

// NewDirtyRegion creates a region covering the given tile grid.
func NewDirtyRegion(grid geom.TileRect) *DirtyRegion {
	d := &DirtyRegion{}
	d.Reset(grid)
	return d
}

// Reset clears the region and resizes it to a new grid.
func (d *DirtyRegion) Reset(grid geom.TileRect) {
	nbits := int(grid.Width()) * int(grid.Height())
	nwords := (nbits + 63) / 64
	if cap(d.words) < nwords {
		d.words = make([]uint64, nwords)
	} else {
		d.words = d.words[:nwords]
		clear(d.words)
	}
	d.grid = grid
	d.rects = d.rects[:0]
	d.combined = geom.Rect{}
}

func (d *DirtyRegion) bitIndex(offset geom.TileOffset) (int, bool) {
	if !d.grid.Contains(offset) {
		return 0, false
	}
	x := int(offset.X - d.grid.Min.X)
	y := int(offset.Y - d.grid.Min.Y)
	return y*int(d.grid.Width()) + x, true
}

// MarkTile records a tile as dirty along with its world-space dirty
// rect. Marking the same tile twice unions the rects.
func (d *DirtyRegion) MarkTile(offset geom.TileOffset, worldDirtyRect geom.Rect) {
	i, ok := d.bitIndex(offset)
	if !ok || worldDirtyRect.IsEmpty() {
		return
	}
	d.words[i/64] |= 1 << (i % 64)
	d.rects = append(d.rects, worldDirtyRect)
	d.combined = d.combined.Union(worldDirtyRect)
}

// IsDirty reports whether a tile offset has been marked.
func (d *DirtyRegion) IsDirty(offset geom.TileOffset) bool {
	i, ok := d.bitIndex(offset)
	return ok && d.words[i/64]&(1<<(i%64)) != 0
}

// IsEmpty reports whether nothing has been marked.
func (d *DirtyRegion) IsEmpty() bool {
	for _, w := range d.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of dirty tiles.
func (d *DirtyRegion) Count() int {
	n := 0
	for _, w := range d.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// CombinedRect returns the union of every dirty rect.
func (d *DirtyRegion) CombinedRect() geom.Rect {
	return d.combined
}

// Rects returns the dirty rects, collapsed to the single combined rect
// when their count exceeds maxRects. maxRects <= 0 means unlimited.
func (d *DirtyRegion) Rects(maxRects int) []geom.Rect {
	if len(d.rects) == 0 {
		return nil
	}
	if maxRects > 0 && len(d.rects) > maxRects {
		return []geom.Rect{d.combined}
	}
	out := make([]geom.Rect, len(d.rects))
	copy(out, d.rects)
	return out
}

// ForEach visits every dirty tile offset in row-major order.
func (d *DirtyRegion) ForEach(fn func(geom.TileOffset)) {
	w := int(d.grid.Width())
	for i, word := range d.words {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &^= 1 << b
			n := i*64 + b
			fn(geom.TileOffset{
				X: d.grid.Min.X + int32(n%w),
				Y: d.grid.Min.Y + int32(n/w),
			})
		}
	}
}
