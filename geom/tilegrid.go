package geom

// TileOffset addresses a tile within the cache grid.
// Offsets may be negative: the grid is anchored to picture space, not to
// the origin, and scrolling moves the covered range in either direction.
type TileOffset struct {
	X, Y int32
}

// TileRect is a half-open rectangle of tile offsets:
// Min is included, Max is excluded.
type TileRect struct {
	Min, Max TileOffset
}

// TileRectXYWH creates a tile rectangle from an origin and a size in tiles.
func TileRectXYWH(x, y, w, h int32) TileRect {
	return TileRect{
		Min: TileOffset{X: x, Y: y},
		Max: TileOffset{X: x + w, Y: y + h},
	}
}

// Width returns the number of tile columns covered.
func (r TileRect) Width() int32 {
	return r.Max.X - r.Min.X
}

// Height returns the number of tile rows covered.
func (r TileRect) Height() int32 {
	return r.Max.Y - r.Min.Y
}

// IsEmpty returns true if the rectangle covers no tiles.
func (r TileRect) IsEmpty() bool {
	return r.Max.X <= r.Min.X || r.Max.Y <= r.Min.Y
}

// Contains returns true if the offset lies within the rectangle.
func (r TileRect) Contains(o TileOffset) bool {
	return o.X >= r.Min.X && o.X < r.Max.X && o.Y >= r.Min.Y && o.Y < r.Max.Y
}

// Intersect returns the overlap of r and other (empty if disjoint).
func (r TileRect) Intersect(other TileRect) TileRect {
	out := TileRect{
		Min: TileOffset{X: max(r.Min.X, other.Min.X), Y: max(r.Min.Y, other.Min.Y)},
		Max: TileOffset{X: min(r.Max.X, other.Max.X), Y: min(r.Max.Y, other.Max.Y)},
	}
	if out.IsEmpty() {
		return TileRect{}
	}
	return out
}

// Count returns the number of tiles covered.
func (r TileRect) Count() int {
	if r.IsEmpty() {
		return 0
	}
	return int(r.Width()) * int(r.Height())
}

// Each calls fn for every offset in the rectangle in row-major order.
func (r TileRect) Each(fn func(TileOffset)) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			fn(TileOffset{X: x, Y: y})
		}
	}
}
