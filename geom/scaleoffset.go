package geom

import "math"

// ScaleOffset is the restricted affine transform consisting of a
// per-axis scale followed by a translation. Most transforms between a
// scrolled picture and its cache root take this form, and it can be
// mapped, inverted and compared far more cheaply than a full matrix.
type ScaleOffset struct {
	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
}

// IdentityScaleOffset returns the identity ScaleOffset.
func IdentityScaleOffset() ScaleOffset {
	return ScaleOffset{ScaleX: 1, ScaleY: 1}
}

// ScaleOffsetFromMatrix extracts a ScaleOffset from a matrix.
// Returns false if the matrix contains rotation or shear.
func ScaleOffsetFromMatrix(m Matrix) (ScaleOffset, bool) {
	if !m.IsScaleTranslation() {
		return ScaleOffset{}, false
	}
	return ScaleOffset{
		ScaleX:  m.A,
		ScaleY:  m.E,
		OffsetX: m.C,
		OffsetY: m.F,
	}, true
}

// Matrix returns the equivalent affine matrix.
func (s ScaleOffset) Matrix() Matrix {
	return Matrix{
		A: s.ScaleX, B: 0, C: s.OffsetX,
		D: 0, E: s.ScaleY, F: s.OffsetY,
	}
}

// MapPoint maps a point through the transform.
func (s ScaleOffset) MapPoint(p Point) Point {
	return Point{
		X: p.X*s.ScaleX + s.OffsetX,
		Y: p.Y*s.ScaleY + s.OffsetY,
	}
}

// MapRect maps a rectangle through the transform.
// Negative scales flip the rectangle; the result is normalized.
func (s ScaleOffset) MapRect(r Rect) Rect {
	if r.IsEmpty() {
		return Rect{}
	}
	return NewRect(s.MapPoint(r.Min), s.MapPoint(r.Max))
}

// Invert returns the inverse transform.
// Returns false if either scale factor is zero.
func (s ScaleOffset) Invert() (ScaleOffset, bool) {
	if s.ScaleX == 0 || s.ScaleY == 0 {
		return ScaleOffset{}, false
	}
	return ScaleOffset{
		ScaleX:  1 / s.ScaleX,
		ScaleY:  1 / s.ScaleY,
		OffsetX: -s.OffsetX / s.ScaleX,
		OffsetY: -s.OffsetY / s.ScaleY,
	}, true
}

// Then returns the transform equivalent to applying s first, other second.
func (s ScaleOffset) Then(other ScaleOffset) ScaleOffset {
	return ScaleOffset{
		ScaleX:  s.ScaleX * other.ScaleX,
		ScaleY:  s.ScaleY * other.ScaleY,
		OffsetX: s.OffsetX*other.ScaleX + other.OffsetX,
		OffsetY: s.OffsetY*other.ScaleY + other.OffsetY,
	}
}

// IsIdentity returns true for the identity transform.
func (s ScaleOffset) IsIdentity() bool {
	return s.ScaleX == 1 && s.ScaleY == 1 && s.OffsetX == 0 && s.OffsetY == 0
}

// ApproxEqual reports whether s and other are equal within epsilon
// on every component.
func (s ScaleOffset) ApproxEqual(other ScaleOffset, epsilon float64) bool {
	return math.Abs(s.ScaleX-other.ScaleX) <= epsilon &&
		math.Abs(s.ScaleY-other.ScaleY) <= epsilon &&
		math.Abs(s.OffsetX-other.OffsetX) <= epsilon &&
		math.Abs(s.OffsetY-other.OffsetY) <= epsilon
}
