package geom

import (
	"math"
	"testing"
)

func rectEq(a, b Rect) bool {
	return a.ApproxEqual(b, 1e-9)
}

func TestRect_Basic(t *testing.T) {
	r := XYWH(10, 20, 100, 50)
	if r.Width() != 100 || r.Height() != 50 {
		t.Fatalf("Width/Height = %v/%v, want 100/50", r.Width(), r.Height())
	}
	if r.IsEmpty() {
		t.Error("non-degenerate rect reported empty")
	}
	if !(Rect{}).IsEmpty() {
		t.Error("zero rect should be empty")
	}
	if (XYWH(0, 0, -5, 10)).IsEmpty() != true {
		t.Error("negative width rect should be empty")
	}
}

func TestRect_SetOps(t *testing.T) {
	tests := []struct {
		name          string
		a, b          Rect
		wantIntersect Rect
		wantUnion     Rect
		overlaps      bool
	}{
		{
			name:          "overlapping",
			a:             XYWH(0, 0, 10, 10),
			b:             XYWH(5, 5, 10, 10),
			wantIntersect: XYWH(5, 5, 5, 5),
			wantUnion:     XYWH(0, 0, 15, 15),
			overlaps:      true,
		},
		{
			name:          "disjoint",
			a:             XYWH(0, 0, 10, 10),
			b:             XYWH(20, 20, 5, 5),
			wantIntersect: Rect{},
			wantUnion:     XYWH(0, 0, 25, 25),
			overlaps:      false,
		},
		{
			name:          "touching edges do not overlap",
			a:             XYWH(0, 0, 10, 10),
			b:             XYWH(10, 0, 10, 10),
			wantIntersect: Rect{},
			wantUnion:     XYWH(0, 0, 20, 10),
			overlaps:      false,
		},
		{
			name:          "contained",
			a:             XYWH(0, 0, 10, 10),
			b:             XYWH(2, 2, 4, 4),
			wantIntersect: XYWH(2, 2, 4, 4),
			wantUnion:     XYWH(0, 0, 10, 10),
			overlaps:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Intersect(tt.b)
			if !got.IsEmpty() && !rectEq(got, tt.wantIntersect) {
				t.Errorf("Intersect = %+v, want %+v", got, tt.wantIntersect)
			}
			if got.IsEmpty() != tt.wantIntersect.IsEmpty() {
				t.Errorf("Intersect emptiness = %v, want %v", got.IsEmpty(), tt.wantIntersect.IsEmpty())
			}
			if u := tt.a.Union(tt.b); !rectEq(u, tt.wantUnion) {
				t.Errorf("Union = %+v, want %+v", u, tt.wantUnion)
			}
			if tt.a.Intersects(tt.b) != tt.overlaps {
				t.Errorf("Intersects = %v, want %v", tt.a.Intersects(tt.b), tt.overlaps)
			}
		})
	}
}

func TestRect_UnionWithEmpty(t *testing.T) {
	r := XYWH(3, 4, 5, 6)
	if got := (Rect{}).Union(r); !rectEq(got, r) {
		t.Errorf("empty.Union(r) = %+v, want %+v", got, r)
	}
	if got := r.Union(Rect{}); !rectEq(got, r) {
		t.Errorf("r.Union(empty) = %+v, want %+v", got, r)
	}
}

func TestRect_ContainsRect(t *testing.T) {
	outer := XYWH(0, 0, 100, 100)
	if !outer.ContainsRect(XYWH(10, 10, 50, 50)) {
		t.Error("inner rect should be contained")
	}
	if outer.ContainsRect(XYWH(90, 90, 20, 20)) {
		t.Error("overhanging rect should not be contained")
	}
	if !outer.ContainsRect(Rect{}) {
		t.Error("empty rect is contained in everything")
	}
}

func TestMatrix_Invert(t *testing.T) {
	m := Translate(10, 20).Multiply(Scale(2, 4))
	inv, ok := m.Invert()
	if !ok {
		t.Fatal("invertible matrix reported singular")
	}
	p := m.TransformPoint(Point{X: 3, Y: 5})
	back := inv.TransformPoint(p)
	if math.Abs(back.X-3) > 1e-9 || math.Abs(back.Y-5) > 1e-9 {
		t.Errorf("round trip = %+v, want (3,5)", back)
	}

	if _, ok := (Matrix{}).Invert(); ok {
		t.Error("singular matrix reported invertible")
	}
}

func TestMatrix_IsScaleTranslation(t *testing.T) {
	if !Translate(5, 5).Multiply(Scale(2, 2)).IsScaleTranslation() {
		t.Error("scale+translate should be axis aligned")
	}
	rot := Matrix{A: 0, B: -1, D: 1, E: 0}
	if rot.IsScaleTranslation() {
		t.Error("rotation should not be axis aligned")
	}
}

func TestScaleOffset_RoundTrip(t *testing.T) {
	s := ScaleOffset{ScaleX: 2, ScaleY: 3, OffsetX: -7, OffsetY: 11}
	inv, ok := s.Invert()
	if !ok {
		t.Fatal("invertible scale-offset reported singular")
	}
	r := XYWH(1, 2, 3, 4)
	if got := inv.MapRect(s.MapRect(r)); !rectEq(got, r) {
		t.Errorf("round trip = %+v, want %+v", got, r)
	}
}

func TestScaleOffsetFromMatrix(t *testing.T) {
	if _, ok := ScaleOffsetFromMatrix(Matrix{A: 0, B: -1, D: 1, E: 0}); ok {
		t.Error("rotation should not convert to scale-offset")
	}
	s, ok := ScaleOffsetFromMatrix(Translate(4, 5).Multiply(Scale(2, 2)))
	if !ok {
		t.Fatal("axis-aligned matrix should convert")
	}
	if s.ScaleX != 2 || s.OffsetX != 4 {
		t.Errorf("got %+v, want scale 2 offset 4", s)
	}
}

func TestTileRect_Ops(t *testing.T) {
	r := TileRectXYWH(-1, -1, 4, 3)
	if r.Width() != 4 || r.Height() != 3 || r.Count() != 12 {
		t.Fatalf("dims = %dx%d count %d, want 4x3 12", r.Width(), r.Height(), r.Count())
	}
	if !r.Contains(TileOffset{X: -1, Y: -1}) || !r.Contains(TileOffset{X: 2, Y: 1}) {
		t.Error("corner offsets should be contained")
	}
	if r.Contains(TileOffset{X: 3, Y: 1}) {
		t.Error("max bound is exclusive")
	}

	seen := map[TileOffset]bool{}
	r.Each(func(o TileOffset) { seen[o] = true })
	if len(seen) != 12 {
		t.Errorf("Each visited %d offsets, want 12", len(seen))
	}

	if got := r.Intersect(TileRectXYWH(10, 10, 2, 2)); !got.IsEmpty() {
		t.Errorf("disjoint intersect = %+v, want empty", got)
	}
}
