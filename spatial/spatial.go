// Package spatial defines the interface through which the tile cache
// queries the scene's transform tree. The tree itself is owned by the
// scene builder; the cache only reads relative transforms and
// coordinate-system identities from it.
package spatial

import (
	"math"

	"github.com/gogpu/tilecache/geom"
)

// NodeIndex identifies a node in the transform tree.
// Indices are only meaningful for the tree that produced them and may be
// reassigned between scene builds.
type NodeIndex uint32

// InvalidNodeIndex is the sentinel for "no node".
const InvalidNodeIndex NodeIndex = math.MaxUint32

// MappingKind classifies a relative transform between two nodes.
type MappingKind uint8

const (
	// MappingLocal means the nodes share a coordinate space; no transform
	// is needed.
	MappingLocal MappingKind = iota

	// MappingScaleOffset means the relative transform is an axis-aligned
	// scale plus translation.
	MappingScaleOffset

	// MappingTransform means the relative transform requires a full
	// affine matrix.
	MappingTransform
)

// String returns a human-readable name for the mapping kind.
func (k MappingKind) String() string {
	switch k {
	case MappingLocal:
		return "Local"
	case MappingScaleOffset:
		return "ScaleOffset"
	case MappingTransform:
		return "Transform"
	default:
		return "Unknown"
	}
}

// Mapping is the relative transform between two spatial nodes.
// Exactly one of ScaleOffset or Transform is meaningful, selected by Kind.
type Mapping struct {
	Kind        MappingKind
	ScaleOffset geom.ScaleOffset // valid when Kind == MappingScaleOffset
	Transform   geom.Matrix      // valid when Kind == MappingTransform
}

// Matrix returns the mapping as an affine matrix regardless of kind.
func (m Mapping) Matrix() geom.Matrix {
	switch m.Kind {
	case MappingLocal:
		return geom.Identity()
	case MappingScaleOffset:
		return m.ScaleOffset.Matrix()
	default:
		return m.Transform
	}
}

// MapRect maps a rectangle through the transform, returning the
// axis-aligned bounds of the result.
func (m Mapping) MapRect(r geom.Rect) geom.Rect {
	switch m.Kind {
	case MappingLocal:
		return r
	case MappingScaleOffset:
		return m.ScaleOffset.MapRect(r)
	default:
		return m.Transform.TransformRect(r)
	}
}

// Tree is the read-only view of the transform tree consumed by the
// tile cache.
type Tree interface {
	// Mapping returns the transform taking points in from's space into
	// to's space. Returns false if a required transform along the chain
	// is not invertible; callers treat the content as unmappable and
	// drop it rather than erroring.
	Mapping(from, to NodeIndex) (Mapping, bool)

	// CoordinateSystem returns the coordinate-system identity of a node.
	// Two nodes in the same coordinate system are axis-aligned with each
	// other (related by at most scale and translation).
	CoordinateSystem(n NodeIndex) uint32
}
