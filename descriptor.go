package tilecache

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

// FrameID counts frame-build passes on one TileCacheInstance.
// It is used to age out memoized transform comparisons and to timestamp
// the spatial-node keys stored in tile descriptors.
type FrameID uint64

// ItemUID is the stable identity of a primitive instance, assigned by
// the scene builder. It survives across frames for unchanged primitives,
// which is what makes previous/current descriptor comparison meaningful.
type ItemUID uint64

// MaxPrimDependencies caps the number of dependencies of a single kind
// recorded for one primitive. A primitive exceeding the cap is deemed
// always-dirty rather than mis-compared: CompareHelper rejects any
// segment whose count reaches the cap, so the parallel arrays can never
// be walked out of alignment.
const MaxPrimDependencies = 64

// PropertyBindingID identifies an animated property binding (opacity or
// color) resolved each frame by the scene's property resolver.
// Zero means the property is static.
type PropertyBindingID uint32

// PropertyResolver resolves animated bindings to their value for the
// current frame, together with a flag saying whether the value changed
// since the previous frame.
type PropertyResolver interface {
	OpacityValue(id PropertyBindingID) (value float32, changed bool)
	ColorValue(id PropertyBindingID) (value gputypes.Color, changed bool)
}

// OpacityBinding is the resolved per-frame snapshot of an animated
// opacity dependency.
type OpacityBinding struct {
	Value   float32
	Changed bool
}

// ColorBinding is the resolved per-frame snapshot of an animated color
// dependency.
type ColorBinding struct {
	Value   gputypes.Color
	Changed bool
}

// ImageDependency records an image a primitive samples from, pinned to
// the content generation observed when dependencies were collected.
type ImageDependency struct {
	Key        resource.ImageKey
	Generation resource.Generation
}

// SpatialNodeKey timestamps a transform-tree reference with the frame it
// was registered in. Transform-tree indices may be reassigned between
// scene builds, so descriptors never store raw node indices for
// comparison; the SpatialNodeComparer resolves keys from either frame to
// value-comparable transform keys.
type SpatialNodeKey struct {
	Node  spatial.NodeIndex
	Frame FrameID
}

// PrimitiveDescriptor is the per-tile snapshot of one primitive
// instance: its identity, its bounding box clipped to the tile, and how
// many entries it contributed to each flattened dependency array of the
// owning TileDescriptor. The counts are the walk stride for lockstep
// comparison.
type PrimitiveDescriptor struct {
	UID ItemUID

	// ClipBox is the primitive's clipped bounding box in picture-cache
	// space, clamped to the tile rectangle.
	ClipBox geom.Rect

	TransformCount uint8
	ClipCount      uint8
	ImageCount     uint8
	OpacityCount   uint8
	ColorCount     uint8
}

// clipBoxEpsilon tolerates sub-precision drift when comparing clipped
// boxes between frames. A box moving less than this cannot move any
// device pixel.
const clipBoxEpsilon = 0.001

// Equal reports whether two descriptors match: same primitive, same
// clipped box (within epsilon) and same dependency counts.
func (p *PrimitiveDescriptor) Equal(other *PrimitiveDescriptor) bool {
	return p.UID == other.UID &&
		p.TransformCount == other.TransformCount &&
		p.ClipCount == other.ClipCount &&
		p.ImageCount == other.ImageCount &&
		p.OpacityCount == other.OpacityCount &&
		p.ColorCount == other.ColorCount &&
		p.ClipBox.ApproxEqual(other.ClipBox, clipBoxEpsilon)
}

// TileDescriptor is a tile's content fingerprint for one frame: the
// primitive snapshots in paint order plus the flattened dependency
// arrays they index into. Two descriptors are compared lockstep using
// the per-primitive counts as the walk stride.
type TileDescriptor struct {
	Prims []PrimitiveDescriptor

	Clips           []clip.NodeID
	Transforms      []SpatialNodeKey
	Images          []ImageDependency
	OpacityBindings []OpacityBinding
	ColorBindings   []ColorBinding

	// LocalValidRect is the union of the clipped boxes of every
	// primitive recorded this frame, in picture-cache space.
	LocalValidRect geom.Rect
}

// Clear empties the descriptor for a fresh frame's accumulation,
// retaining the backing arrays.
func (d *TileDescriptor) Clear() {
	d.Prims = d.Prims[:0]
	d.Clips = d.Clips[:0]
	d.Transforms = d.Transforms[:0]
	d.Images = d.Images[:0]
	d.OpacityBindings = d.OpacityBindings[:0]
	d.ColorBindings = d.ColorBindings[:0]
	d.LocalValidRect = geom.Rect{}
}

// PrimitiveDependencyInfo is the dependency set of one primitive
// instance for the current frame, built once per primitive and then
// appended to every tile the primitive overlaps.
type PrimitiveDependencyInfo struct {
	UID ItemUID

	// ClipBox is the primitive's clipped bounding box in picture-cache
	// space (not yet clamped to any tile).
	ClipBox geom.Rect

	Clips           []clip.NodeID
	SpatialNodes    []SpatialNodeKey
	Images          []ImageDependency
	OpacityBindings []OpacityBinding
	ColorBindings   []ColorBinding
}

// truncate drops dependencies beyond the sentinel cap. The resulting
// counts equal the cap, which CompareHelper treats as uncomparable, so
// pathological primitives degrade to per-frame invalidation instead of
// mis-comparing.
func (info *PrimitiveDependencyInfo) truncate() {
	if len(info.Clips) > MaxPrimDependencies {
		info.Clips = info.Clips[:MaxPrimDependencies]
	}
	if len(info.SpatialNodes) > MaxPrimDependencies {
		info.SpatialNodes = info.SpatialNodes[:MaxPrimDependencies]
	}
	if len(info.Images) > MaxPrimDependencies {
		info.Images = info.Images[:MaxPrimDependencies]
	}
	if len(info.OpacityBindings) > MaxPrimDependencies {
		info.OpacityBindings = info.OpacityBindings[:MaxPrimDependencies]
	}
	if len(info.ColorBindings) > MaxPrimDependencies {
		info.ColorBindings = info.ColorBindings[:MaxPrimDependencies]
	}
}

// reset empties the info for reuse, retaining backing arrays.
func (info *PrimitiveDependencyInfo) reset() {
	info.UID = 0
	info.ClipBox = geom.Rect{}
	info.Clips = info.Clips[:0]
	info.SpatialNodes = info.SpatialNodes[:0]
	info.Images = info.Images[:0]
	info.OpacityBindings = info.OpacityBindings[:0]
	info.ColorBindings = info.ColorBindings[:0]
}
