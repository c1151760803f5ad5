package tilecache

import (
	"fmt"

	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/spatial"
)

// transformEpsilon bounds how far two transforms may drift while still
// comparing as equivalent. Matches the device-pixel snapping precision.
const transformEpsilon = 0.001

// PrimCompareResult reports why two primitive dependency segments
// differ, or that they are equal. The first mismatch found wins; the
// dependency kinds are checked in a fixed order (descriptor, clips,
// transforms, images, opacity bindings, color bindings).
type PrimCompareResult uint8

const (
	// PrimCompareEqual means the primitive's dependencies are unchanged.
	PrimCompareEqual PrimCompareResult = iota

	// PrimCompareDescriptor means identity, clipped box or dependency
	// counts differ.
	PrimCompareDescriptor

	// PrimCompareClip means a clip node identity differs.
	PrimCompareClip

	// PrimCompareTransform means a transform dependency is no longer
	// equivalent.
	PrimCompareTransform

	// PrimCompareImage means an image key or generation differs.
	PrimCompareImage

	// PrimCompareOpacityBinding means an animated opacity value changed.
	PrimCompareOpacityBinding

	// PrimCompareColorBinding means an animated color value changed.
	PrimCompareColorBinding
)

// String returns a human-readable name for the result.
func (r PrimCompareResult) String() string {
	switch r {
	case PrimCompareEqual:
		return "Equal"
	case PrimCompareDescriptor:
		return "Descriptor"
	case PrimCompareClip:
		return "Clip"
	case PrimCompareTransform:
		return "Transform"
	case PrimCompareImage:
		return "Image"
	case PrimCompareOpacityBinding:
		return "OpacityBinding"
	case PrimCompareColorBinding:
		return "ColorBinding"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// CompareHelper walks two parallel dependency arrays with independently
// advancing offsets, so the segments of many primitives can be compared
// in one linear pass without re-deriving offsets from scratch.
type CompareHelper[T any] struct {
	prevItems  []T
	currItems  []T
	prevOffset int
	currOffset int
}

// NewCompareHelper creates a helper over a previous and current array.
func NewCompareHelper[T any](prev, curr []T) CompareHelper[T] {
	return CompareHelper[T]{prevItems: prev, currItems: curr}
}

// Reset rewinds both offsets to the start of their arrays.
func (h *CompareHelper[T]) Reset() {
	h.prevOffset = 0
	h.currOffset = 0
}

// IsSame compares the next prevCount/currCount elements of the two
// arrays with eq. Count mismatch rejects trivially; zero count accepts
// trivially; a count at the sentinel cap rejects as uncomparable.
// IsSame does not advance the offsets.
func (h *CompareHelper[T]) IsSame(prevCount, currCount uint8, eq func(prev, curr *T) bool) bool {
	if prevCount != currCount {
		return false
	}
	if currCount == 0 {
		return true
	}
	if currCount >= MaxPrimDependencies {
		return false
	}

	prev := h.prevItems[h.prevOffset : h.prevOffset+int(prevCount)]
	curr := h.currItems[h.currOffset : h.currOffset+int(currCount)]
	for i := range curr {
		if !eq(&prev[i], &curr[i]) {
			return false
		}
	}
	return true
}

// AdvancePrev moves the previous-array offset past count elements.
func (h *CompareHelper[T]) AdvancePrev(count uint8) {
	h.prevOffset += int(count)
}

// AdvanceCurr moves the current-array offset past count elements.
func (h *CompareHelper[T]) AdvanceCurr(count uint8) {
	h.currOffset += int(count)
}

// PrimitiveComparer compares the dependency segments of primitives
// between a tile's previous and current descriptors. It is constructed
// per tile per frame and carries one CompareHelper per dependency kind.
type PrimitiveComparer struct {
	clips      CompareHelper[clip.NodeID]
	transforms CompareHelper[SpatialNodeKey]
	images     CompareHelper[ImageDependency]
	opacities  CompareHelper[OpacityBinding]
	colors     CompareHelper[ColorBinding]

	spatial *SpatialNodeComparer
}

// NewPrimitiveComparer creates a comparer over a tile's previous and
// current descriptors.
func NewPrimitiveComparer(prev, curr *TileDescriptor, sp *SpatialNodeComparer) *PrimitiveComparer {
	return &PrimitiveComparer{
		clips:      NewCompareHelper(prev.Clips, curr.Clips),
		transforms: NewCompareHelper(prev.Transforms, curr.Transforms),
		images:     NewCompareHelper(prev.Images, curr.Images),
		opacities:  NewCompareHelper(prev.OpacityBindings, curr.OpacityBindings),
		colors:     NewCompareHelper(prev.ColorBindings, curr.ColorBindings),
		spatial:    sp,
	}
}

// Reset rewinds every helper to the start of its arrays.
func (c *PrimitiveComparer) Reset() {
	c.clips.Reset()
	c.transforms.Reset()
	c.images.Reset()
	c.opacities.Reset()
	c.colors.Reset()
}

// AdvancePrev moves every previous-array offset past prim's segments.
func (c *PrimitiveComparer) AdvancePrev(prim *PrimitiveDescriptor) {
	c.clips.AdvancePrev(prim.ClipCount)
	c.transforms.AdvancePrev(prim.TransformCount)
	c.images.AdvancePrev(prim.ImageCount)
	c.opacities.AdvancePrev(prim.OpacityCount)
	c.colors.AdvancePrev(prim.ColorCount)
}

// AdvanceCurr moves every current-array offset past prim's segments.
func (c *PrimitiveComparer) AdvanceCurr(prim *PrimitiveDescriptor) {
	c.clips.AdvanceCurr(prim.ClipCount)
	c.transforms.AdvanceCurr(prim.TransformCount)
	c.images.AdvanceCurr(prim.ImageCount)
	c.opacities.AdvanceCurr(prim.OpacityCount)
	c.colors.AdvanceCurr(prim.ColorCount)
}

// ComparePrim compares one primitive's previous and current dependency
// segments and returns the first mismatch found, or PrimCompareEqual.
// The helpers' offsets must be positioned at the primitives' segments;
// ComparePrim does not advance them.
func (c *PrimitiveComparer) ComparePrim(prev, curr *PrimitiveDescriptor) PrimCompareResult {
	if !prev.Equal(curr) {
		return PrimCompareDescriptor
	}
	return c.CompareDependencies(prev, curr)
}

// CompareDependencies compares only the flattened dependency segments,
// assuming the descriptors themselves already compared equal. Unlike the
// descriptor's clip box, which is clamped per tile, dependency values
// are per primitive, so a result is valid for every tile sharing the
// primitive and safe to memoize frame-wide by uid pair.
func (c *PrimitiveComparer) CompareDependencies(prev, curr *PrimitiveDescriptor) PrimCompareResult {
	if !c.clips.IsSame(prev.ClipCount, curr.ClipCount, func(p, q *clip.NodeID) bool {
		return *p == *q
	}) {
		return PrimCompareClip
	}

	if !c.transforms.IsSame(prev.TransformCount, curr.TransformCount, func(p, q *SpatialNodeKey) bool {
		return c.spatial.Equivalent(*p, *q)
	}) {
		return PrimCompareTransform
	}

	if !c.images.IsSame(prev.ImageCount, curr.ImageCount, func(p, q *ImageDependency) bool {
		return *p == *q
	}) {
		return PrimCompareImage
	}

	if !c.opacities.IsSame(prev.OpacityCount, curr.OpacityCount, func(p, q *OpacityBinding) bool {
		return !q.Changed && p.Value == q.Value
	}) {
		return PrimCompareOpacityBinding
	}

	if !c.colors.IsSame(prev.ColorCount, curr.ColorCount, func(p, q *ColorBinding) bool {
		return !q.Changed && p.Value == q.Value
	}) {
		return PrimCompareColorBinding
	}

	return PrimCompareEqual
}

// PrimitiveComparisonKey keys the frame-wide memo of pairwise
// dependency comparison results. A primitive overlapping several tiles
// (or several quadtree leaves) has its dependencies compared once per
// frame; the descriptor itself is re-checked per tile because its clip
// box is tile-clamped.
type PrimitiveComparisonKey struct {
	Prev, Curr ItemUID
}

// transformKey is the value-comparable form of a relative transform,
// derived from a spatial node so that transform-tree index churn between
// scene builds cannot cause false invalidation.
type transformKey struct {
	kind        spatial.MappingKind
	scaleOffset geom.ScaleOffset
	transform   geom.Matrix
}

// equivalent compares two transform keys within transformEpsilon.
func (k transformKey) equivalent(other transformKey) bool {
	if k.kind != other.kind {
		return false
	}
	switch k.kind {
	case spatial.MappingLocal:
		return true
	case spatial.MappingScaleOffset:
		return k.scaleOffset.ApproxEqual(other.scaleOffset, transformEpsilon)
	default:
		return k.transform.ApproxEqual(other.transform, transformEpsilon)
	}
}

// spatialComparisonKey memoizes one previous/current pairwise check.
type spatialComparisonKey struct {
	prev SpatialNodeKey
	curr SpatialNodeKey
}

// SpatialNodeComparer converts transform-tree references, relative to
// the cache's root spatial node, into value-comparable transform keys,
// and memoizes pairwise previous/current equivalence checks.
//
// Registered keys are retained for two frames so that a current frame's
// comparison can still resolve the previous frame's keys; older entries
// are garbage-collected at the start of each frame.
type SpatialNodeComparer struct {
	rootNode   spatial.NodeIndex
	keys       map[SpatialNodeKey]transformKey
	equivalent map[spatialComparisonKey]bool
	frame      FrameID
}

// retainedFrames is how many frames a registered transform key stays
// resolvable. Previous-frame descriptors are one frame old, so two
// frames of history suffice.
const retainedFrames = 2

// NewSpatialNodeComparer creates a comparer rooted at the given spatial
// node.
func NewSpatialNodeComparer(root spatial.NodeIndex) *SpatialNodeComparer {
	return &SpatialNodeComparer{
		rootNode:   root,
		keys:       make(map[SpatialNodeKey]transformKey),
		equivalent: make(map[spatialComparisonKey]bool),
	}
}

// SetRootNode re-anchors the comparer after a scene rebuild. All stored
// keys are dropped since they were derived relative to the old root.
func (c *SpatialNodeComparer) SetRootNode(root spatial.NodeIndex) {
	if root == c.rootNode {
		return
	}
	c.rootNode = root
	clear(c.keys)
	clear(c.equivalent)
}

// NextFrame advances the comparer to a new frame: memoized pairwise
// results are invalidated and keys older than the retention window are
// garbage-collected.
func (c *SpatialNodeComparer) NextFrame(frame FrameID) {
	c.frame = frame
	clear(c.equivalent)
	for k := range c.keys {
		if k.Frame+retainedFrames <= frame {
			delete(c.keys, k)
		}
	}
}

// Register resolves and stores the transform key for a spatial node
// reference used this frame. Must be called for every SpatialNodeKey
// recorded into a tile descriptor.
func (c *SpatialNodeComparer) Register(key SpatialNodeKey, tree spatial.Tree) {
	if _, ok := c.keys[key]; ok {
		return
	}
	mapping, ok := tree.Mapping(key.Node, c.rootNode)
	if !ok {
		// Unmappable transforms never compare equal; store nothing and
		// let Equivalent fail conservatively.
		return
	}
	c.keys[key] = transformKey{
		kind:        mapping.Kind,
		scaleOffset: mapping.ScaleOffset,
		transform:   mapping.Transform,
	}
}

// Equivalent reports whether the transforms referenced by a previous
// and a current spatial node key are equivalent within epsilon. Results
// are memoized per (prev, curr) pair for the current frame.
func (c *SpatialNodeComparer) Equivalent(prev, curr SpatialNodeKey) bool {
	if prev == curr {
		return true
	}
	memoKey := spatialComparisonKey{prev: prev, curr: curr}
	if same, ok := c.equivalent[memoKey]; ok {
		return same
	}

	prevKey, okPrev := c.keys[prev]
	currKey, okCurr := c.keys[curr]
	// A key that was never registered (or was unmappable) compares as
	// not-equivalent: conservative over-invalidation, never reuse.
	same := okPrev && okCurr && prevKey.equivalent(currKey)

	c.equivalent[memoKey] = same
	return same
}
