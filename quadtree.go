package tilecache

import (
	"math/bits"

	"github.com/gogpu/tilecache/geom"
)

// PrimitiveDependencyIndex indexes into a tile descriptor's Prims array.
type PrimitiveDependencyIndex uint16

// Quadtree restructuring policy.
const (
	// tileNodeHistoryFrames is the width of the rolling dirty bitset.
	// One bit per frame, shifted left each frame; bit zero is the
	// current frame.
	tileNodeHistoryFrames = 64

	// tileNodeMinStableFrames is how long a leaf must go without
	// restructuring before it may split. Rate-limits restructuring to
	// avoid oscillation between split and merge.
	tileNodeMinStableFrames = 64

	// tileNodeSplitDirtyFrames is the dirty-frame count within the
	// history window above which a stable leaf splits: localizing churn
	// pays off once more than half of recent frames were dirty.
	tileNodeSplitDirtyFrames = tileNodeHistoryFrames / 2
)

// TileNode is one node of a tile's adaptive quadtree of
// primitive-dependency indices. A leaf holds the indices of primitives
// whose clipped box intersects its rectangle, for the previous and
// current frame; an interior node holds exactly four children covering
// equal quadrants of its rectangle.
//
// The tree localizes dirty rectangles below whole-tile granularity:
// leaves that keep being dirty split to narrow the dirty region, and
// quadrants that stop benefiting from fine-grained tracking merge back.
type TileNode struct {
	rect geom.Rect

	// children is nil for a leaf, else exactly four quadrants.
	children []TileNode

	// Leaf state.
	prevIndices         []PrimitiveDependencyIndex
	currIndices         []PrimitiveDependencyIndex
	dirtyTracker        uint64
	framesSinceModified int
}

// NewTileNode creates a single leaf covering rect.
func NewTileNode(rect geom.Rect) TileNode {
	return TileNode{rect: rect}
}

// Rect returns the picture-space rectangle this node covers.
func (n *TileNode) Rect() geom.Rect {
	return n.rect
}

// IsLeaf reports whether the node is a leaf.
func (n *TileNode) IsLeaf() bool {
	return n.children == nil
}

// quadrants returns the four equal quadrant rects of r in child order
// (top-left, top-right, bottom-left, bottom-right).
func quadrants(r geom.Rect) [4]geom.Rect {
	c := r.Center()
	return [4]geom.Rect{
		{Min: r.Min, Max: c},
		{Min: geom.Point{X: c.X, Y: r.Min.Y}, Max: geom.Point{X: r.Max.X, Y: c.Y}},
		{Min: geom.Point{X: r.Min.X, Y: c.Y}, Max: geom.Point{X: c.X, Y: r.Max.Y}},
		{Min: c, Max: r.Max},
	}
}

// Clear prepares the node for a new frame's dependency accumulation:
// the current index buffer becomes the previous one, the dirty history
// ages by one frame, and the node rect is updated (tile rects move when
// the fractional offset or tile size changes).
func (n *TileNode) Clear(rect geom.Rect) {
	n.rect = rect

	if n.IsLeaf() {
		n.prevIndices, n.currIndices = n.currIndices, n.prevIndices[:0]
		n.dirtyTracker <<= 1
		n.framesSinceModified++
		return
	}

	quads := quadrants(rect)
	for i := range n.children {
		n.children[i].Clear(quads[i])
	}
}

// AddPrim inserts a primitive-dependency index into every leaf whose
// rectangle the primitive's clipped box intersects. The caller
// guarantees the box intersects the root's rectangle.
func (n *TileNode) AddPrim(index PrimitiveDependencyIndex, clipBox geom.Rect) {
	if n.IsLeaf() {
		n.currIndices = append(n.currIndices, index)
		return
	}
	for i := range n.children {
		child := &n.children[i]
		if clipBox.Intersects(child.rect) {
			child.AddPrim(index, clipBox)
		}
	}
}

// UpdateDirtyRects walks the tree comparing each leaf's previous and
// current primitive dependencies. Leaves whose index-buffer lengths
// differ are unconditionally dirty (covers primitive add/remove);
// otherwise the first per-primitive mismatch marks the leaf dirty. Dirty
// leaf rects are unioned into dirtyRect, and the first mismatch kind
// observed anywhere in the tree is recorded in firstMismatch.
//
// Pairwise dependency comparison results are memoized in compareCache
// across all tiles of a frame, keyed by (previous uid, current uid).
func (n *TileNode) UpdateDirtyRects(
	prevPrims, currPrims []PrimitiveDescriptor,
	comparer *PrimitiveComparer,
	compareCache map[PrimitiveComparisonKey]PrimCompareResult,
	dirtyRect *geom.Rect,
	firstMismatch *PrimCompareResult,
) {
	if !n.IsLeaf() {
		for i := range n.children {
			n.children[i].UpdateDirtyRects(prevPrims, currPrims, comparer, compareCache, dirtyRect, firstMismatch)
		}
		return
	}

	if len(n.prevIndices) != len(n.currIndices) {
		n.markDirty(dirtyRect)
		if *firstMismatch == PrimCompareEqual {
			*firstMismatch = PrimCompareDescriptor
		}
		return
	}

	// Each leaf walks its indices in ascending order, so the compare
	// helpers advance monotonically from the start of the arrays.
	comparer.Reset()
	prevPos, currPos := 0, 0
	for i := range n.currIndices {
		pi := int(n.prevIndices[i])
		ci := int(n.currIndices[i])
		for ; prevPos < pi; prevPos++ {
			comparer.AdvancePrev(&prevPrims[prevPos])
		}
		for ; currPos < ci; currPos++ {
			comparer.AdvanceCurr(&currPrims[currPos])
		}

		prev := &prevPrims[pi]
		curr := &currPrims[ci]

		// The descriptor holds the tile-clamped clip box, so its
		// equality can differ between tiles sharing a primitive and is
		// never memoized. Only the dependency comparison is cached.
		var result PrimCompareResult
		if !prev.Equal(curr) {
			result = PrimCompareDescriptor
		} else {
			key := PrimitiveComparisonKey{Prev: prev.UID, Curr: curr.UID}
			cached, ok := compareCache[key]
			if !ok {
				cached = comparer.CompareDependencies(prev, curr)
				compareCache[key] = cached
			}
			result = cached
		}
		if result != PrimCompareEqual {
			n.markDirty(dirtyRect)
			if *firstMismatch == PrimCompareEqual {
				*firstMismatch = result
			}
			return
		}
	}
}

func (n *TileNode) markDirty(dirtyRect *geom.Rect) {
	n.dirtyTracker |= 1
	*dirtyRect = dirtyRect.Union(n.rect)
}

// MaybeMergeOrSplit evaluates the restructuring policy for this subtree.
// level is the node's depth (root is 0); maxSplitLevels caps how deep
// leaves may split. Called once per frame per tile, after dirty rects
// are computed, and only when the compositor supports partial updates.
func (n *TileNode) MaybeMergeOrSplit(level int, currPrims []PrimitiveDescriptor, maxSplitLevels int) {
	if n.IsLeaf() {
		n.maybeSplit(level, currPrims, maxSplitLevels)
		return
	}

	if n.shouldMerge() {
		n.merge()
		return
	}
	for i := range n.children {
		n.children[i].MaybeMergeOrSplit(level+1, currPrims, maxSplitLevels)
	}
}

// maybeSplit splits a leaf into four children when it has been stable
// long enough and dirty often enough that localizing the churn pays for
// the extra bookkeeping.
func (n *TileNode) maybeSplit(level int, currPrims []PrimitiveDescriptor, maxSplitLevels int) {
	if level >= maxSplitLevels {
		return
	}
	if n.framesSinceModified <= tileNodeMinStableFrames {
		return
	}
	if bits.OnesCount64(n.dirtyTracker) <= tileNodeSplitDirtyFrames {
		return
	}

	quads := quadrants(n.rect)
	children := make([]TileNode, 4)
	for i := range children {
		children[i] = NewTileNode(quads[i])
	}
	// Partition the current index buffer by intersection with each
	// child rect. A primitive spanning quadrants lands in several.
	for _, idx := range n.currIndices {
		box := currPrims[idx].ClipBox
		for i := range children {
			if box.Intersects(children[i].rect) {
				children[i].currIndices = append(children[i].currIndices, idx)
			}
		}
	}

	n.children = children
	n.prevIndices = nil
	n.currIndices = nil
	n.dirtyTracker = 0
	n.framesSinceModified = 0
}

// shouldMerge reports whether this node's four children are all leaves
// that unanimously agree on being uniformly static or uniformly dirty.
// In either case fine-grained tracking has stopped paying off.
func (n *TileNode) shouldMerge() bool {
	allStatic, allDirty := true, true
	for i := range n.children {
		child := &n.children[i]
		if !child.IsLeaf() {
			return false
		}
		if child.framesSinceModified <= tileNodeMinStableFrames {
			return false
		}
		dirtyFrames := bits.OnesCount64(child.dirtyTracker)
		if dirtyFrames != 0 {
			allStatic = false
		}
		if dirtyFrames != tileNodeHistoryFrames {
			allDirty = false
		}
	}
	return allStatic || allDirty
}

// merge collapses the four children back into this node, making it a
// leaf whose index buffer is the deduplicated concatenation of the
// children's buffers, in ascending order.
func (n *TileNode) merge() {
	if n.IsLeaf() {
		panic("tilecache: merge on a leaf TileNode")
	}

	curr := n.currIndices[:0]
	seen := make(map[PrimitiveDependencyIndex]struct{})
	for i := range n.children {
		for _, idx := range n.children[i].currIndices {
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			curr = append(curr, idx)
		}
	}
	// Children partition their parent's buffer in insertion order, but
	// a spanning primitive can appear out of order across quadrants.
	sortIndices(curr)

	n.children = nil
	n.currIndices = curr
	n.prevIndices = n.prevIndices[:0]
	n.dirtyTracker = 0
	n.framesSinceModified = 0
}

// sortIndices is an insertion sort: index buffers are short and almost
// sorted after a merge.
func sortIndices(s []PrimitiveDependencyIndex) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// leafCount returns the number of leaves in the subtree.
func (n *TileNode) leafCount() int {
	if n.IsLeaf() {
		return 1
	}
	total := 0
	for i := range n.children {
		total += n.children[i].leafCount()
	}
	return total
}
