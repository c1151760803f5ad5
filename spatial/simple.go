package spatial

import "github.com/gogpu/tilecache/geom"

// SimpleTree is a minimal array-backed Tree implementation.
// It exists for tests, examples and embedders that do not already carry
// a transform tree; production scenes normally adapt their own tree to
// the Tree interface instead.
//
// SimpleTree is not safe for concurrent mutation.
type SimpleTree struct {
	nodes []simpleNode
}

type simpleNode struct {
	parent NodeIndex
	local  geom.Matrix // transform into the parent's space
	coord  uint32
}

// NewSimpleTree creates a tree containing a single root node with the
// identity transform.
func NewSimpleTree() *SimpleTree {
	return &SimpleTree{
		nodes: []simpleNode{{
			parent: InvalidNodeIndex,
			local:  geom.Identity(),
			coord:  0,
		}},
	}
}

// Root returns the index of the root node.
func (t *SimpleTree) Root() NodeIndex {
	return 0
}

// AddChild adds a node under parent with the given local transform and
// returns its index. A child whose transform is not axis-aligned starts
// a new coordinate system.
func (t *SimpleTree) AddChild(parent NodeIndex, local geom.Matrix) NodeIndex {
	coord := t.nodes[parent].coord
	if !local.IsScaleTranslation() {
		coord = uint32(len(t.nodes)) // any unused id works
	}
	t.nodes = append(t.nodes, simpleNode{
		parent: parent,
		local:  local,
		coord:  coord,
	})
	return NodeIndex(len(t.nodes) - 1)
}

// SetLocalTransform replaces a node's transform into its parent's space.
// Axis-alignment reclassification is not re-run; tests that flip a node
// between aligned and rotated should build a fresh tree instead.
func (t *SimpleTree) SetLocalTransform(n NodeIndex, local geom.Matrix) {
	t.nodes[n].local = local
}

// toRoot returns the transform taking n's space into the root's space.
func (t *SimpleTree) toRoot(n NodeIndex) geom.Matrix {
	m := geom.Identity()
	for n != InvalidNodeIndex {
		node := t.nodes[n]
		m = node.local.Multiply(m)
		n = node.parent
	}
	return m
}

// Mapping implements Tree.
func (t *SimpleTree) Mapping(from, to NodeIndex) (Mapping, bool) {
	if from == to {
		return Mapping{Kind: MappingLocal}, true
	}
	toRootInv, ok := t.toRoot(to).Invert()
	if !ok {
		return Mapping{}, false
	}
	m := toRootInv.Multiply(t.toRoot(from))
	if m.IsIdentity() {
		return Mapping{Kind: MappingLocal}, true
	}
	if so, ok := geom.ScaleOffsetFromMatrix(m); ok {
		return Mapping{Kind: MappingScaleOffset, ScaleOffset: so}, true
	}
	return Mapping{Kind: MappingTransform, Transform: m}, true
}

// CoordinateSystem implements Tree.
func (t *SimpleTree) CoordinateSystem(n NodeIndex) uint32 {
	return t.nodes[n].coord
}
