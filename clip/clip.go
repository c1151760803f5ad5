// Package clip defines the interface through which the tile cache
// resolves clip-chain instances. The clip store is owned by the scene
// builder; the cache reads clip identities, their spatial nodes and the
// mask requirement, and never evaluates clip geometry itself.
package clip

import (
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/spatial"
)

// NodeID is the stable identity of one clip node. It survives across
// frames as long as the clip itself is unchanged, which is what makes it
// usable as a tile dependency.
type NodeID uint64

// ChainID identifies a resolved clip chain for one primitive instance.
type ChainID uint32

// InvalidChainID is the sentinel for "no clip chain".
const InvalidChainID ChainID = 0xFFFFFFFF

// ChainInstance is the resolved form of a clip chain: the clip node
// identities that apply to a primitive, the spatial node each clip is
// defined in, and whether applying the chain requires a mask.
type ChainInstance struct {
	// Nodes lists the clip node identities in application order.
	Nodes []NodeID

	// SpatialNodes holds the spatial node of each clip, parallel to Nodes.
	SpatialNodes []spatial.NodeIndex

	// LocalClipRect is the combined clip rectangle in the primitive's
	// local space.
	LocalClipRect geom.Rect

	// NeedsMask is true if the chain cannot be applied by rectangle
	// intersection alone (rounded corners, images, complex clips).
	NeedsMask bool
}

// Store is the read-only view of the clip store consumed by the
// tile cache.
type Store interface {
	// Chain resolves a chain id. Returns false for an unknown id, in
	// which case the primitive is treated as unclipped.
	Chain(id ChainID) (ChainInstance, bool)
}

// SimpleStore is a map-backed Store for tests and embedders without
// their own clip machinery.
type SimpleStore struct {
	chains map[ChainID]ChainInstance
	nextID ChainID
}

// NewSimpleStore creates an empty store.
func NewSimpleStore() *SimpleStore {
	return &SimpleStore{chains: make(map[ChainID]ChainInstance)}
}

// Add registers a chain instance and returns its id.
func (s *SimpleStore) Add(c ChainInstance) ChainID {
	id := s.nextID
	s.nextID++
	s.chains[id] = c
	return id
}

// Set replaces the chain stored under an existing id.
func (s *SimpleStore) Set(id ChainID, c ChainInstance) {
	s.chains[id] = c
}

// Chain implements Store.
func (s *SimpleStore) Chain(id ChainID) (ChainInstance, bool) {
	c, ok := s.chains[id]
	return c, ok
}
