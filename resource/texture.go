// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/core"
)

// Texture cache errors.
var (
	// ErrBudgetExceeded is returned when an allocation would exceed the
	// cache's byte budget even after evicting every unpinned entry.
	ErrBudgetExceeded = errors.New("resource: texture cache budget exceeded")

	// ErrInvalidSize is returned for non-positive allocation sizes.
	ErrInvalidSize = errors.New("resource: invalid texture size")
)

// Default texture cache limits.
const (
	// DefaultBudgetMB is the default texture cache budget in megabytes.
	DefaultBudgetMB = 128

	// bytesPerPixel assumes 4-byte BGRA/RGBA texels.
	bytesPerPixel = 4
)

// TextureCacheStats contains usage statistics for a TextureCache.
type TextureCacheStats struct {
	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// BudgetBytes is the configured byte budget.
	BudgetBytes uint64

	// Entries is the number of live texture entries.
	Entries int

	// Allocations is the total number of successful allocations.
	Allocations uint64

	// Evictions is the total number of entries evicted or released.
	Evictions uint64
}

// String returns a human-readable summary of the stats.
func (s TextureCacheStats) String() string {
	return fmt.Sprintf("TextureCache[%d/%d MB, %d entries, %d allocs, %d evictions]",
		s.UsedBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Entries,
		s.Allocations,
		s.Evictions)
}

// textureEntry is one live texture-cache allocation.
type textureEntry struct {
	extent  gputypes.Extent3D
	format  gputypes.TextureFormat
	bytes   uint64
	texture core.TextureID
	view    core.TextureViewID
}

// TextureCache is a standalone Cache implementation: an ID-table of
// texture allocations plus an image registry. Handles are opaque uint64
// ids; the GPU backend binds real wgpu texture ids to a handle after it
// performs the actual device allocation.
//
// TextureCache is safe for concurrent use, though the tile cache engine
// itself only calls it from the frame-build goroutine.
type TextureCache struct {
	mu     sync.Mutex
	nextID TextureHandle
	texts  map[TextureHandle]*textureEntry

	images   map[ImageKey]imageEntry
	external map[ExternalImageID]gpucontext.Texture

	used   uint64
	budget uint64

	allocations uint64
	evictions   uint64
}

type imageEntry struct {
	props ImageProperties
	gen   Generation
}

// NewTextureCache creates a texture cache with the given budget in
// megabytes. Non-positive budgets use DefaultBudgetMB.
func NewTextureCache(budgetMB int) *TextureCache {
	if budgetMB <= 0 {
		budgetMB = DefaultBudgetMB
	}
	return &TextureCache{
		nextID:   1,
		texts:    make(map[TextureHandle]*textureEntry),
		images:   make(map[ImageKey]imageEntry),
		external: make(map[ExternalImageID]gpucontext.Texture),
		budget:   uint64(budgetMB) * 1024 * 1024,
	}
}

// PublishExternalTexture makes an externally-owned texture available
// under an external image id. Passing nil unpublishes it.
func (c *TextureCache) PublishExternalTexture(id ExternalImageID, tex gpucontext.Texture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tex == nil {
		delete(c.external, id)
		return
	}
	c.external[id] = tex
}

// ExternalTexture implements Cache.
func (c *TextureCache) ExternalTexture(id ExternalImageID) gpucontext.Texture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.external[id]
}

// RegisterImage adds or replaces an image with generation 1.
func (c *TextureCache) RegisterImage(key ImageKey, props ImageProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[key] = imageEntry{props: props, gen: 1}
}

// UpdateImage bumps an image's generation, marking its content changed.
// Unknown keys are registered with default properties.
func (c *TextureCache) UpdateImage(key ImageKey) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.images[key]
	e.gen++
	c.images[key] = e
	return e.gen
}

// ImageGeneration implements Cache.
func (c *TextureCache) ImageGeneration(key ImageKey) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images[key].gen
}

// ImageProperties implements Cache.
func (c *TextureCache) ImageProperties(key ImageKey) (ImageProperties, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.images[key]
	return e.props, ok
}

// AllocateTileTexture implements Cache.
func (c *TextureCache) AllocateTileTexture(width, height int32) (TextureHandle, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bytes := uint64(width) * uint64(height) * bytesPerPixel
	if c.used+bytes > c.budget {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrBudgetExceeded, bytes, c.used, c.budget)
	}

	h := c.nextID
	c.nextID++
	c.texts[h] = &textureEntry{
		extent: gputypes.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		format: gputypes.TextureFormatBGRA8Unorm,
		bytes:  bytes,
	}
	c.used += bytes
	c.allocations++
	return h, nil
}

// ReleaseTileTexture implements Cache.
func (c *TextureCache) ReleaseTileTexture(h TextureHandle) {
	if h == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.texts[h]
	if !ok {
		return
	}
	c.used -= e.bytes
	c.evictions++
	delete(c.texts, h)
}

// TextureValid implements Cache.
func (c *TextureCache) TextureValid(h TextureHandle) bool {
	if h == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.texts[h]
	return ok
}

// Bind associates real wgpu texture ids with a handle once the backend
// has performed the device-side allocation.
func (c *TextureCache) Bind(h TextureHandle, tex core.TextureID, view core.TextureViewID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.texts[h]
	if !ok {
		return false
	}
	e.texture = tex
	e.view = view
	return true
}

// Binding returns the wgpu texture ids bound to a handle.
// Returns false for unknown handles.
func (c *TextureCache) Binding(h TextureHandle) (core.TextureID, core.TextureViewID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.texts[h]
	if !ok {
		return core.TextureID{}, core.TextureViewID{}, false
	}
	return e.texture, e.view, true
}

// Extent returns the pixel extent of a handle's allocation.
// Returns false for unknown handles.
func (c *TextureCache) Extent(h TextureHandle) (gputypes.Extent3D, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.texts[h]
	if !ok {
		return gputypes.Extent3D{}, false
	}
	return e.extent, true
}

// Stats returns a snapshot of cache statistics.
func (c *TextureCache) Stats() TextureCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TextureCacheStats{
		UsedBytes:   c.used,
		BudgetBytes: c.budget,
		Entries:     len(c.texts),
		Allocations: c.allocations,
		Evictions:   c.evictions,
	}
}
