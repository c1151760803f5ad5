// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package resource defines the resource-cache surface consumed by the
// tile cache: image generation and property lookup, and texture-cache
// allocation for tile backing stores.
//
// The cache engine never owns GPU resources. The resource cache is
// passed into each frame-build call and allocation or release requests
// complete synchronously, so later tiles in the same pass observe fresh
// generation numbers.
package resource

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// ImageKey is the stable identity of an image resource.
type ImageKey uint64

// InvalidImageKey is the sentinel for "no image".
const InvalidImageKey ImageKey = 0

// Generation counts content updates of an image. A tile that depends on
// an image is invalidated when the generation it recorded no longer
// matches the cache's current generation for that key.
type Generation uint32

// ExternalImageID identifies an externally-owned image (video frames,
// platform-decoded surfaces). Zero means the image is owned by the
// texture cache.
type ExternalImageID uint64

// ImageProperties are the facts about an image the tile cache needs for
// backdrop detection and compositor-surface promotion.
type ImageProperties struct {
	// IsOpaque is true if every texel has full alpha.
	IsOpaque bool

	// Tiled is true if the image is drawn as a grid of repeated tiles.
	// Tiled images are never backdrop candidates.
	Tiled bool

	// HasSpacing is true if tile repetitions are separated by gaps.
	HasSpacing bool

	// External identifies externally-owned backing, or zero.
	External ExternalImageID

	// Format is the texel format of the image data.
	Format gputypes.TextureFormat
}

// TextureHandle identifies a texture-cache entry backing one tile.
// Zero is invalid.
type TextureHandle uint64

// Cache is the resource-cache view the tile cache engine calls during a
// frame-build pass. Implementations may be backed by a real texture
// cache and image store; TextureCache in this package is a standalone
// implementation suitable for tests and simple embedders.
type Cache interface {
	// ImageGeneration returns the current content generation of an image.
	// Unknown keys return zero.
	ImageGeneration(key ImageKey) Generation

	// ImageProperties returns the properties of an image.
	// Returns false for unknown keys.
	ImageProperties(key ImageKey) (ImageProperties, bool)

	// ExternalTexture returns the externally-owned texture published for
	// an external image, or nil when none has been published yet. The
	// tile cache hands the texture to the native compositor when it
	// attaches a promoted surface.
	ExternalTexture(id ExternalImageID) gpucontext.Texture

	// AllocateTileTexture requests backing for a tile of the given pixel
	// size. The allocation is effective immediately.
	AllocateTileTexture(width, height int32) (TextureHandle, error)

	// ReleaseTileTexture releases a tile backing texture.
	// Releasing the zero handle is a no-op.
	ReleaseTileTexture(h TextureHandle)

	// TextureValid reports whether a handle still refers to live backing.
	// Evicted or released handles return false; the owning tile must
	// fully invalidate and request a fresh allocation.
	TextureValid(h TextureHandle) bool
}
