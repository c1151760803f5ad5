// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package compositor defines the command surface between the tile cache
// and a native OS compositor backend. The engine emits surface and tile
// create/destroy commands and external-image attachments; the backend
// owns the platform objects.
//
// Every command is idempotent per id and always paired: each create has
// a matching destroy when the owning tile or surface is garbage
// collected or resized away.
package compositor

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Kind selects how the frame is composited.
type Kind uint8

const (
	// KindDraw composites tiles with ordinary draw calls; there is no
	// native surface machinery and partial present is rect-limited only
	// by the renderer.
	KindDraw Kind = iota

	// KindNative hands tiles to the OS compositor as native surfaces.
	KindNative
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindDraw:
		return "Draw"
	case KindNative:
		return "Native"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Capabilities describes what the active compositor backend supports.
type Capabilities struct {
	// MaxUpdateRects is how many dirty rects a native backend accepts
	// per tile update. Zero means partial updates are unsupported and
	// every invalid tile redraws fully; in that case the cache skips
	// quadtree dirty-rect tracking entirely.
	MaxUpdateRects int

	// VirtualSurfaceSize bounds the tile coordinates addressable on one
	// native surface, in device pixels per axis. Zero means unbounded.
	// When the tile grid would exceed the bound, the cache recenters its
	// virtual offset and rebuilds every native tile.
	VirtualSurfaceSize int32

	// SupportsColorTiles is true if the backend can represent a
	// solid-color tile without texture backing.
	SupportsColorTiles bool
}

// Config is the compositor description handed to the cache each frame.
type Config struct {
	Kind         Kind
	Capabilities Capabilities
}

// PartialUpdatesSupported reports whether per-tile dirty rects smaller
// than the whole tile are worth tracking under this config.
func (c Config) PartialUpdatesSupported() bool {
	if c.Kind == KindDraw {
		return true
	}
	return c.Capabilities.MaxUpdateRects > 0
}

// SurfaceID identifies a native surface allocated by the cache.
type SurfaceID uint64

// TileID addresses one native tile within a surface.
type TileID struct {
	Surface SurfaceID
	X, Y    int32
}

// String returns a human-readable form of the tile id.
func (t TileID) String() string {
	return fmt.Sprintf("Tile(%d:%d,%d)", t.Surface, t.X, t.Y)
}

// SurfaceDescriptor describes a native surface to be created.
type SurfaceDescriptor struct {
	// TileSize is the size of each tile on the surface in device pixels.
	TileSize gputypes.Extent3D

	// Format is the pixel format of tile backing.
	Format gputypes.TextureFormat

	// IsOpaque selects the opaque or alpha surface class. Opaque and
	// alpha content live on separate native surfaces.
	IsOpaque bool

	// IsExternal is true for surfaces that present externally-owned
	// images (promoted video or image primitives) rather than cached
	// tile rasterizations.
	IsExternal bool
}

// Compositor receives native compositor commands from the tile cache.
//
// Implementations must tolerate destroy-after-create ordering only;
// the cache never destroys an id it did not create, and never creates
// an id twice without an intervening destroy.
type Compositor interface {
	// CreateSurface allocates a native surface.
	CreateSurface(id SurfaceID, desc SurfaceDescriptor) error

	// DestroySurface releases a native surface and all its tiles.
	DestroySurface(id SurfaceID)

	// CreateTile allocates backing for one tile of a surface.
	CreateTile(id TileID) error

	// DestroyTile releases one tile's backing.
	DestroyTile(id TileID)

	// AttachExternalImage binds an externally-owned texture to an
	// external surface. Implementations that accept GPU uploads may
	// type-assert gpucontext.TextureUpdater on tex to push new content.
	AttachExternalImage(id SurfaceID, tex gpucontext.Texture)
}
