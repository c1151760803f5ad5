package tilecache

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
)

// maxCompositorSurfaces caps promotions per slice. Beyond it, further
// candidates render through the tile path like any other primitive.
const maxCompositorSurfaces = 4

// maxSubSlices caps the number of z bands a slice may split into. One
// band exists below every promoted surface plus one above the last.
const maxSubSlices = maxCompositorSurfaces + 1

// ExternalSurfaceDescriptor identifies a native surface backing an
// external image (typically video). Surfaces are cached by value of
// this descriptor so a steadily playing video reuses one surface.
type ExternalSurfaceDescriptor struct {
	Images   [3]resource.ImageKey
	Size     gputypes.Extent3D
	IsOpaque bool
}

// externalNativeSurface is one cached external surface, the last frame
// that used it, and the image generations last attached to it. Unused
// entries are destroyed after one frame; a generation change re-attaches
// the external image so the compositor picks up the new content.
type externalNativeSurface struct {
	id       compositor.SurfaceID
	lastUsed FrameID

	attached    bool
	generations [3]resource.Generation
}

// CompositorSurface is one primitive promoted out of the tile path and
// handed to the native compositor as its own surface.
type CompositorSurface struct {
	// UID is the promoted primitive's identity.
	UID  ItemUID
	Kind PrimitiveKind

	// LocalRect, WorldRect and DeviceRect are the surface bounds in
	// picture-cache, world and device space.
	LocalRect  geom.Rect
	WorldRect  geom.Rect
	DeviceRect geom.Rect

	IsOpaque bool

	// Descriptor keys the external surface cache.
	Descriptor ExternalSurfaceDescriptor

	// Surface is the bound native surface, once attached.
	Surface    compositor.SurfaceID
	HasSurface bool

	// ZID is the surface's compositing order within the slice.
	ZID int32
}

// nativeSurfacePair is the opaque/alpha surface pair backing one
// sub-slice's tiles under native compositing. Opaque and alpha tiles
// must not share a surface: the compositor blends them differently.
type nativeSurfacePair struct {
	opaque    compositor.SurfaceID
	alpha     compositor.SurfaceID
	allocated bool
}

// SubSlice is one z band of a slice: the tile grid content drawn below
// a group of promoted compositor surfaces. A slice with no promotions
// has exactly one sub-slice.
type SubSlice struct {
	// Tiles maps grid offsets to tiles. Entries come and go as the
	// grid resizes; a tile at a surviving offset keeps its identity.
	Tiles map[geom.TileOffset]*Tile

	// CompositorSurfaces lists the promotions that cut above this
	// sub-slice, in encounter order.
	CompositorSurfaces []CompositorSurface

	native nativeSurfacePair
}

func newSubSlice() *SubSlice {
	return &SubSlice{Tiles: make(map[geom.TileOffset]*Tile)}
}

// resetFrame drops per-frame state ahead of dependency accumulation.
func (s *SubSlice) resetFrame() {
	s.CompositorSurfaces = s.CompositorSurfaces[:0]
}

// ensureNativeSurfaces lazily creates the sub-slice's opaque and alpha
// surfaces. tileSize is in device pixels.
func (s *SubSlice) ensureNativeSurfaces(backend compositor.Compositor, nextID func() compositor.SurfaceID, tileSize gputypes.Extent3D) error {
	if s.native.allocated {
		return nil
	}
	opaque := nextID()
	if err := backend.CreateSurface(opaque, compositor.SurfaceDescriptor{
		TileSize: tileSize,
		Format:   gputypes.TextureFormatBGRA8Unorm,
		IsOpaque: true,
	}); err != nil {
		return err
	}
	alpha := nextID()
	if err := backend.CreateSurface(alpha, compositor.SurfaceDescriptor{
		TileSize: tileSize,
		Format:   gputypes.TextureFormatBGRA8Unorm,
		IsOpaque: false,
	}); err != nil {
		backend.DestroySurface(opaque)
		return err
	}
	s.native = nativeSurfacePair{opaque: opaque, alpha: alpha, allocated: true}
	return nil
}

// surfaceFor returns the native surface matching an opacity class.
func (s *SubSlice) surfaceFor(opaque bool) (compositor.SurfaceID, bool) {
	if !s.native.allocated {
		return 0, false
	}
	if opaque {
		return s.native.opaque, true
	}
	return s.native.alpha, true
}

// destroyNativeSurfaces tears down the surface pair and every native
// tile bound to it. Tiles are destroyed before their surfaces so the
// backend never sees an orphan tile.
func (s *SubSlice) destroyNativeSurfaces(backend compositor.Compositor) {
	if !s.native.allocated {
		return
	}
	for _, tile := range s.Tiles {
		if tile.Surface.HasNativeTile {
			backend.DestroyTile(tile.Surface.NativeTile)
			tile.Surface.HasNativeTile = false
			tile.IsValid = false
		}
	}
	backend.DestroySurface(s.native.opaque)
	backend.DestroySurface(s.native.alpha)
	s.native = nativeSurfacePair{}
}
