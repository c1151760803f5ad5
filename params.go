package tilecache

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

// SliceID identifies one cached slice of the scene.
type SliceID int32

// TileCacheParams configures a TileCacheInstance for a slice. Params
// are supplied once per scene build; per-frame state travels in
// FrameContext instead.
type TileCacheParams struct {
	// Slice identifies the slice this cache serves.
	Slice SliceID

	// SpatialNode anchors the cache: the picture-cache coordinate space
	// scrolls with this node.
	SpatialNode spatial.NodeIndex

	// SharedClipChain is applied to every primitive of the slice and is
	// therefore excluded from per-primitive dependencies.
	SharedClipChain clip.ChainID

	// BackgroundColor is the color behind the slice content, if any.
	BackgroundColor    gputypes.Color
	HasBackgroundColor bool

	// VirtualSurfaceSize bounds the native compositor's virtual
	// coordinate space. Zero means the backend default.
	VirtualSurfaceSize int32

	// IsRootCache marks the top-level content slice.
	IsRootCache bool

	// IsBlendContainer marks a slice that exists only to isolate a
	// blend mode; such slices never promote compositor surfaces.
	IsBlendContainer bool
}

// PrimitiveKind classifies a primitive for dependency tracking and
// surface promotion.
type PrimitiveKind uint8

const (
	PrimRectangle PrimitiveKind = iota
	PrimClear
	PrimImage
	PrimYUVImage
	PrimText
	PrimPicture
	PrimBackdropFilter
	PrimOther
)

// PrimitiveFlags carry per-instance hints.
type PrimitiveFlags uint8

const (
	// PrimFlagIsOpaque marks a primitive that writes every covered
	// pixel with alpha one.
	PrimFlagIsOpaque PrimitiveFlags = 1 << iota

	// PrimFlagPrefersCompositorSurface asks for promotion to a native
	// compositor surface when eligible.
	PrimFlagPrefersCompositorSurface
)

// Primitive is one primitive instance visited during dependency
// update. It is an input snapshot; the engine never retains pointers
// into it across frames.
type Primitive struct {
	UID         ItemUID
	Kind        PrimitiveKind
	SpatialNode spatial.NodeIndex
	LocalRect   geom.Rect
	ClipChain   clip.ChainID
	Flags       PrimitiveFlags

	// Color applies to PrimRectangle and PrimClear.
	Color gputypes.Color

	// Image applies to PrimImage.
	Image resource.ImageKey

	// YUVImages applies to PrimYUVImage; unused planes are
	// InvalidImageKey.
	YUVImages [3]resource.ImageKey

	// Animated property bindings, when attached.
	OpacityBinding    PropertyBindingID
	HasOpacityBinding bool
	ColorBinding      PropertyBindingID
	HasColorBinding   bool
}

// FrameContext is the per-frame state shared by the three update
// passes. The caller builds one per frame and must not mutate it while
// a pass runs.
type FrameContext struct {
	FrameID FrameID

	// GlobalScreenWorldRect is the visible area in world space.
	GlobalScreenWorldRect geom.Rect

	// DevicePixelScale converts world units to device pixels.
	DevicePixelScale float64

	SpatialTree spatial.Tree
	ClipStore   clip.Store
	Resources   resource.Cache
	Properties  PropertyResolver

	// Compositor describes the active compositing mode and its
	// capabilities.
	Compositor compositor.Config

	// Backend receives native surface and tile commands under
	// compositor.KindNative. Nil under KindDraw.
	Backend compositor.Compositor

	// TileSizeOverride forces the tile dimensions in picture-cache
	// units, bypassing the automatic size heuristic.
	TileSizeOverride *geom.Point

	// ForceInvalidate redraws every visible tile this frame.
	ForceInvalidate bool
}

// SubpixelModeKind states whether text in the slice may use subpixel
// antialiasing.
type SubpixelModeKind uint8

const (
	// SubpixelAllow permits subpixel text everywhere in the slice.
	SubpixelAllow SubpixelModeKind = iota

	// SubpixelDeny forbids subpixel text everywhere.
	SubpixelDeny

	// SubpixelConditional permits subpixel text except inside the
	// excluded rects.
	SubpixelConditional
)

// String returns a human-readable name for the kind.
func (k SubpixelModeKind) String() string {
	switch k {
	case SubpixelAllow:
		return "Allow"
	case SubpixelDeny:
		return "Deny"
	case SubpixelConditional:
		return "Conditional"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// SubpixelMode is the slice's text antialiasing policy for the frame.
type SubpixelMode struct {
	Kind SubpixelModeKind

	// ExcludedRects lists local rects where subpixel text is forbidden
	// when Kind is SubpixelConditional: the areas over promoted
	// compositor surfaces, where the backdrop pixels are not available
	// to blend against.
	ExcludedRects []geom.Rect
}

// BackdropKind classifies the slice backdrop candidate.
type BackdropKind uint8

const (
	// BackdropNone means no primitive qualified as a backdrop.
	BackdropNone BackdropKind = iota

	// BackdropColor is an opaque solid rectangle.
	BackdropColor

	// BackdropClear is a clear rectangle resetting the slice to
	// transparent.
	BackdropClear

	// BackdropImage is an opaque axis-aligned image.
	BackdropImage
)

// BackdropInfo describes the opaque backdrop detected for the frame.
// Tiles fully inside Rect are opaque regardless of their own content.
type BackdropInfo struct {
	Kind        BackdropKind
	Rect        geom.Rect
	UID         ItemUID
	Color       gputypes.Color
	SpatialNode spatial.NodeIndex
}

// Occluder is an opaque world-space rect the compositor can cull
// against, with its compositing z order.
type Occluder struct {
	ZID       int32
	WorldRect geom.Rect
}

// RenderTask is one tile redraw request: the region of a tile's
// backing surface that must be rasterized this frame.
type RenderTask struct {
	Tile     TileID
	SubSlice int
	Surface  TileSurface

	// LocalDirtyRect is the redraw region in picture-cache space;
	// DeviceDirtyRect and DeviceValidRect are its device forms.
	LocalDirtyRect  geom.Rect
	DeviceDirtyRect geom.Rect
	DeviceValidRect geom.Rect

	// TileRect is the full tile rect in picture-cache space, for
	// positioning the dirty region inside the backing.
	TileRect geom.Rect
}

// FrameStats summarizes one frame's cache behavior.
type FrameStats struct {
	Tiles              int
	VisibleTiles       int
	InvalidatedTiles   int
	ColorTiles         int
	RenderTasks        int
	CompositorSurfaces int
	QuadtreeLeaves     int

	// Reasons counts invalidated tiles by the first invalidation reason
	// recorded on each, indexed by InvalidationReason.
	Reasons [InvalidateForced + 1]int
}

// FrameOutput is the result of PostUpdate: everything the renderer and
// compositor need to draw the frame.
type FrameOutput struct {
	// Dirty is the slice's dirty region for partial present.
	Dirty *DirtyRegion

	// Tasks lists the tile redraws required this frame.
	Tasks []RenderTask

	// Occluders lists opaque rects for compositor culling.
	Occluders []Occluder

	// Subpixel is the text antialiasing policy for the slice.
	Subpixel SubpixelMode

	// Backdrop is the detected slice backdrop, if any.
	Backdrop BackdropInfo

	Stats FrameStats
}
