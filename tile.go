package tilecache

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

// TileID is the stable numeric identity of a tile. It is monotonic per
// TileCacheInstance and survives grid resizes: a tile keeps its id as
// long as its offset stays inside the grid.
type TileID uint64

// TileSurfaceKind selects the backing of a tile. The kinds form a
// closed set branched on in the per-tile hot loop; switching kind always
// implies full-tile invalidation.
type TileSurfaceKind uint8

const (
	// TileSurfaceNone means no backing has been chosen yet.
	TileSurfaceNone TileSurfaceKind = iota

	// TileSurfaceTexture backs the tile with a texture-cache entry, or
	// with a native compositor tile under native compositing.
	TileSurfaceTexture

	// TileSurfaceColor draws the tile as a flat color with no backing.
	TileSurfaceColor

	// TileSurfaceClear leaves the tile fully transparent with no backing.
	TileSurfaceClear
)

// String returns a human-readable name for the surface kind.
func (k TileSurfaceKind) String() string {
	switch k {
	case TileSurfaceNone:
		return "None"
	case TileSurfaceTexture:
		return "Texture"
	case TileSurfaceColor:
		return "Color"
	case TileSurfaceClear:
		return "Clear"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// TileSurface is the backing of one tile. A tile holds at most one
// backing at a time: for TileSurfaceTexture either Texture (draw
// compositing) or NativeTile (native compositing) is set, never both.
type TileSurface struct {
	Kind TileSurfaceKind

	// Texture is the texture-cache backing under draw compositing.
	Texture resource.TextureHandle

	// NativeTile is the compositor tile under native compositing.
	// Valid only when HasNativeTile is true.
	NativeTile    compositor.TileID
	HasNativeTile bool

	// Color is the flat color for TileSurfaceColor.
	Color gputypes.Color
}

// InvalidationReason tags why a tile (or a sub-rect of it) was
// invalidated. Every invalidation carries exactly one reason; the first
// reason recorded in a frame wins and is kept for diagnostics.
type InvalidationReason uint8

const (
	// InvalidateNone means the tile was not invalidated this frame.
	InvalidateNone InvalidationReason = iota

	// InvalidateFractionalOffset: the anchoring transform's fractional
	// device remainder changed, shifting every pixel of the tile.
	InvalidateFractionalOffset

	// InvalidateBackgroundColor: the slice background color changed.
	InvalidateBackgroundColor

	// InvalidateOpacityChanged: the tile switched opacity class, so it
	// must move between the opaque and alpha surfaces.
	InvalidateOpacityChanged

	// InvalidateNoTexture: the texture-cache backing is missing or was
	// evicted.
	InvalidateNoTexture

	// InvalidateNoSurface: no backing surface has been allocated yet.
	InvalidateNoSurface

	// InvalidateContent: the dependency diff found a mismatch; the
	// Detail field of Invalidation carries the first mismatch kind.
	InvalidateContent

	// InvalidateValidRectChanged: the tile's valid rect changed shape.
	InvalidateValidRectChanged

	// InvalidateCompositorKindChanged: the surface kind (or compositing
	// mode) changed under the tile.
	InvalidateCompositorKindChanged

	// InvalidateScaleChanged: the root transform's scale changed, so
	// cached device-space rects are meaningless.
	InvalidateScaleChanged

	// InvalidateVirtualOffsetChanged: the native virtual surface was
	// recentered, moving every native tile's device position.
	InvalidateVirtualOffsetChanged

	// InvalidateForced: the frame context demanded full invalidation.
	InvalidateForced
)

// String returns a human-readable name for the reason.
func (r InvalidationReason) String() string {
	switch r {
	case InvalidateNone:
		return "None"
	case InvalidateFractionalOffset:
		return "FractionalOffset"
	case InvalidateBackgroundColor:
		return "BackgroundColor"
	case InvalidateOpacityChanged:
		return "OpacityChanged"
	case InvalidateNoTexture:
		return "NoTexture"
	case InvalidateNoSurface:
		return "NoSurface"
	case InvalidateContent:
		return "Content"
	case InvalidateValidRectChanged:
		return "ValidRectChanged"
	case InvalidateCompositorKindChanged:
		return "CompositorKindChanged"
	case InvalidateScaleChanged:
		return "ScaleChanged"
	case InvalidateVirtualOffsetChanged:
		return "VirtualOffsetChanged"
	case InvalidateForced:
		return "Forced"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// Invalidation is one tagged invalidation: the reason, plus the first
// dependency mismatch kind when the reason is InvalidateContent.
type Invalidation struct {
	Reason InvalidationReason
	Detail PrimCompareResult
}

// fractOffsetEpsilon is the tolerance for fractional-offset equality;
// below the x/image fixed-point (26.6) quantum no pixel can move.
const fractOffsetEpsilon = 1.0 / 64.0

// Tile is one cell of the picture cache: a rectangle of content, its
// dependency fingerprints for the previous and current frame, a backing
// surface, and a quadtree that localizes dirty regions below whole-tile
// granularity.
type Tile struct {
	// ID is the tile's stable identity.
	ID TileID

	// Offset is the tile's grid coordinate.
	Offset geom.TileOffset

	// LocalRect is the tile rectangle in picture-cache space.
	LocalRect geom.Rect

	// WorldRect is LocalRect mapped to world space.
	WorldRect geom.Rect

	// LocalValidRect is the sub-rect of the tile that actually holds
	// content this frame: tile rect, picture rect and accumulated
	// primitive bounds intersected. Computed by postUpdate.
	LocalValidRect geom.Rect

	// LocalDirtyRect accumulates this frame's invalidated region in
	// picture-cache space.
	LocalDirtyRect geom.Rect

	// DeviceDirtyRect and DeviceValidRect are the device-space forms,
	// filled in by the owning TileCacheInstance.
	DeviceDirtyRect geom.Rect
	DeviceValidRect geom.Rect

	// Current and Previous are this frame's and last frame's content
	// fingerprints, swapped at the start of each visible frame.
	Current  *TileDescriptor
	Previous *TileDescriptor

	// Surface is the tile's backing. A tile holds at most one.
	Surface TileSurface

	// IsValid is false when any part of the tile must redraw.
	IsValid bool

	// IsVisible is false for tiles outside the screen or with no
	// content; invisible tiles are skipped entirely.
	IsVisible bool

	// IsOpaque records the tile's opacity class. Opaque and alpha tiles
	// live on separate native surfaces.
	IsOpaque bool

	// LastInvalidation is the first invalidation recorded this frame.
	LastInvalidation Invalidation

	// LastUpdatedFrame is the frame id of the last postUpdate that saw
	// the tile visible.
	LastUpdatedFrame FrameID

	root TileNode

	fractOffset   geom.Point
	bgColor       gputypes.Color
	hasBackground bool

	// descriptorOverflow is set when the tile accumulated more
	// primitives than the dependency index can address; the tile then
	// invalidates fully instead of comparing.
	descriptorOverflow bool
}

// NewTile creates a tile for a grid offset. Rectangles and visibility
// are established by the first preUpdate.
func NewTile(id TileID, offset geom.TileOffset) *Tile {
	return &Tile{
		ID:       id,
		Offset:   offset,
		Current:  &TileDescriptor{},
		Previous: &TileDescriptor{},
	}
}

// tilePreUpdateContext carries the per-frame state tiles need during
// preUpdate. One instance is shared by all tiles of a slice.
type tilePreUpdateContext struct {
	// picToWorld maps picture-cache space to world space.
	picToWorld spatial.Mapping

	// fractOffset is the fractional device-pixel remainder of the
	// anchoring transform.
	fractOffset geom.Point

	// background is the slice background color.
	background    gputypes.Color
	hasBackground bool

	// screenWorldRect is the global visible rect in world space.
	screenWorldRect geom.Rect

	// tileSize is the tile dimensions in picture-cache units.
	tileSize geom.Point

	frameID FrameID
}

// tilePostUpdateContext carries the per-frame state tiles need during
// postUpdate.
type tilePostUpdateContext struct {
	// pictureRect is the picture's local rect; content outside it can
	// never be drawn.
	pictureRect geom.Rect

	// backdropRect is the local rect known to be covered by an opaque
	// backdrop, empty if none.
	backdropRect geom.Rect

	// backdropUID is the primitive identity of the backdrop candidate,
	// zero if none. Used to reduce single-backdrop tiles to a flat
	// color surface.
	backdropUID   ItemUID
	backdropColor gputypes.Color

	// opaqueBackground is true when the slice background is opaque.
	opaqueBackground bool

	compositor compositor.Config
	backend    compositor.Compositor
	resources  resource.Cache

	spatialComparer *SpatialNodeComparer
	compareCache    map[PrimitiveComparisonKey]PrimCompareResult

	forceInvalidate bool
	scaleChanged    bool

	// virtualOffsetChanged is true when the native virtual surface was
	// recentered this frame; all native tile positions moved.
	virtualOffsetChanged bool

	// devicePixelScale converts picture units to device pixels for
	// backing allocations.
	devicePixelScale float64

	// maxSplitLevels caps quadtree depth; zero disables restructuring.
	maxSplitLevels int

	frameID FrameID
}

// preUpdate starts a new frame for the tile: it recomputes rectangles
// and visibility, applies whole-tile invalidations (fractional offset,
// background color), and swaps the descriptor and quadtree state to
// begin a fresh accumulation.
//
// Invisible tiles return immediately after the visibility check and
// retain their stale descriptors until next visible; nothing else in
// the frame touches them.
func (t *Tile) preUpdate(ctx *tilePreUpdateContext) {
	t.LocalRect = geom.Rect{
		Min: geom.Point{
			X: float64(t.Offset.X) * ctx.tileSize.X,
			Y: float64(t.Offset.Y) * ctx.tileSize.Y,
		},
		Max: geom.Point{
			X: float64(t.Offset.X+1) * ctx.tileSize.X,
			Y: float64(t.Offset.Y+1) * ctx.tileSize.Y,
		},
	}
	t.WorldRect = ctx.picToWorld.MapRect(t.LocalRect)
	t.LocalDirtyRect = geom.Rect{}
	t.LastInvalidation = Invalidation{}
	t.descriptorOverflow = false

	t.IsVisible = t.WorldRect.Intersects(ctx.screenWorldRect)
	if !t.IsVisible {
		return
	}

	if math.Abs(t.fractOffset.X-ctx.fractOffset.X) > fractOffsetEpsilon ||
		math.Abs(t.fractOffset.Y-ctx.fractOffset.Y) > fractOffsetEpsilon {
		t.invalidate(nil, Invalidation{Reason: InvalidateFractionalOffset})
	}
	t.fractOffset = ctx.fractOffset

	if t.hasBackground != ctx.hasBackground || (ctx.hasBackground && t.bgColor != ctx.background) {
		t.invalidate(nil, Invalidation{Reason: InvalidateBackgroundColor})
	}
	t.bgColor = ctx.background
	t.hasBackground = ctx.hasBackground

	t.Current, t.Previous = t.Previous, t.Current
	t.Current.Clear()
	t.root.Clear(t.LocalRect)
}

// addPrimDependency records one primitive's dependency set into the
// tile. No-op for invisible tiles: skipping invisible-tile bookkeeping
// entirely is the key performance invariant of the engine.
func (t *Tile) addPrimDependency(info *PrimitiveDependencyInfo) {
	if !t.IsVisible {
		return
	}

	index := len(t.Current.Prims)
	if index > math.MaxUint16 {
		t.descriptorOverflow = true
		return
	}

	// Clamp to the tile; content outside the tile cannot dirty it.
	clipBox := info.ClipBox.Intersect(t.LocalRect)

	t.Current.Prims = append(t.Current.Prims, PrimitiveDescriptor{
		UID:            info.UID,
		ClipBox:        clipBox,
		TransformCount: uint8(len(info.SpatialNodes)),
		ClipCount:      uint8(len(info.Clips)),
		ImageCount:     uint8(len(info.Images)),
		OpacityCount:   uint8(len(info.OpacityBindings)),
		ColorCount:     uint8(len(info.ColorBindings)),
	})
	t.Current.Clips = append(t.Current.Clips, info.Clips...)
	t.Current.Transforms = append(t.Current.Transforms, info.SpatialNodes...)
	t.Current.Images = append(t.Current.Images, info.Images...)
	t.Current.OpacityBindings = append(t.Current.OpacityBindings, info.OpacityBindings...)
	t.Current.ColorBindings = append(t.Current.ColorBindings, info.ColorBindings...)
	t.Current.LocalValidRect = t.Current.LocalValidRect.Union(info.ClipBox)

	t.root.AddPrim(PrimitiveDependencyIndex(index), clipBox)
}

// postUpdate finishes the tile's frame: computes the true valid rect,
// diffs the dependency descriptors through the quadtree, recomputes the
// opacity class, and chooses the backing surface. Returns false if the
// tile turned out to be empty and should not draw or cache.
func (t *Tile) postUpdate(ctx *tilePostUpdateContext) bool {
	if !t.IsVisible {
		return false
	}
	t.LastUpdatedFrame = ctx.frameID

	t.LocalValidRect = t.LocalRect.
		Intersect(ctx.pictureRect).
		Intersect(t.Current.LocalValidRect)

	// Empty tiles neither draw nor cache; free any backing so the
	// compositor and texture cache drop theirs too.
	if len(t.Current.Prims) == 0 {
		t.freeSurface(ctx.resources, ctx.backend)
		t.IsVisible = false
		return false
	}

	if ctx.scaleChanged {
		t.DeviceValidRect = geom.Rect{}
		t.invalidate(nil, Invalidation{Reason: InvalidateScaleChanged})
	}

	// Recentering moves the tile's position on its native surface; the
	// old native tile is released and a fresh one is bound after this
	// pass, drawn from scratch.
	if ctx.virtualOffsetChanged {
		t.invalidate(nil, Invalidation{Reason: InvalidateVirtualOffsetChanged})
		if t.Surface.HasNativeTile {
			if ctx.backend != nil {
				ctx.backend.DestroyTile(t.Surface.NativeTile)
			}
			t.Surface.HasNativeTile = false
		}
	}

	t.updateContentValidity(ctx)

	if ctx.forceInvalidate {
		t.invalidate(nil, Invalidation{Reason: InvalidateForced})
	}

	// Opacity class. Opaque and alpha tiles live on separate native
	// surfaces, so a class change reallocates the backing.
	wasOpaque := t.IsOpaque
	t.IsOpaque = ctx.opaqueBackground || ctx.backdropRect.ContainsRect(t.LocalValidRect)
	if t.Surface.Kind != TileSurfaceNone && wasOpaque != t.IsOpaque {
		t.invalidate(nil, Invalidation{Reason: InvalidateOpacityChanged})
		t.freeSurface(ctx.resources, ctx.backend)
	}

	t.chooseSurface(ctx)

	// Restructuring only pays off when the compositor can consume
	// partial dirty rects, and only for texture-backed content tiles.
	if t.Surface.Kind == TileSurfaceTexture && ctx.compositor.PartialUpdatesSupported() && ctx.maxSplitLevels > 0 {
		t.root.MaybeMergeOrSplit(0, t.Current.Prims, ctx.maxSplitLevels)
	}

	return true
}

// updateContentValidity diffs the previous and current descriptors
// through the quadtree and invalidates the union of dirty leaf rects.
func (t *Tile) updateContentValidity(ctx *tilePostUpdateContext) {
	if t.descriptorOverflow {
		t.invalidate(nil, Invalidation{Reason: InvalidateContent, Detail: PrimCompareDescriptor})
		return
	}

	// The valid rect changing shape moves edge pixels even when every
	// dependency matches.
	if !t.Previous.LocalValidRect.ApproxEqual(t.Current.LocalValidRect, clipBoxEpsilon) {
		t.invalidate(nil, Invalidation{Reason: InvalidateValidRectChanged})
		return
	}

	dirty := geom.Rect{}
	first := PrimCompareEqual
	comparer := NewPrimitiveComparer(t.Previous, t.Current, ctx.spatialComparer)
	t.root.UpdateDirtyRects(t.Previous.Prims, t.Current.Prims, comparer, ctx.compareCache, &dirty, &first)
	if !dirty.IsEmpty() {
		t.invalidate(&dirty, Invalidation{Reason: InvalidateContent, Detail: first})
	}
}

// chooseSurface picks the tile's backing for this frame. A tile that
// reduces to exactly one opaque simple backdrop primitive becomes a
// flat Color (or Clear) when the compositor supports it; everything
// else is texture-backed, reusing an existing handle when possible.
func (t *Tile) chooseSurface(ctx *tilePostUpdateContext) {
	wantColor := ctx.compositor.Capabilities.SupportsColorTiles &&
		ctx.backdropUID != 0 &&
		len(t.Current.Prims) == 1 &&
		t.Current.Prims[0].UID == ctx.backdropUID &&
		t.Current.Prims[0].ClipBox.ContainsRect(t.LocalValidRect)

	if wantColor {
		kind := TileSurfaceColor
		if ctx.backdropColor.A == 0 {
			kind = TileSurfaceClear
		}
		if t.Surface.Kind != kind {
			// Switching surface kind invalidates the whole tile.
			if t.Surface.Kind != TileSurfaceNone {
				t.invalidate(nil, Invalidation{Reason: InvalidateCompositorKindChanged})
			}
			t.freeSurface(ctx.resources, ctx.backend)
			t.Surface = TileSurface{Kind: kind, Color: ctx.backdropColor}
		} else {
			t.Surface.Color = ctx.backdropColor
		}
		return
	}

	if t.Surface.Kind != TileSurfaceTexture {
		if t.Surface.Kind != TileSurfaceNone {
			t.invalidate(nil, Invalidation{Reason: InvalidateCompositorKindChanged})
		}
		t.Surface = TileSurface{Kind: TileSurfaceTexture}
	}

	switch ctx.compositor.Kind {
	case compositor.KindDraw:
		// Reuse the existing handle when it still holds our pixels.
		if t.Surface.Texture != 0 && !ctx.resources.TextureValid(t.Surface.Texture) {
			t.Surface.Texture = 0
			t.invalidate(nil, Invalidation{Reason: InvalidateNoTexture})
		}
		if t.Surface.Texture == 0 {
			// Backing is allocated in device pixels, like native tiles.
			w := int32(math.Ceil(t.LocalRect.Width() * ctx.devicePixelScale))
			h := int32(math.Ceil(t.LocalRect.Height() * ctx.devicePixelScale))
			handle, err := ctx.resources.AllocateTileTexture(w, h)
			if err != nil {
				Logger().Warn("tile texture allocation failed",
					"tile", t.ID, "error", err)
				t.invalidate(nil, Invalidation{Reason: InvalidateNoTexture})
				return
			}
			t.Surface.Texture = handle
			if t.LastInvalidation.Reason == InvalidateNone {
				t.invalidate(nil, Invalidation{Reason: InvalidateNoSurface})
			}
		}
	case compositor.KindNative:
		// Native tile ids are bound by the owning instance once the
		// sub-slice's surface is known; a tile without one yet must
		// draw fully.
		if !t.Surface.HasNativeTile && t.LastInvalidation.Reason == InvalidateNone {
			t.invalidate(nil, Invalidation{Reason: InvalidateNoSurface})
		}
	}
}

// invalidate marks a region of the tile (nil means the whole tile) as
// needing redraw, tagged with exactly one reason. The first reason of a
// frame is retained for diagnostics.
func (t *Tile) invalidate(rect *geom.Rect, inv Invalidation) {
	debugAssert(inv.Reason != InvalidateNone, "invalidation without a reason")
	if rect == nil {
		t.LocalDirtyRect = t.LocalRect
	} else {
		debugAssert(!rect.IsEmpty(), "invalidation with an empty rect")
		t.LocalDirtyRect = t.LocalDirtyRect.Union(rect.Intersect(t.LocalRect))
	}
	t.IsValid = false
	if t.LastInvalidation.Reason == InvalidateNone {
		t.LastInvalidation = inv
	}
}

// freeSurface releases whatever backing the tile holds.
func (t *Tile) freeSurface(res resource.Cache, backend compositor.Compositor) {
	switch t.Surface.Kind {
	case TileSurfaceTexture:
		if t.Surface.Texture != 0 && res != nil {
			res.ReleaseTileTexture(t.Surface.Texture)
		}
		if t.Surface.HasNativeTile && backend != nil {
			backend.DestroyTile(t.Surface.NativeTile)
		}
	}
	t.Surface = TileSurface{}
	t.IsValid = false
}
