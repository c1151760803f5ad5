package tilecache

import (
	"math"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

// Tile dimensions in picture-cache units. Content slices use the
// default; thin slices (scrollbars) use elongated tiles so one tile
// spans the slice.
var (
	tileSizeDefault        = geom.Point{X: 1024, Y: 512}
	tileSizeScrollbarVert  = geom.Point{X: 128, Y: 1024}
	tileSizeScrollbarHoriz = geom.Point{X: 1024, Y: 128}
)

// scrollbarMaxThickness is the widest a slice can be, in picture-cache
// units, and still count as a scrollbar for tile sizing.
const scrollbarMaxThickness = 128.0

// tileSizeEvalPeriod is how many frames pass between tile-size
// re-evaluations. Changing tile size drops every tile, so the
// heuristic must not flap.
const tileSizeEvalPeriod = 120

// quadtreeMaxSplitLevels caps dirty-region quadtree depth per tile.
const quadtreeMaxSplitLevels = 3

// TileCacheInstance is the invalidation engine for one cached slice.
// Each frame the caller runs the three passes in order:
//
//	inst.PreUpdate(ctx, pictureRect)
//	for each primitive: inst.UpdatePrimitiveDependencies(ctx, &prim)
//	out := inst.PostUpdate(ctx)
//
// The passes must not be interleaved across frames or run concurrently;
// see the package documentation for the threading contract.
type TileCacheInstance struct {
	params TileCacheParams

	subSlices []*SubSlice

	nextTileID    TileID
	nextSurfaceID uint64

	tileSize geom.Point
	tileRect geom.TileRect

	pictureRect      geom.Rect
	visibleLocalRect geom.Rect

	picToWorld  spatial.Mapping
	worldToPic  spatial.Mapping
	fractOffset geom.Point

	// virtualOffset recenters device coordinates inside the native
	// compositor's virtual surface space.
	virtualOffset geom.Point

	lastScale      geom.Point
	scaleChanged   bool
	compositorKind compositor.Kind
	haveSeenFrame  bool

	// virtualOffsetChanged is set when recenterVirtualSurface moved the
	// offset this frame; every native tile rebinds.
	virtualOffsetChanged bool

	// sharedClips holds the clip nodes of the slice-wide shared chain,
	// resolved once per frame. Shared clips apply to every primitive and
	// are excluded from per-primitive dependencies.
	sharedClips []clip.NodeID

	framesUntilSizeEval int

	// backdrop is last frame's resolved backdrop; candidate accumulates
	// during the dependency pass.
	backdrop  BackdropInfo
	candidate BackdropInfo

	// prohibited[i] holds the picture-space rects of surfaces promoted
	// above sub-slice i; primitives overlapping one are assigned to a
	// higher sub-slice.
	prohibited [][]geom.Rect

	spatialComparer  *SpatialNodeComparer
	compareCache     map[PrimitiveComparisonKey]PrimCompareResult
	externalSurfaces map[ExternalSurfaceDescriptor]*externalNativeSurface

	deps  PrimitiveDependencyInfo
	dirty *DirtyRegion

	frameID FrameID
}

// NewTileCacheInstance creates the engine for one slice.
func NewTileCacheInstance(params TileCacheParams) *TileCacheInstance {
	i := &TileCacheInstance{
		params:           params,
		tileSize:         tileSizeDefault,
		nextTileID:       1,
		nextSurfaceID:    1,
		spatialComparer:  NewSpatialNodeComparer(params.SpatialNode),
		compareCache:     make(map[PrimitiveComparisonKey]PrimCompareResult),
		externalSurfaces: make(map[ExternalSurfaceDescriptor]*externalNativeSurface),
		dirty:            NewDirtyRegion(geom.TileRect{}),
	}
	i.subSlices = append(i.subSlices, newSubSlice())
	return i
}

// Params returns the slice configuration the instance was built with.
func (i *TileCacheInstance) Params() TileCacheParams { return i.params }

// VirtualOffset returns the current recentering offset applied to
// device coordinates under native compositing.
func (i *TileCacheInstance) VirtualOffset() geom.Point { return i.virtualOffset }

// TileRect returns the current tile grid bounds.
func (i *TileCacheInstance) TileRect() geom.TileRect { return i.tileRect }

// SetParams reconfigures the instance after a scene rebuild. The
// anchoring spatial node may change; stored transform keys are dropped
// because node indices are not comparable across rebuilds.
func (i *TileCacheInstance) SetParams(params TileCacheParams) {
	if params.SpatialNode != i.params.SpatialNode {
		i.spatialComparer.SetRootNode(params.SpatialNode)
	}
	i.params = params
}

// PreUpdate starts a frame: establishes mappings and the fractional
// device offset, picks the tile size, resizes the tile grid to cover
// the visible part of pictureRect, and runs every tile's own frame
// start. pictureRect is the slice content bounds in picture-cache
// space.
//
// The returned world-space rect is the union of the visible tiles'
// world rects; primitives entirely outside it cannot affect the slice
// this frame and need no preparation.
func (i *TileCacheInstance) PreUpdate(ctx *FrameContext, pictureRect geom.Rect) geom.Rect {
	i.frameID = ctx.FrameID
	i.pictureRect = pictureRect
	clear(i.compareCache)
	i.spatialComparer.NextFrame(ctx.FrameID)
	i.virtualOffsetChanged = false

	i.sharedClips = i.sharedClips[:0]
	if i.params.SharedClipChain != clip.InvalidChainID {
		if chain, found := ctx.ClipStore.Chain(i.params.SharedClipChain); found {
			i.sharedClips = append(i.sharedClips, chain.Nodes...)
		}
	}

	rootNode := ctx.SpatialTree
	mapping, ok := rootNode.Mapping(i.params.SpatialNode, rootSpatialNode(ctx))
	if !ok {
		// Unmappable slice: nothing is visible this frame.
		mapping = spatial.Mapping{Kind: spatial.MappingTransform}
	}
	i.picToWorld = mapping
	i.worldToPic = invertMapping(mapping)

	i.detectScaleChange(mapping)
	i.updateFractionalOffset(ctx, pictureRect)
	i.chooseTileSize(ctx, pictureRect)

	// The grid covers the visible portion of the picture, one tile of
	// slack on each side so small scrolls reuse prepared tiles.
	visibleWorld := ctx.GlobalScreenWorldRect
	i.visibleLocalRect = i.worldToPic.MapRect(visibleWorld).Intersect(pictureRect)
	needed := i.tileRange(i.visibleLocalRect)
	needed = geom.TileRect{
		Min: geom.TileOffset{X: needed.Min.X - 1, Y: needed.Min.Y - 1},
		Max: geom.TileOffset{X: needed.Max.X + 1, Y: needed.Max.Y + 1},
	}.Intersect(i.tileRange(pictureRect))
	i.resizeGrid(ctx, needed)
	i.recenterVirtualSurface(ctx)

	preCtx := tilePreUpdateContext{
		picToWorld:      i.picToWorld,
		fractOffset:     i.fractOffset,
		background:      i.params.BackgroundColor,
		hasBackground:   i.params.HasBackgroundColor,
		screenWorldRect: visibleWorld,
		tileSize:        i.tileSize,
		frameID:         ctx.FrameID,
	}
	culling := geom.Rect{}
	for _, ss := range i.subSlices {
		ss.resetFrame()
		for _, tile := range ss.Tiles {
			tile.preUpdate(&preCtx)
			if tile.IsVisible {
				culling = culling.Union(tile.WorldRect)
			}
		}
	}

	i.candidate = BackdropInfo{}
	i.prohibited = i.prohibited[:0]
	i.dirty.Reset(i.tileRect)
	i.scaleChangedThisFrame(ctx)
	return culling
}

// UpdatePrimitiveDependencies records one primitive into every tile it
// touches, handling backdrop detection and compositor-surface
// promotion along the way. Returns false when the primitive is not
// visible in the slice and contributed nothing.
func (i *TileCacheInstance) UpdatePrimitiveDependencies(ctx *FrameContext, prim *Primitive) bool {
	mapping, ok := ctx.SpatialTree.Mapping(prim.SpatialNode, i.params.SpatialNode)
	if !ok {
		return false
	}
	picRect := mapping.MapRect(prim.LocalRect)

	var chainNodes []clipNodeDep
	clipRect := i.pictureRect
	needsMask := false
	if prim.ClipChain != clip.InvalidChainID {
		if chain, found := ctx.ClipStore.Chain(prim.ClipChain); found {
			clipRect = clipRect.Intersect(chain.LocalClipRect)
			needsMask = chain.NeedsMask
			for n := range chain.Nodes {
				// Clips in the slice-wide shared chain apply to every
				// primitive and are not per-primitive dependencies.
				if i.isSharedClip(chain.Nodes[n]) {
					continue
				}
				chainNodes = append(chainNodes, clipNodeDep{
					node:    chain.Nodes[n],
					spatial: chain.SpatialNodes[n],
				})
			}
		}
	}
	coverage := picRect.Intersect(clipRect)
	if coverage.IsEmpty() {
		return false
	}

	i.considerBackdrop(ctx, prim, mapping, coverage, needsMask)

	level := i.subSliceFor(coverage)
	if i.tryPromote(ctx, prim, mapping, coverage, needsMask, level) {
		return true
	}

	info := &i.deps
	info.reset()
	info.UID = prim.UID
	info.ClipBox = coverage

	if prim.SpatialNode != i.params.SpatialNode {
		key := SpatialNodeKey{Node: prim.SpatialNode, Frame: ctx.FrameID}
		i.spatialComparer.Register(key, ctx.SpatialTree)
		info.SpatialNodes = append(info.SpatialNodes, key)
	}
	for _, dep := range chainNodes {
		info.Clips = append(info.Clips, dep.node)
		if dep.spatial != i.params.SpatialNode && dep.spatial != spatial.InvalidNodeIndex {
			key := SpatialNodeKey{Node: dep.spatial, Frame: ctx.FrameID}
			i.spatialComparer.Register(key, ctx.SpatialTree)
			info.SpatialNodes = append(info.SpatialNodes, key)
		}
	}

	switch prim.Kind {
	case PrimImage:
		if prim.Image != resource.InvalidImageKey {
			info.Images = append(info.Images, ImageDependency{
				Key:        prim.Image,
				Generation: ctx.Resources.ImageGeneration(prim.Image),
			})
		}
	case PrimYUVImage:
		for _, key := range prim.YUVImages {
			if key == resource.InvalidImageKey {
				continue
			}
			info.Images = append(info.Images, ImageDependency{
				Key:        key,
				Generation: ctx.Resources.ImageGeneration(key),
			})
		}
	}

	if prim.HasOpacityBinding {
		value, changed := ctx.Properties.OpacityValue(prim.OpacityBinding)
		info.OpacityBindings = append(info.OpacityBindings, OpacityBinding{
			Value:   value,
			Changed: changed,
		})
	}
	if prim.HasColorBinding {
		value, changed := ctx.Properties.ColorValue(prim.ColorBinding)
		info.ColorBindings = append(info.ColorBindings, ColorBinding{
			Value:   value,
			Changed: changed,
		})
	}
	info.truncate()

	ss := i.subSlices[level]
	i.tileRange(coverage).Intersect(i.tileRect).Each(func(o geom.TileOffset) {
		if tile, found := ss.Tiles[o]; found {
			tile.addPrimDependency(info)
		}
	})
	return true
}

// PostUpdate finishes the frame: resolves the backdrop, diffs every
// tile, allocates surfaces, manages native compositor state, and
// returns the render tasks, dirty region, occluders and subpixel mode
// for the frame.
func (i *TileCacheInstance) PostUpdate(ctx *FrameContext) *FrameOutput {
	out := &FrameOutput{Dirty: i.dirty}

	i.resolveBackdrop()
	out.Backdrop = i.backdrop
	out.Subpixel = i.subpixelMode()

	picToDevice, axisAligned := i.deviceMapping(ctx)

	postCtx := tilePostUpdateContext{
		pictureRect:          i.pictureRect,
		opaqueBackground:     i.params.HasBackgroundColor && i.params.BackgroundColor.A >= 1,
		compositor:           ctx.Compositor,
		backend:              ctx.Backend,
		resources:            ctx.Resources,
		spatialComparer:      i.spatialComparer,
		compareCache:         i.compareCache,
		forceInvalidate:      ctx.ForceInvalidate,
		scaleChanged:         i.scaleChanged,
		virtualOffsetChanged: i.virtualOffsetChanged,
		devicePixelScale:     ctx.DevicePixelScale,
		maxSplitLevels:       quadtreeMaxSplitLevels,
		frameID:              ctx.FrameID,
	}
	if i.backdrop.Kind != BackdropNone {
		postCtx.backdropRect = i.backdrop.Rect
		postCtx.backdropUID = i.backdrop.UID
		postCtx.backdropColor = i.backdrop.Color
	}

	zid := int32(0)
	lastUsedSubSlice := 0
	for ssIdx, ss := range i.subSlices {
		// The backdrop only holds for content below every promoted
		// surface.
		ssCtx := postCtx
		if ssIdx > 0 {
			ssCtx.backdropRect = geom.Rect{}
			ssCtx.backdropUID = 0
		}

		for offset, tile := range ss.Tiles {
			out.Stats.Tiles++
			if !tile.postUpdate(&ssCtx) {
				continue
			}
			out.Stats.VisibleTiles++
			out.Stats.QuadtreeLeaves += tile.root.leafCount()
			lastUsedSubSlice = ssIdx

			if ctx.Compositor.Kind == compositor.KindNative && tile.Surface.Kind == TileSurfaceTexture {
				i.bindNativeTile(ctx, ss, tile)
			}

			if axisAligned {
				tile.DeviceValidRect = picToDevice.MapRect(tile.LocalValidRect)
				tile.DeviceDirtyRect = picToDevice.MapRect(tile.LocalDirtyRect)
			} else {
				tile.DeviceValidRect = geom.Rect{}
				tile.DeviceDirtyRect = geom.Rect{}
			}

			invalid := !tile.IsValid
			switch tile.Surface.Kind {
			case TileSurfaceColor, TileSurfaceClear:
				out.Stats.ColorTiles++
			case TileSurfaceTexture:
				if invalid {
					out.Tasks = append(out.Tasks, RenderTask{
						Tile:            tile.ID,
						SubSlice:        ssIdx,
						Surface:         tile.Surface,
						LocalDirtyRect:  tile.LocalDirtyRect,
						DeviceDirtyRect: tile.DeviceDirtyRect,
						DeviceValidRect: tile.DeviceValidRect,
						TileRect:        tile.LocalRect,
					})
				}
			}

			if invalid {
				out.Stats.InvalidatedTiles++
				out.Stats.Reasons[tile.LastInvalidation.Reason]++
				i.dirty.MarkTile(offset, i.picToWorld.MapRect(tile.LocalDirtyRect))
				tile.IsValid = true
				tile.LocalDirtyRect = geom.Rect{}
			}

			if tile.IsOpaque {
				out.Occluders = append(out.Occluders, Occluder{
					ZID:       zid,
					WorldRect: i.picToWorld.MapRect(tile.LocalValidRect),
				})
			}
		}
		zid++

		for s := range ss.CompositorSurfaces {
			surf := &ss.CompositorSurfaces[s]
			surf.ZID = zid
			zid++
			surf.WorldRect = i.picToWorld.MapRect(surf.LocalRect)
			if axisAligned {
				surf.DeviceRect = picToDevice.MapRect(surf.LocalRect)
			}
			if ctx.Compositor.Kind == compositor.KindNative {
				i.bindExternalSurface(ctx, surf)
			}
			if surf.IsOpaque {
				out.Occluders = append(out.Occluders, Occluder{
					ZID:       surf.ZID,
					WorldRect: surf.WorldRect,
				})
			}
			lastUsedSubSlice = ssIdx
			out.Stats.CompositorSurfaces++
		}
	}

	i.gcExternalSurfaces(ctx)
	i.trimSubSlices(ctx, lastUsedSubSlice)

	i.compositorKind = ctx.Compositor.Kind
	i.haveSeenFrame = true
	out.Stats.RenderTasks = len(out.Tasks)
	return out
}

// deviceMapping builds the picture-to-device transform for the frame,
// folding in the device pixel scale and the virtual surface offset.
// Returns false for a rotated or otherwise non-axis-aligned slice,
// whose tiles carry no meaningful device rects.
func (i *TileCacheInstance) deviceMapping(ctx *FrameContext) (geom.ScaleOffset, bool) {
	var so geom.ScaleOffset
	switch i.picToWorld.Kind {
	case spatial.MappingLocal:
		so = geom.IdentityScaleOffset()
	case spatial.MappingScaleOffset:
		so = i.picToWorld.ScaleOffset
	default:
		s, ok := geom.ScaleOffsetFromMatrix(i.picToWorld.Transform)
		if !ok {
			return geom.ScaleOffset{}, false
		}
		so = s
	}
	return so.Then(geom.ScaleOffset{
		ScaleX:  ctx.DevicePixelScale,
		ScaleY:  ctx.DevicePixelScale,
		OffsetX: i.virtualOffset.X,
		OffsetY: i.virtualOffset.Y,
	}), true
}

// rootSpatialNode is the world space node. The spatial tree's root is
// index zero by construction.
func rootSpatialNode(ctx *FrameContext) spatial.NodeIndex { return 0 }

type clipNodeDep struct {
	node    clip.NodeID
	spatial spatial.NodeIndex
}

// isSharedClip reports whether a clip node belongs to the slice's
// shared chain. The shared set is tiny, so a linear scan beats a map.
func (i *TileCacheInstance) isSharedClip(node clip.NodeID) bool {
	for _, shared := range i.sharedClips {
		if shared == node {
			return true
		}
	}
	return false
}

func invertMapping(m spatial.Mapping) spatial.Mapping {
	switch m.Kind {
	case spatial.MappingLocal:
		return m
	case spatial.MappingScaleOffset:
		inv, ok := m.ScaleOffset.Invert()
		if !ok {
			return spatial.Mapping{Kind: spatial.MappingTransform}
		}
		return spatial.Mapping{Kind: spatial.MappingScaleOffset, ScaleOffset: inv}
	default:
		inv, ok := m.Transform.Invert()
		if !ok {
			return spatial.Mapping{Kind: spatial.MappingTransform}
		}
		return spatial.Mapping{Kind: spatial.MappingTransform, Transform: inv}
	}
}

// detectScaleChange compares the mapping's scale factors against last
// frame's. Cached device-space content is unusable across a scale
// change.
func (i *TileCacheInstance) detectScaleChange(m spatial.Mapping) {
	scale := geom.Point{X: 1, Y: 1}
	switch m.Kind {
	case spatial.MappingScaleOffset:
		scale = geom.Point{X: m.ScaleOffset.ScaleX, Y: m.ScaleOffset.ScaleY}
	case spatial.MappingTransform:
		scale = geom.Point{X: m.Transform.A, Y: m.Transform.E}
	}
	i.scaleChanged = i.haveSeenFrame &&
		(math.Abs(scale.X-i.lastScale.X) > transformEpsilon ||
			math.Abs(scale.Y-i.lastScale.Y) > transformEpsilon)
	i.lastScale = scale
}

func (i *TileCacheInstance) scaleChangedThisFrame(ctx *FrameContext) {
	if i.scaleChanged {
		Logger().Debug("slice scale changed, tiles will fully invalidate",
			"slice", i.params.Slice, "frame", ctx.FrameID)
	}
}

// updateFractionalOffset snaps the picture origin's device position to
// 26.6 fixed point and keeps the sub-pixel remainder. Tiles compare it
// against last frame's: a changed remainder moves every rasterized
// pixel even though nothing in the scene changed.
func (i *TileCacheInstance) updateFractionalOffset(ctx *FrameContext, pictureRect geom.Rect) {
	worldOrigin := i.picToWorld.MapRect(pictureRect).Min
	dx := worldOrigin.X * ctx.DevicePixelScale
	dy := worldOrigin.Y * ctx.DevicePixelScale
	fx := fixed.Int26_6(math.Round(dx * 64))
	fy := fixed.Int26_6(math.Round(dy * 64))
	i.fractOffset = geom.Point{
		X: float64(fx-(fx&^63)) / 64,
		Y: float64(fy-(fy&^63)) / 64,
	}
}

// chooseTileSize picks the tile dimensions for the slice. Thin slices
// get elongated scrollbar tiles. Re-evaluated on a slow cadence since
// a size change drops every tile.
func (i *TileCacheInstance) chooseTileSize(ctx *FrameContext, pictureRect geom.Rect) {
	var want geom.Point
	switch {
	case ctx.TileSizeOverride != nil:
		want = *ctx.TileSizeOverride
	case i.framesUntilSizeEval > 0:
		i.framesUntilSizeEval--
		return
	case pictureRect.Width() <= scrollbarMaxThickness && pictureRect.Height() > pictureRect.Width():
		want = tileSizeScrollbarVert
	case pictureRect.Height() <= scrollbarMaxThickness && pictureRect.Width() > pictureRect.Height():
		want = tileSizeScrollbarHoriz
	default:
		want = tileSizeDefault
	}
	i.framesUntilSizeEval = tileSizeEvalPeriod

	if want == i.tileSize {
		return
	}
	Logger().Debug("tile size changed, dropping tile grid",
		"slice", i.params.Slice,
		"old_w", i.tileSize.X, "old_h", i.tileSize.Y,
		"new_w", want.X, "new_h", want.Y)
	i.tileSize = want
	for _, ss := range i.subSlices {
		for offset, tile := range ss.Tiles {
			tile.freeSurface(nil, nil)
			delete(ss.Tiles, offset)
		}
	}
	i.tileRect = geom.TileRect{}
}

// tileRange returns the tile offsets covering a picture-space rect.
func (i *TileCacheInstance) tileRange(r geom.Rect) geom.TileRect {
	if r.IsEmpty() {
		return geom.TileRect{}
	}
	return geom.TileRect{
		Min: geom.TileOffset{
			X: int32(math.Floor(r.Min.X / i.tileSize.X)),
			Y: int32(math.Floor(r.Min.Y / i.tileSize.Y)),
		},
		Max: geom.TileOffset{
			X: int32(math.Ceil(r.Max.X / i.tileSize.X)),
			Y: int32(math.Ceil(r.Max.Y / i.tileSize.Y)),
		},
	}
}

// resizeGrid reshapes every sub-slice's tile map to the needed bounds.
// Tiles at surviving offsets keep their identity, backing and cached
// descriptors; dropped tiles free their backing.
func (i *TileCacheInstance) resizeGrid(ctx *FrameContext, needed geom.TileRect) {
	if needed == i.tileRect {
		return
	}
	Logger().Debug("tile grid resized",
		"slice", i.params.Slice,
		"tiles_w", needed.Width(), "tiles_h", needed.Height(),
		"frame", ctx.FrameID)

	for _, ss := range i.subSlices {
		for offset, tile := range ss.Tiles {
			if !needed.Contains(offset) {
				tile.freeSurface(ctx.Resources, ctx.Backend)
				delete(ss.Tiles, offset)
			}
		}
		needed.Each(func(o geom.TileOffset) {
			if _, found := ss.Tiles[o]; !found {
				ss.Tiles[o] = NewTile(i.nextTileID, o)
				i.nextTileID++
			}
		})
	}
	i.tileRect = needed
}

// recenterVirtualSurface keeps the grid's device coordinates inside the
// native compositor's virtual surface bounds. Native tiles are
// addressed by absolute grid offset, so their position on the virtual
// surface is the grid origin in device pixels of picture space; it
// grows without bound as the slice scrolls. Crossing the half-size
// bound shifts the offset back near zero and rebuilds every native
// tile.
func (i *TileCacheInstance) recenterVirtualSurface(ctx *FrameContext) {
	if ctx.Compositor.Kind != compositor.KindNative {
		return
	}
	virtualSize := float64(i.params.VirtualSurfaceSize)
	if virtualSize <= 0 {
		virtualSize = float64(ctx.Compositor.Capabilities.VirtualSurfaceSize)
	}
	if virtualSize <= 0 {
		return
	}

	deviceOrigin := geom.Point{
		X: float64(i.tileRect.Min.X) * i.tileSize.X * ctx.DevicePixelScale,
		Y: float64(i.tileRect.Min.Y) * i.tileSize.Y * ctx.DevicePixelScale,
	}

	half := virtualSize / 2
	cur := geom.Point{X: deviceOrigin.X + i.virtualOffset.X, Y: deviceOrigin.Y + i.virtualOffset.Y}
	if math.Abs(cur.X) > half || math.Abs(cur.Y) > half {
		i.virtualOffset = geom.Point{X: -math.Round(deviceOrigin.X), Y: -math.Round(deviceOrigin.Y)}
		i.virtualOffsetChanged = true
		Logger().Debug("virtual surface recentered",
			"slice", i.params.Slice,
			"offset_x", i.virtualOffset.X, "offset_y", i.virtualOffset.Y)
	}
}

// considerBackdrop keeps the largest qualifying backdrop candidate.
// Qualifying means: first sub-slice content, opaque, axis-aligned, no
// mask clipping, and a simple kind (solid rect, clear rect, or
// non-tiled opaque image).
func (i *TileCacheInstance) considerBackdrop(ctx *FrameContext, prim *Primitive, mapping spatial.Mapping, coverage geom.Rect, needsMask bool) {
	if needsMask || len(i.prohibited) > 0 {
		return
	}
	if mapping.Kind == spatial.MappingTransform && !mapping.Transform.IsScaleTranslation() {
		return
	}

	var kind BackdropKind
	var color gputypes.Color
	switch prim.Kind {
	case PrimRectangle:
		if prim.Flags&PrimFlagIsOpaque == 0 && prim.Color.A < 1 {
			return
		}
		if prim.HasOpacityBinding || prim.HasColorBinding {
			return
		}
		kind = BackdropColor
		color = prim.Color
	case PrimClear:
		kind = BackdropClear
	case PrimImage:
		props, found := ctx.Resources.ImageProperties(prim.Image)
		if !found || !props.IsOpaque || props.Tiled || props.HasSpacing {
			return
		}
		kind = BackdropImage
	default:
		return
	}

	// Keep the candidate with the greatest coverage; ties go to the
	// later primitive, which draws on top.
	cur := i.candidate
	if cur.Kind == BackdropNone || area(coverage) >= area(cur.Rect) {
		i.candidate = BackdropInfo{
			Kind:        kind,
			Rect:        coverage,
			UID:         prim.UID,
			Color:       color,
			SpatialNode: prim.SpatialNode,
		}
	}
}

func area(r geom.Rect) float64 {
	return r.Width() * r.Height()
}

// resolveBackdrop accepts the frame's candidate only if it covers the
// entire visible part of the slice; a partial backdrop cannot make
// tiles opaque wholesale.
func (i *TileCacheInstance) resolveBackdrop() {
	if i.candidate.Kind != BackdropNone && i.candidate.Rect.ContainsRect(i.visibleLocalRect) {
		i.backdrop = i.candidate
	} else {
		i.backdrop = BackdropInfo{}
	}
}

// subpixelMode decides the slice's text antialiasing policy. Subpixel
// text needs known backdrop pixels to blend against: an opaque slice
// allows it, promoted surfaces carve out exclusion zones, and a
// transparent slice denies it outright.
func (i *TileCacheInstance) subpixelMode() SubpixelMode {
	opaque := (i.params.HasBackgroundColor && i.params.BackgroundColor.A >= 1) ||
		i.backdrop.Kind == BackdropColor || i.backdrop.Kind == BackdropImage
	if !opaque {
		return SubpixelMode{Kind: SubpixelDeny}
	}
	var excluded []geom.Rect
	for _, ss := range i.subSlices {
		for _, surf := range ss.CompositorSurfaces {
			excluded = append(excluded, surf.LocalRect)
		}
	}
	if len(excluded) > 0 {
		return SubpixelMode{Kind: SubpixelConditional, ExcludedRects: excluded}
	}
	return SubpixelMode{Kind: SubpixelAllow}
}

// subSliceFor returns the z band a primitive belongs to: above every
// promoted surface it overlaps.
func (i *TileCacheInstance) subSliceFor(rect geom.Rect) int {
	level := 0
	for l := range i.prohibited {
		for _, r := range i.prohibited[l] {
			if r.Intersects(rect) && l+1 > level {
				level = l + 1
			}
		}
	}
	for level >= len(i.subSlices) {
		i.subSlices = append(i.subSlices, newSubSlice())
	}
	return level
}

// tryPromote lifts an eligible primitive out of the tile path onto its
// own native compositor surface. Returns true if promoted.
func (i *TileCacheInstance) tryPromote(ctx *FrameContext, prim *Primitive, mapping spatial.Mapping, coverage geom.Rect, needsMask bool, level int) bool {
	if ctx.Compositor.Kind != compositor.KindNative || i.params.IsBlendContainer {
		return false
	}
	// Only the root content slice promotes; nested slices composite
	// into their parent and cannot hand content to the OS compositor.
	if !i.params.IsRootCache {
		return false
	}
	if needsMask {
		return false
	}
	// The compositor can only place scale-plus-translation surfaces,
	// and a mirrored x axis is not expressible there either.
	switch mapping.Kind {
	case spatial.MappingScaleOffset:
		if mapping.ScaleOffset.ScaleX < 0 {
			return false
		}
	case spatial.MappingTransform:
		if !mapping.Transform.IsScaleTranslation() || mapping.Transform.A < 0 {
			return false
		}
	}
	if level >= maxSubSlices-1 {
		return false
	}
	total := 0
	for _, ss := range i.subSlices {
		total += len(ss.CompositorSurfaces)
	}
	if total >= maxCompositorSurfaces {
		return false
	}

	var desc ExternalSurfaceDescriptor
	opaque := false
	switch prim.Kind {
	case PrimYUVImage:
		if prim.Flags&PrimFlagPrefersCompositorSurface == 0 {
			return false
		}
		desc.Images = prim.YUVImages
		opaque = true
	case PrimImage:
		if prim.Flags&PrimFlagPrefersCompositorSurface == 0 {
			return false
		}
		props, found := ctx.Resources.ImageProperties(prim.Image)
		if !found || props.External == 0 {
			return false
		}
		desc.Images[0] = prim.Image
		opaque = props.IsOpaque
	default:
		return false
	}
	desc.Size = gputypes.Extent3D{
		Width:              uint32(math.Ceil(coverage.Width() * ctx.DevicePixelScale)),
		Height:             uint32(math.Ceil(coverage.Height() * ctx.DevicePixelScale)),
		DepthOrArrayLayers: 1,
	}
	desc.IsOpaque = opaque

	ss := i.subSlices[level]
	ss.CompositorSurfaces = append(ss.CompositorSurfaces, CompositorSurface{
		UID:        prim.UID,
		Kind:       prim.Kind,
		LocalRect:  coverage,
		IsOpaque:   opaque,
		Descriptor: desc,
	})

	for len(i.prohibited) <= level {
		i.prohibited = append(i.prohibited, nil)
	}
	i.prohibited[level] = append(i.prohibited[level], coverage)

	// Make sure the band above exists so later overlapping content has
	// somewhere to land.
	if level+1 >= len(i.subSlices) {
		i.subSlices = append(i.subSlices, newSubSlice())
	}
	return true
}

// bindNativeTile ensures a texture tile has its native compositor tile
// on the sub-slice surface matching its opacity class.
func (i *TileCacheInstance) bindNativeTile(ctx *FrameContext, ss *SubSlice, tile *Tile) {
	if tile.Surface.HasNativeTile {
		return
	}
	deviceTile := gputypes.Extent3D{
		Width:              uint32(math.Ceil(i.tileSize.X * ctx.DevicePixelScale)),
		Height:             uint32(math.Ceil(i.tileSize.Y * ctx.DevicePixelScale)),
		DepthOrArrayLayers: 1,
	}
	if err := ss.ensureNativeSurfaces(ctx.Backend, i.allocSurfaceID, deviceTile); err != nil {
		Logger().Warn("native surface allocation failed",
			"slice", i.params.Slice, "error", err)
		return
	}
	surface, ok := ss.surfaceFor(tile.IsOpaque)
	if !ok {
		return
	}
	id := compositor.TileID{Surface: surface, X: tile.Offset.X, Y: tile.Offset.Y}
	if err := ctx.Backend.CreateTile(id); err != nil {
		Logger().Warn("native tile allocation failed",
			"slice", i.params.Slice, "tile", tile.ID, "error", err)
		return
	}
	tile.Surface.NativeTile = id
	tile.Surface.HasNativeTile = true
}

// bindExternalSurface attaches a promoted surface to its cached native
// surface, creating one on first use. Surfaces are cached by
// descriptor so a playing video reuses one surface across frames.
func (i *TileCacheInstance) bindExternalSurface(ctx *FrameContext, surf *CompositorSurface) {
	entry, found := i.externalSurfaces[surf.Descriptor]
	if !found {
		id := i.allocSurfaceID()
		err := ctx.Backend.CreateSurface(id, compositor.SurfaceDescriptor{
			TileSize:   surf.Descriptor.Size,
			Format:     gputypes.TextureFormatBGRA8Unorm,
			IsOpaque:   surf.Descriptor.IsOpaque,
			IsExternal: true,
		})
		if err != nil {
			Logger().Warn("external surface allocation failed",
				"slice", i.params.Slice, "error", err)
			return
		}
		entry = &externalNativeSurface{id: id}
		i.externalSurfaces[surf.Descriptor] = entry
	}
	i.attachExternalImage(ctx, entry, surf)
	entry.lastUsed = i.frameID
	surf.Surface = entry.id
	surf.HasSurface = true
}

// attachExternalImage binds the promoted primitive's external texture
// to its native surface. The attachment is re-issued only when a plane's
// image generation moved; a steadily presenting video with no new frame
// costs nothing here.
func (i *TileCacheInstance) attachExternalImage(ctx *FrameContext, entry *externalNativeSurface, surf *CompositorSurface) {
	var gens [3]resource.Generation
	for p, key := range surf.Descriptor.Images {
		if key != resource.InvalidImageKey {
			gens[p] = ctx.Resources.ImageGeneration(key)
		}
	}
	if entry.attached && gens == entry.generations {
		return
	}

	var tex gpucontext.Texture
	for _, key := range surf.Descriptor.Images {
		if key == resource.InvalidImageKey {
			continue
		}
		if props, found := ctx.Resources.ImageProperties(key); found && props.External != 0 {
			tex = ctx.Resources.ExternalTexture(props.External)
			break
		}
	}
	ctx.Backend.AttachExternalImage(entry.id, tex)
	entry.attached = true
	entry.generations = gens
}

func (i *TileCacheInstance) allocSurfaceID() compositor.SurfaceID {
	id := compositor.SurfaceID(i.nextSurfaceID)
	i.nextSurfaceID++
	return id
}

// gcExternalSurfaces destroys cached external surfaces not referenced
// this frame. One unused frame is enough: an external surface is cheap
// to recreate and expensive to hold.
func (i *TileCacheInstance) gcExternalSurfaces(ctx *FrameContext) {
	for desc, entry := range i.externalSurfaces {
		if entry.lastUsed != i.frameID {
			if ctx.Backend != nil {
				ctx.Backend.DestroySurface(entry.id)
			}
			delete(i.externalSurfaces, desc)
		}
	}
}

// trimSubSlices tears down z bands above the last one used this frame.
// At least one band always remains.
func (i *TileCacheInstance) trimSubSlices(ctx *FrameContext, lastUsed int) {
	for len(i.subSlices) > lastUsed+1 && len(i.subSlices) > 1 {
		ss := i.subSlices[len(i.subSlices)-1]
		if ctx.Backend != nil {
			ss.destroyNativeSurfaces(ctx.Backend)
		}
		for _, tile := range ss.Tiles {
			tile.freeSurface(ctx.Resources, ctx.Backend)
		}
		i.subSlices = i.subSlices[:len(i.subSlices)-1]
	}
}
