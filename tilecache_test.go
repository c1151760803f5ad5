package tilecache

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

type stubProps struct {
	opacity map[PropertyBindingID]OpacityBinding
	color   map[PropertyBindingID]ColorBinding
}

func (s *stubProps) OpacityValue(id PropertyBindingID) (float32, bool) {
	b := s.opacity[id]
	return b.Value, b.Changed
}

func (s *stubProps) ColorValue(id PropertyBindingID) (gputypes.Color, bool) {
	b := s.color[id]
	return b.Value, b.Changed
}

// harness bundles the collaborator stack one frame context needs.
type harness struct {
	tree    *spatial.SimpleTree
	clips   *clip.SimpleStore
	res     *resource.TextureCache
	props   *stubProps
	backend *compositor.Recorder
	cfg     compositor.Config
	screen  geom.Rect
	force   bool
	frame   FrameID

	// culling holds the world rect PreUpdate returned for the last
	// frame driven through runFrame.
	culling geom.Rect
}

func newHarness() *harness {
	return &harness{
		tree:  spatial.NewSimpleTree(),
		clips: clip.NewSimpleStore(),
		res:   resource.NewTextureCache(0),
		props: &stubProps{
			opacity: map[PropertyBindingID]OpacityBinding{},
			color:   map[PropertyBindingID]ColorBinding{},
		},
		cfg: compositor.Config{
			Kind:         compositor.KindDraw,
			Capabilities: compositor.Capabilities{MaxUpdateRects: 4, SupportsColorTiles: true},
		},
		screen: geom.XYWH(0, 0, 2000, 1000),
	}
}

func (h *harness) useNative() {
	h.backend = compositor.NewRecorder()
	h.cfg = compositor.Config{
		Kind: compositor.KindNative,
		Capabilities: compositor.Capabilities{
			MaxUpdateRects:     4,
			VirtualSurfaceSize: 8192,
			SupportsColorTiles: true,
		},
	}
}

func (h *harness) runFrame(inst *TileCacheInstance, pictureRect geom.Rect, prims ...Primitive) *FrameOutput {
	h.frame++
	ctx := &FrameContext{
		FrameID:               h.frame,
		GlobalScreenWorldRect: h.screen,
		DevicePixelScale:      1,
		SpatialTree:           h.tree,
		ClipStore:             h.clips,
		Resources:             h.res,
		Properties:            h.props,
		Compositor:            h.cfg,
		ForceInvalidate:       h.force,
	}
	if h.backend != nil {
		ctx.Backend = h.backend
	}
	h.culling = inst.PreUpdate(ctx, pictureRect)
	for i := range prims {
		inst.UpdatePrimitiveDependencies(ctx, &prims[i])
	}
	return inst.PostUpdate(ctx)
}

func solid(uid ItemUID, node spatial.NodeIndex, rect geom.Rect, c gputypes.Color) Primitive {
	return Primitive{
		UID:         uid,
		Kind:        PrimRectangle,
		SpatialNode: node,
		LocalRect:   rect,
		ClipChain:   clip.InvalidChainID,
		Color:       c,
	}
}

var (
	white = gputypes.Color{R: 1, G: 1, B: 1, A: 1}
	blue  = gputypes.Color{B: 1, A: 1}
)

func TestTileCacheInstance_SecondFrameClean(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})
	picture := geom.XYWH(0, 0, 2000, 1000)

	prims := []Primitive{
		solid(1, root, picture, white),
		solid(2, root, geom.XYWH(0, 0, 100, 100), blue),
	}

	out := h.runFrame(inst, picture, prims...)
	if out.Dirty.IsEmpty() {
		t.Fatal("first frame must dirty every visible tile")
	}
	if len(out.Tasks) == 0 {
		t.Fatal("first frame must emit render tasks")
	}
	if out.Backdrop.Kind != BackdropColor || out.Backdrop.UID != 1 {
		t.Errorf("backdrop = %+v, want color backdrop from prim 1", out.Backdrop)
	}
	if out.Subpixel.Kind != SubpixelAllow {
		t.Errorf("subpixel = %v, want Allow over an opaque backdrop", out.Subpixel.Kind)
	}
	if out.Stats.ColorTiles == 0 {
		t.Error("tiles covered only by the backdrop should become color tiles")
	}

	out = h.runFrame(inst, picture, prims...)
	if !out.Dirty.IsEmpty() {
		t.Errorf("unchanged second frame dirtied %d tiles", out.Dirty.Count())
	}
	if len(out.Tasks) != 0 {
		t.Errorf("unchanged second frame emitted %d tasks", len(out.Tasks))
	}
	if out.Stats.InvalidatedTiles != 0 {
		t.Errorf("InvalidatedTiles = %d, want 0", out.Stats.InvalidatedTiles)
	}
}

func TestTileCacheInstance_ImageInvalidationIsLocal(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	h.res.RegisterImage(7, resource.ImageProperties{})
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	prims := []Primitive{
		solid(1, root, picture, white),
		{
			UID:         3,
			Kind:        PrimImage,
			SpatialNode: root,
			LocalRect:   geom.XYWH(1100, 100, 100, 100),
			ClipChain:   clip.InvalidChainID,
			Image:       7,
		},
	}

	h.runFrame(inst, picture, prims...)
	out := h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 0 {
		t.Fatalf("steady state emitted %d tasks", len(out.Tasks))
	}

	h.res.UpdateImage(7)
	out = h.runFrame(inst, picture, prims...)

	if len(out.Tasks) != 1 {
		t.Fatalf("generation bump emitted %d tasks, want 1", len(out.Tasks))
	}
	imageTile := geom.TileOffset{X: 1, Y: 0}
	if !out.Dirty.IsDirty(imageTile) {
		t.Error("the tile under the image should be dirty")
	}
	if out.Dirty.Count() != 1 {
		t.Errorf("dirty tiles = %d, want only the image tile", out.Dirty.Count())
	}
	if out.Stats.Reasons[InvalidateContent] != 1 {
		t.Errorf("content invalidations = %d, want 1", out.Stats.Reasons[InvalidateContent])
	}
}

func TestTileCacheInstance_ScrollKeepsTiles(t *testing.T) {
	h := newHarness()
	scroll := h.tree.AddChild(h.tree.Root(), geom.Translate(0, 0))
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: scroll})
	picture := geom.XYWH(0, 0, 2000, 4000)
	bg := solid(1, scroll, picture, white)

	h.runFrame(inst, picture, bg)
	out := h.runFrame(inst, picture, bg)
	if len(out.Tasks) != 0 || !out.Dirty.IsEmpty() {
		t.Fatal("static content should be clean by the second frame")
	}

	kept := geom.TileOffset{X: 0, Y: 1}
	wantID := inst.subSlices[0].Tiles[kept].ID

	// Scroll down one tile's worth.
	h.tree.SetLocalTransform(scroll, geom.Translate(0, -512))
	out = h.runFrame(inst, picture, bg)

	tile, ok := inst.subSlices[0].Tiles[kept]
	if !ok {
		t.Fatal("tile surviving the scroll disappeared")
	}
	if tile.ID != wantID {
		t.Errorf("surviving tile id = %d, want %d", tile.ID, wantID)
	}
	if out.Dirty.IsDirty(kept) {
		t.Error("surviving tile should stay valid across a whole-pixel scroll")
	}
	if len(out.Tasks) != 0 {
		// The freshly exposed row is backdrop-only and renders as color
		// tiles, so even new tiles need no rasterization here.
		t.Errorf("scroll emitted %d tasks, want 0", len(out.Tasks))
	}
}

func TestTileCacheInstance_TransformInvalidationIsLocal(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	floater := h.tree.AddChild(root, geom.Translate(100, 100))
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	prims := func() []Primitive {
		return []Primitive{
			solid(1, root, picture, white),
			solid(5, floater, geom.XYWH(0, 0, 50, 50), blue),
		}
	}

	h.runFrame(inst, picture, prims()...)
	out := h.runFrame(inst, picture, prims()...)
	if len(out.Tasks) != 0 {
		t.Fatalf("static frames emitted %d tasks", len(out.Tasks))
	}

	h.tree.SetLocalTransform(floater, geom.Translate(130, 100))
	out = h.runFrame(inst, picture, prims()...)

	if len(out.Tasks) != 1 {
		t.Fatalf("moving one primitive emitted %d tasks, want 1", len(out.Tasks))
	}
	if !out.Dirty.IsDirty(geom.TileOffset{X: 0, Y: 0}) {
		t.Error("the tile under the moved primitive should be dirty")
	}
	if out.Dirty.Count() != 1 {
		t.Errorf("dirty tiles = %d, want 1", out.Dirty.Count())
	}
}

func TestTileCacheInstance_FractionalOffsetInvalidatesAll(t *testing.T) {
	h := newHarness()
	scroll := h.tree.AddChild(h.tree.Root(), geom.Translate(0, 0))
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: scroll})
	picture := geom.XYWH(0, 0, 2000, 1000)
	bg := solid(1, scroll, picture, white)

	h.runFrame(inst, picture, bg)
	out := h.runFrame(inst, picture, bg)
	if !out.Dirty.IsEmpty() {
		t.Fatal("static frames should be clean")
	}

	// A half-pixel shift moves every rasterized pixel.
	h.tree.SetLocalTransform(scroll, geom.Translate(0.5, 0))
	out = h.runFrame(inst, picture, bg)

	if out.Stats.InvalidatedTiles != out.Stats.VisibleTiles {
		t.Errorf("invalidated %d of %d visible tiles, want all",
			out.Stats.InvalidatedTiles, out.Stats.VisibleTiles)
	}
}

func TestTileCacheInstance_ScaleChangeInvalidatesAll(t *testing.T) {
	h := newHarness()
	zoom := h.tree.AddChild(h.tree.Root(), geom.Scale(1, 1))
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: zoom})
	picture := geom.XYWH(0, 0, 2000, 1000)
	bg := solid(1, zoom, picture, white)

	h.runFrame(inst, picture, bg)
	h.runFrame(inst, picture, bg)

	h.tree.SetLocalTransform(zoom, geom.Scale(2, 2))
	out := h.runFrame(inst, picture, bg)

	if out.Stats.VisibleTiles == 0 {
		t.Fatal("expected visible tiles after zoom")
	}
	if out.Stats.InvalidatedTiles != out.Stats.VisibleTiles {
		t.Errorf("invalidated %d of %d visible tiles, want all",
			out.Stats.InvalidatedTiles, out.Stats.VisibleTiles)
	}
}

func TestTileCacheInstance_ForceInvalidate(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)
	prims := []Primitive{
		solid(1, root, picture, white),
		solid(2, root, geom.XYWH(0, 0, 100, 100), blue),
	}

	h.runFrame(inst, picture, prims...)
	h.runFrame(inst, picture, prims...)

	h.force = true
	out := h.runFrame(inst, picture, prims...)
	if out.Stats.InvalidatedTiles != out.Stats.VisibleTiles {
		t.Errorf("force invalidate hit %d of %d tiles",
			out.Stats.InvalidatedTiles, out.Stats.VisibleTiles)
	}
	if out.Stats.Reasons[InvalidateForced] != out.Stats.VisibleTiles {
		t.Errorf("forced reason counted %d times, want %d",
			out.Stats.Reasons[InvalidateForced], out.Stats.VisibleTiles)
	}
}

func TestTileCacheInstance_OpacityBinding(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	const binding PropertyBindingID = 3
	h.props.opacity[binding] = OpacityBinding{Value: 0.5}
	prims := []Primitive{
		solid(1, root, picture, white),
		{
			UID:               4,
			Kind:              PrimRectangle,
			SpatialNode:       root,
			LocalRect:         geom.XYWH(10, 10, 80, 80),
			ClipChain:         clip.InvalidChainID,
			Color:             blue,
			OpacityBinding:    binding,
			HasOpacityBinding: true,
		},
	}

	h.runFrame(inst, picture, prims...)
	out := h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 0 {
		t.Fatalf("static binding emitted %d tasks", len(out.Tasks))
	}

	h.props.opacity[binding] = OpacityBinding{Value: 0.7, Changed: true}
	out = h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 1 {
		t.Fatalf("animating binding emitted %d tasks, want 1", len(out.Tasks))
	}

	// The animation settled: same value, no change flag.
	h.props.opacity[binding] = OpacityBinding{Value: 0.7}
	out = h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 0 {
		t.Errorf("settled binding emitted %d tasks, want 0", len(out.Tasks))
	}
}

func TestTileCacheInstance_ClipDependency(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	chain := h.clips.Add(clip.ChainInstance{
		Nodes:         []clip.NodeID{100},
		SpatialNodes:  []spatial.NodeIndex{root},
		LocalClipRect: geom.XYWH(0, 0, 500, 500),
	})
	prims := func(clipNode clip.NodeID) []Primitive {
		h.clips.Set(chain, clip.ChainInstance{
			Nodes:         []clip.NodeID{clipNode},
			SpatialNodes:  []spatial.NodeIndex{root},
			LocalClipRect: geom.XYWH(0, 0, 500, 500),
		})
		return []Primitive{
			solid(1, root, picture, white),
			{
				UID:         6,
				Kind:        PrimRectangle,
				SpatialNode: root,
				LocalRect:   geom.XYWH(10, 10, 80, 80),
				ClipChain:   chain,
				Color:       blue,
			},
		}
	}

	h.runFrame(inst, picture, prims(100)...)
	out := h.runFrame(inst, picture, prims(100)...)
	if len(out.Tasks) != 0 {
		t.Fatalf("stable clip emitted %d tasks", len(out.Tasks))
	}

	// Replacing the clip node identity invalidates the clipped tile.
	out = h.runFrame(inst, picture, prims(101)...)
	if len(out.Tasks) != 1 {
		t.Errorf("clip change emitted %d tasks, want 1", len(out.Tasks))
	}
}

// =============================================================================
// Native compositing
// =============================================================================

func yuvPrim(uid ItemUID, node spatial.NodeIndex, rect geom.Rect) Primitive {
	return Primitive{
		UID:         uid,
		Kind:        PrimYUVImage,
		SpatialNode: node,
		LocalRect:   rect,
		ClipChain:   clip.InvalidChainID,
		Flags:       PrimFlagPrefersCompositorSurface,
		YUVImages:   [3]resource.ImageKey{11, 12, 13},
	}
}

func TestTileCacheInstance_NativePromotion(t *testing.T) {
	h := newHarness()
	h.useNative()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})
	picture := geom.XYWH(0, 0, 2000, 1000)

	prims := []Primitive{
		solid(1, root, picture, white),
		yuvPrim(7, root, geom.XYWH(200, 200, 400, 300)),
		// Translucent overlay so one tile stays texture backed.
		solid(8, root, geom.XYWH(1100, 600, 200, 100), gputypes.Color{B: 1, A: 0.5}),
	}

	out := h.runFrame(inst, picture, prims...)

	if out.Stats.CompositorSurfaces != 1 {
		t.Errorf("CompositorSurfaces = %d, want 1", out.Stats.CompositorSurfaces)
	}
	if out.Subpixel.Kind != SubpixelConditional || len(out.Subpixel.ExcludedRects) != 1 {
		t.Errorf("subpixel = %+v, want Conditional with one exclusion", out.Subpixel)
	}
	if v := h.backend.Violations(); len(v) != 0 {
		t.Fatalf("backend violations: %v", v)
	}
	// One external surface for the video plus the sub-slice's
	// opaque/alpha pair for the texture tile.
	if got := h.backend.LiveSurfaces(); got != 3 {
		t.Errorf("LiveSurfaces = %d, want 3", got)
	}
	if got := h.backend.LiveTiles(); got != 1 {
		t.Errorf("LiveTiles = %d, want 1", got)
	}

	// The video disappears: its external surface is destroyed after one
	// unused frame, with the pairing contract intact.
	out = h.runFrame(inst, picture, prims[0], prims[2])
	if out.Stats.CompositorSurfaces != 0 {
		t.Errorf("CompositorSurfaces = %d, want 0", out.Stats.CompositorSurfaces)
	}
	if got := h.backend.LiveSurfaces(); got != 2 {
		t.Errorf("LiveSurfaces after GC = %d, want 2", got)
	}
	if v := h.backend.Violations(); len(v) != 0 {
		t.Fatalf("backend violations after GC: %v", v)
	}
	if out.Subpixel.Kind != SubpixelAllow {
		t.Errorf("subpixel = %v, want Allow with no promoted surfaces", out.Subpixel.Kind)
	}
}

func TestTileCacheInstance_VideoReusesExternalSurface(t *testing.T) {
	h := newHarness()
	h.useNative()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})
	picture := geom.XYWH(0, 0, 2000, 1000)
	prims := []Primitive{
		solid(1, root, picture, white),
		yuvPrim(7, root, geom.XYWH(200, 200, 400, 300)),
	}

	h.runFrame(inst, picture, prims...)
	created := 0
	for _, cmd := range h.backend.Commands() {
		if cmd.Kind == compositor.CommandCreateSurface && cmd.Desc.IsExternal {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("external surfaces created = %d, want 1", created)
	}

	// A steadily playing video keeps reusing the surface.
	h.backend.Reset()
	h.runFrame(inst, picture, prims...)
	for _, cmd := range h.backend.Commands() {
		if cmd.Kind == compositor.CommandCreateSurface && cmd.Desc.IsExternal {
			t.Error("second frame recreated the external surface")
		}
	}
}

func TestTileCacheInstance_BlendContainerNeverPromotes(t *testing.T) {
	h := newHarness()
	h.useNative()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true, IsBlendContainer: true})
	picture := geom.XYWH(0, 0, 2000, 1000)

	out := h.runFrame(inst, picture,
		solid(1, root, picture, white),
		yuvPrim(7, root, geom.XYWH(200, 200, 400, 300)),
	)
	if out.Stats.CompositorSurfaces != 0 {
		t.Errorf("CompositorSurfaces = %d, want 0 in a blend container", out.Stats.CompositorSurfaces)
	}
}

func TestTileCacheInstance_SubpixelDenyWhenTransparent(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	// No background, no opaque backdrop.
	out := h.runFrame(inst, picture,
		solid(2, root, geom.XYWH(0, 0, 100, 100), gputypes.Color{B: 1, A: 0.5}),
	)
	if out.Subpixel.Kind != SubpixelDeny {
		t.Errorf("subpixel = %v, want Deny for a transparent slice", out.Subpixel.Kind)
	}
}

func TestTileCacheInstance_OccludersFromOpaqueTiles(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	picture := geom.XYWH(0, 0, 2000, 1000)

	out := h.runFrame(inst, picture, solid(1, root, picture, white))
	if len(out.Occluders) == 0 {
		t.Error("opaque tiles should contribute occluders")
	}
	for _, occ := range out.Occluders {
		if occ.WorldRect.IsEmpty() {
			t.Error("occluder with empty world rect")
		}
	}
}

func TestTileCacheInstance_CullingRect(t *testing.T) {
	h := newHarness()
	node := h.tree.AddChild(h.tree.Root(), geom.Translate(0, 0))
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: node})
	picture := geom.XYWH(0, 0, 2000, 1000)
	bg := solid(1, node, picture, white)

	h.runFrame(inst, picture, bg)
	// The 2x2 grid of 1024x512 tiles is entirely visible, so the
	// culling rect is the grid's world footprint.
	want := geom.XYWH(0, 0, 2048, 1024)
	if !h.culling.ApproxEqual(want, 0.001) {
		t.Errorf("culling rect = %+v, want %+v", h.culling, want)
	}
	if !h.culling.ContainsRect(h.screen.Intersect(picture)) {
		t.Error("culling rect must cover the visible part of the slice")
	}

	// A slice pushed fully off screen has no visible tiles and yields
	// an empty culling rect, letting the caller skip preparation.
	h.tree.SetLocalTransform(node, geom.Translate(-5000, 0))
	h.runFrame(inst, picture, bg)
	if !h.culling.IsEmpty() {
		t.Errorf("off-screen culling rect = %+v, want empty", h.culling)
	}
}

func TestTileCacheInstance_SharedClipIsNotADependency(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	picture := geom.XYWH(0, 0, 2000, 1000)

	sharedChain := h.clips.Add(clip.ChainInstance{
		Nodes:         []clip.NodeID{100},
		SpatialNodes:  []spatial.NodeIndex{root},
		LocalClipRect: picture,
	})
	primChain := h.clips.Add(clip.ChainInstance{
		Nodes:         []clip.NodeID{100, 101},
		SpatialNodes:  []spatial.NodeIndex{root, root},
		LocalClipRect: geom.XYWH(0, 0, 500, 500),
	})
	inst := NewTileCacheInstance(TileCacheParams{
		SpatialNode:     root,
		SharedClipChain: sharedChain,
	})

	prims := []Primitive{
		solid(1, root, picture, white),
		{
			UID:         6,
			Kind:        PrimRectangle,
			SpatialNode: root,
			LocalRect:   geom.XYWH(10, 10, 80, 80),
			ClipChain:   primChain,
			Color:       blue,
		},
	}

	h.runFrame(inst, picture, prims...)
	out := h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 0 {
		t.Fatalf("stable frame emitted %d tasks", len(out.Tasks))
	}

	// Swapping the shared node's identity in both chains must not
	// invalidate anything: the shared clip applies to the whole slice
	// and is excluded from per-primitive dependencies.
	h.clips.Set(sharedChain, clip.ChainInstance{
		Nodes:         []clip.NodeID{102},
		SpatialNodes:  []spatial.NodeIndex{root},
		LocalClipRect: picture,
	})
	h.clips.Set(primChain, clip.ChainInstance{
		Nodes:         []clip.NodeID{102, 101},
		SpatialNodes:  []spatial.NodeIndex{root, root},
		LocalClipRect: geom.XYWH(0, 0, 500, 500),
	})
	out = h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 0 {
		t.Errorf("shared clip change emitted %d tasks, want 0", len(out.Tasks))
	}

	// The non-shared node in the same chain still invalidates.
	h.clips.Set(primChain, clip.ChainInstance{
		Nodes:         []clip.NodeID{102, 103},
		SpatialNodes:  []spatial.NodeIndex{root, root},
		LocalClipRect: geom.XYWH(0, 0, 500, 500),
	})
	out = h.runFrame(inst, picture, prims...)
	if len(out.Tasks) != 1 {
		t.Errorf("per-primitive clip change emitted %d tasks, want 1", len(out.Tasks))
	}
}

func TestTileCacheInstance_PromotionEligibility(t *testing.T) {
	picture := geom.XYWH(0, 0, 2000, 1000)

	t.Run("nested slice never promotes", func(t *testing.T) {
		h := newHarness()
		h.useNative()
		root := h.tree.Root()
		inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})

		out := h.runFrame(inst, picture,
			solid(1, root, picture, white),
			yuvPrim(7, root, geom.XYWH(200, 200, 400, 300)),
		)
		if out.Stats.CompositorSurfaces != 0 {
			t.Errorf("CompositorSurfaces = %d, want 0 in a nested slice", out.Stats.CompositorSurfaces)
		}
	})

	t.Run("mirrored transform never promotes", func(t *testing.T) {
		h := newHarness()
		h.useNative()
		root := h.tree.Root()
		mirror := h.tree.AddChild(root, geom.Scale(-1, 1))
		inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})

		// The mirrored rect maps onto (200,200)-(600,500), well inside
		// the picture, so the video is visible but not promotable.
		out := h.runFrame(inst, picture,
			solid(1, root, picture, white),
			yuvPrim(7, mirror, geom.XYWH(-600, 200, 400, 300)),
		)
		if out.Stats.CompositorSurfaces != 0 {
			t.Errorf("CompositorSurfaces = %d, want 0 under a mirrored transform", out.Stats.CompositorSurfaces)
		}
	})

	t.Run("video without compositing preference", func(t *testing.T) {
		h := newHarness()
		h.useNative()
		root := h.tree.Root()
		inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})

		video := yuvPrim(7, root, geom.XYWH(200, 200, 400, 300))
		video.Flags = 0
		out := h.runFrame(inst, picture, solid(1, root, picture, white), video)
		if out.Stats.CompositorSurfaces != 0 {
			t.Errorf("CompositorSurfaces = %d, want 0 without the preference flag", out.Stats.CompositorSurfaces)
		}
	})
}

func TestTileCacheInstance_SpacedImageIsNotABackdrop(t *testing.T) {
	h := newHarness()
	root := h.tree.Root()
	picture := geom.XYWH(0, 0, 2000, 1000)
	h.res.RegisterImage(20, resource.ImageProperties{IsOpaque: true, HasSpacing: true})
	h.res.RegisterImage(21, resource.ImageProperties{IsOpaque: true})

	image := func(uid ItemUID, key resource.ImageKey) Primitive {
		return Primitive{
			UID:         uid,
			Kind:        PrimImage,
			SpatialNode: root,
			LocalRect:   picture,
			ClipChain:   clip.InvalidChainID,
			Image:       key,
		}
	}

	// Gaps between repetitions leave backdrop pixels unpainted, so a
	// spaced image can never make the slice opaque.
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	out := h.runFrame(inst, picture, image(1, 20))
	if out.Backdrop.Kind != BackdropNone {
		t.Errorf("spaced image backdrop = %v, want None", out.Backdrop.Kind)
	}

	inst = NewTileCacheInstance(TileCacheParams{SpatialNode: root})
	out = h.runFrame(inst, picture, image(2, 21))
	if out.Backdrop.Kind != BackdropImage {
		t.Errorf("plain opaque image backdrop = %v, want Image", out.Backdrop.Kind)
	}
}

func TestTileCacheInstance_ExternalImageAttach(t *testing.T) {
	h := newHarness()
	h.useNative()
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})
	picture := geom.XYWH(0, 0, 2000, 1000)
	h.res.RegisterImage(11, resource.ImageProperties{})
	h.res.RegisterImage(12, resource.ImageProperties{})
	h.res.RegisterImage(13, resource.ImageProperties{})
	prims := []Primitive{
		solid(1, root, picture, white),
		yuvPrim(7, root, geom.XYWH(200, 200, 400, 300)),
	}

	attaches := func() int {
		n := 0
		for _, cmd := range h.backend.Commands() {
			if cmd.Kind == compositor.CommandAttachExternalImage {
				n++
			}
		}
		return n
	}

	h.runFrame(inst, picture, prims...)
	if got := attaches(); got != 1 {
		t.Fatalf("first frame attached %d times, want 1", got)
	}

	// Unchanged planes keep the attachment.
	h.backend.Reset()
	h.runFrame(inst, picture, prims...)
	if got := attaches(); got != 0 {
		t.Errorf("steady frame attached %d times, want 0", got)
	}

	// A new plane generation re-attaches.
	h.res.UpdateImage(12)
	h.backend.Reset()
	h.runFrame(inst, picture, prims...)
	if got := attaches(); got != 1 {
		t.Errorf("updated plane attached %d times, want 1", got)
	}
}

func TestTileCacheInstance_VirtualSurfaceRecenter(t *testing.T) {
	h := newHarness()
	h.useNative()
	h.cfg.Capabilities.SupportsColorTiles = false
	scroll := h.tree.AddChild(h.tree.Root(), geom.Translate(0, 0))
	inst := NewTileCacheInstance(TileCacheParams{
		SpatialNode:        scroll,
		IsRootCache:        true,
		VirtualSurfaceSize: 512,
	})
	picture := geom.XYWH(0, 0, 2000, 8192)
	bg := solid(1, scroll, picture, white)

	out := h.runFrame(inst, picture, bg)
	if off := inst.VirtualOffset(); off != (geom.Point{}) {
		t.Fatalf("initial virtual offset = %+v, want zero", off)
	}
	if out.Stats.Reasons[InvalidateVirtualOffsetChanged] != 0 {
		t.Fatal("first frame must not report an offset change")
	}

	// Scrolling past half the virtual size moves the grid origin far
	// enough that the offset recenters and every visible tile rebuilds.
	h.tree.SetLocalTransform(scroll, geom.Translate(0, -1200))
	out = h.runFrame(inst, picture, bg)
	if off := inst.VirtualOffset(); off.Y != -512 {
		t.Errorf("virtual offset = %+v, want Y -512", off)
	}
	if out.Stats.VisibleTiles == 0 {
		t.Fatal("no visible tiles after scroll")
	}
	if got := out.Stats.Reasons[InvalidateVirtualOffsetChanged]; got != out.Stats.VisibleTiles {
		t.Errorf("offset-change invalidations = %d, want %d (every visible tile)",
			got, out.Stats.VisibleTiles)
	}
	if v := h.backend.Violations(); len(v) != 0 {
		t.Fatalf("backend violations: %v", v)
	}

	// The recenter settles in one frame.
	out = h.runFrame(inst, picture, bg)
	if off := inst.VirtualOffset(); off.Y != -512 {
		t.Errorf("virtual offset moved again: %+v", off)
	}
	if out.Stats.Reasons[InvalidateVirtualOffsetChanged] != 0 {
		t.Error("steady frame reported offset-change invalidations")
	}
	if !out.Dirty.IsEmpty() {
		t.Error("steady frame after recenter should be clean")
	}
}

func TestTileCacheInstance_GridShrinkDestroysNativeTiles(t *testing.T) {
	h := newHarness()
	h.useNative()
	h.cfg.Capabilities.SupportsColorTiles = false
	root := h.tree.Root()
	inst := NewTileCacheInstance(TileCacheParams{SpatialNode: root, IsRootCache: true})

	h.runFrame(inst, geom.XYWH(0, 0, 2000, 1000), solid(1, root, geom.XYWH(0, 0, 2000, 1000), white))
	if got := h.backend.LiveTiles(); got != 4 {
		t.Fatalf("LiveTiles = %d, want 4", got)
	}

	// Shrinking the picture to one tile's worth drops the other three
	// grid slots, and each must destroy its native tile on the way out.
	h.backend.Reset()
	h.runFrame(inst, geom.XYWH(0, 0, 900, 400), solid(1, root, geom.XYWH(0, 0, 900, 400), white))

	destroyed := 0
	for _, cmd := range h.backend.Commands() {
		if cmd.Kind == compositor.CommandDestroyTile {
			destroyed++
		}
	}
	if destroyed != 3 {
		t.Errorf("destroyed %d native tiles, want 3", destroyed)
	}
	if got := h.backend.LiveTiles(); got != 1 {
		t.Errorf("LiveTiles = %d, want 1", got)
	}
	if v := h.backend.Violations(); len(v) != 0 {
		t.Fatalf("backend violations: %v", v)
	}
}
