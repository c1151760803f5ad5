// Command tilecachesim drives the tile cache over a scripted scroll and
// prints per-frame invalidation statistics. It is a profiling and
// debugging aid: the scene is synthetic, but the frame loop is the same
// three-pass sequence an embedding renderer runs.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecache"
	"github.com/gogpu/tilecache/clip"
	"github.com/gogpu/tilecache/compositor"
	"github.com/gogpu/tilecache/geom"
	"github.com/gogpu/tilecache/resource"
	"github.com/gogpu/tilecache/spatial"
)

func main() {
	var (
		frames  = flag.Int("frames", 120, "number of frames to simulate")
		scroll  = flag.Float64("scroll", 12.5, "scroll delta per frame in picture units")
		height  = flag.Float64("height", 8000, "scrolled content height")
		native  = flag.Bool("native", false, "simulate a native OS compositor backend")
		video   = flag.Bool("video", false, "include a video primitive (promotes under -native)")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		tilecache.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	tree := spatial.NewSimpleTree()
	scrollNode := tree.AddChild(tree.Root(), geom.Translate(0, 0))
	clips := clip.NewSimpleStore()
	res := resource.NewTextureCache(0)
	recorder := compositor.NewRecorder()

	cfg := compositor.Config{
		Kind: compositor.KindDraw,
		Capabilities: compositor.Capabilities{
			MaxUpdateRects:     4,
			SupportsColorTiles: true,
		},
	}
	if *native {
		cfg.Kind = compositor.KindNative
		cfg.Capabilities.VirtualSurfaceSize = 8192
	}

	for i := 0; i < 3; i++ {
		res.RegisterImage(resource.ImageKey(10+i), resource.ImageProperties{})
	}

	inst := tilecache.NewTileCacheInstance(tilecache.TileCacheParams{
		SpatialNode:        scrollNode,
		BackgroundColor:    gputypes.Color{R: 1, G: 1, B: 1, A: 1},
		HasBackgroundColor: true,
		IsRootCache:        true,
	})
	picture := geom.XYWH(0, 0, 1600, *height)
	screen := geom.XYWH(0, 0, 1600, 900)

	totalTasks := 0
	totalInvalid := 0
	var frame tilecache.FrameID
	for f := 0; f < *frames; f++ {
		frame++
		tree.SetLocalTransform(scrollNode, geom.Translate(0, -*scroll*float64(f)))

		ctx := &tilecache.FrameContext{
			FrameID:               frame,
			GlobalScreenWorldRect: screen,
			DevicePixelScale:      1,
			SpatialTree:           tree,
			ClipStore:             clips,
			Resources:             res,
			Properties:            staticProperties{},
			Compositor:            cfg,
			Backend:               recorder,
		}

		inst.PreUpdate(ctx, picture)
		for _, prim := range buildScene(scrollNode, picture, *video) {
			inst.UpdatePrimitiveDependencies(ctx, &prim)
		}
		out := inst.PostUpdate(ctx)

		totalTasks += out.Stats.RenderTasks
		totalInvalid += out.Stats.InvalidatedTiles
		fmt.Printf("frame %3d: visible=%2d invalid=%2d tasks=%2d color=%2d surfaces=%d dirty=%s\n",
			f, out.Stats.VisibleTiles, out.Stats.InvalidatedTiles,
			out.Stats.RenderTasks, out.Stats.ColorTiles,
			out.Stats.CompositorSurfaces, fmtRect(out.Dirty.CombinedRect()))
	}

	fmt.Printf("\n%d frames: %d render tasks, %d tile invalidations\n",
		*frames, totalTasks, totalInvalid)
	fmt.Printf("texture cache: %d bytes in %d textures\n",
		res.Stats().UsedBytes, res.Stats().Entries)
	if *native {
		if v := recorder.Violations(); len(v) != 0 {
			log.Fatalf("compositor pairing violations: %v", v)
		}
		fmt.Printf("native compositor: %d live surfaces, %d live tiles, contract clean\n",
			recorder.LiveSurfaces(), recorder.LiveTiles())
	}
}

// buildScene returns a fixed set of primitives in picture space: an
// opaque page background, a grid of cards, and optionally a video.
func buildScene(node spatial.NodeIndex, picture geom.Rect, video bool) []tilecache.Primitive {
	prims := []tilecache.Primitive{{
		UID:         1,
		Kind:        tilecache.PrimRectangle,
		SpatialNode: node,
		LocalRect:   picture,
		ClipChain:   clip.InvalidChainID,
		Color:       gputypes.Color{R: 0.96, G: 0.96, B: 0.96, A: 1},
		Flags:       tilecache.PrimFlagIsOpaque,
	}}

	uid := tilecache.ItemUID(100)
	for y := 100.0; y < picture.Height(); y += 400 {
		prims = append(prims, tilecache.Primitive{
			UID:         uid,
			Kind:        tilecache.PrimRectangle,
			SpatialNode: node,
			LocalRect:   geom.XYWH(100, y, 1400, 300),
			ClipChain:   clip.InvalidChainID,
			Color:       gputypes.Color{R: 1, G: 1, B: 1, A: 1},
			Flags:       tilecache.PrimFlagIsOpaque,
		})
		uid++
	}

	if video {
		prims = append(prims, tilecache.Primitive{
			UID:         2,
			Kind:        tilecache.PrimYUVImage,
			SpatialNode: node,
			LocalRect:   geom.XYWH(200, 600, 640, 360),
			ClipChain:   clip.InvalidChainID,
			Flags:       tilecache.PrimFlagPrefersCompositorSurface,
			YUVImages:   [3]resource.ImageKey{10, 11, 12},
		})
	}
	return prims
}

func fmtRect(r geom.Rect) string {
	if r.IsEmpty() {
		return "none"
	}
	return fmt.Sprintf("%.0fx%.0f", r.Width(), r.Height())
}

// staticProperties resolves every animated binding to a constant.
type staticProperties struct{}

func (staticProperties) OpacityValue(tilecache.PropertyBindingID) (float32, bool) {
	return 1, false
}

func (staticProperties) ColorValue(tilecache.PropertyBindingID) (gputypes.Color, bool) {
	return gputypes.Color{}, false
}
