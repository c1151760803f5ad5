// Package tilecache implements the picture-caching and invalidation
// engine of a retained-mode rendering pipeline.
//
// # Overview
//
// Each frame a scene is decomposed into pictures; cacheable pictures are
// sliced into fixed-size tiles. The engine decides, tile by tile,
// whether previously rasterized content can be reused this frame or must
// be redrawn, and tracks exactly which sub-region of a tile changed, so
// redraw cost is proportional to visible change rather than scene size.
//
// The per-frame protocol on a TileCacheInstance is:
//
//	cullingRect := tc.PreUpdate(ctx, pictureRect)
//	for each primitive intersecting cullingRect {
//	    tc.UpdatePrimitiveDependencies(ctx, &prim)
//	}
//	output := tc.PostUpdate(ctx)
//
// PreUpdate establishes the tile grid for the frame and returns the
// world-space rect that can affect the slice; primitives outside it
// need no preparation.
// UpdatePrimitiveDependencies records what every primitive depends on
// (clips, transforms, images, animated bindings) into each tile it
// overlaps. PostUpdate diffs each tile's dependencies against the
// previous frame, computes dirty rectangles, manages backing surfaces
// and reports the work the renderer must do.
//
// # Collaborators
//
// The engine owns no scene state: the transform tree (spatial package),
// clip store (clip package), resource cache (resource package) and
// native compositor backend (compositor package) are supplied through
// the FrameContext on every call.
//
// # Concurrency
//
// A TileCacheInstance is single-threaded per frame-build pass. The
// PreUpdate / UpdatePrimitiveDependencies / PostUpdate sequence must run
// to completion on one goroutine; interrupting it mid-pass leaves tile
// descriptors inconsistently swapped and is not supported. Distinct
// instances (one per cached slice) may be driven from distinct
// goroutines.
package tilecache
