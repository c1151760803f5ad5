// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package compositor

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
)

// CommandKind tags one recorded compositor command.
type CommandKind uint8

const (
	CommandCreateSurface CommandKind = iota
	CommandDestroySurface
	CommandCreateTile
	CommandDestroyTile
	CommandAttachExternalImage
)

// String returns a human-readable name for the command kind.
func (k CommandKind) String() string {
	switch k {
	case CommandCreateSurface:
		return "CreateSurface"
	case CommandDestroySurface:
		return "DestroySurface"
	case CommandCreateTile:
		return "CreateTile"
	case CommandDestroyTile:
		return "DestroyTile"
	case CommandAttachExternalImage:
		return "AttachExternalImage"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Command is one recorded compositor command.
type Command struct {
	Kind    CommandKind
	Surface SurfaceID
	Tile    TileID
	Desc    SurfaceDescriptor
}

// Recorder is a Compositor that records the command stream and checks
// the create/destroy pairing contract. It backs the engine's tests and
// is useful for debugging a backend integration.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	surfaces map[SurfaceID]bool
	tiles    map[TileID]bool
	violated []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		surfaces: make(map[SurfaceID]bool),
		tiles:    make(map[TileID]bool),
	}
}

// CreateSurface implements Compositor.
func (r *Recorder) CreateSurface(id SurfaceID, desc SurfaceDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surfaces[id] {
		r.violated = append(r.violated, fmt.Sprintf("CreateSurface(%d): already live", id))
	}
	r.surfaces[id] = true
	r.commands = append(r.commands, Command{Kind: CommandCreateSurface, Surface: id, Desc: desc})
	return nil
}

// DestroySurface implements Compositor.
func (r *Recorder) DestroySurface(id SurfaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.surfaces[id] {
		r.violated = append(r.violated, fmt.Sprintf("DestroySurface(%d): not live", id))
	}
	delete(r.surfaces, id)
	for t := range r.tiles {
		if t.Surface == id {
			delete(r.tiles, t)
		}
	}
	r.commands = append(r.commands, Command{Kind: CommandDestroySurface, Surface: id})
}

// CreateTile implements Compositor.
func (r *Recorder) CreateTile(id TileID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.surfaces[id.Surface] {
		r.violated = append(r.violated, fmt.Sprintf("CreateTile(%s): surface not live", id))
	}
	if r.tiles[id] {
		r.violated = append(r.violated, fmt.Sprintf("CreateTile(%s): already live", id))
	}
	r.tiles[id] = true
	r.commands = append(r.commands, Command{Kind: CommandCreateTile, Surface: id.Surface, Tile: id})
	return nil
}

// DestroyTile implements Compositor.
func (r *Recorder) DestroyTile(id TileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tiles[id] {
		r.violated = append(r.violated, fmt.Sprintf("DestroyTile(%s): not live", id))
	}
	delete(r.tiles, id)
	r.commands = append(r.commands, Command{Kind: CommandDestroyTile, Surface: id.Surface, Tile: id})
}

// AttachExternalImage implements Compositor.
func (r *Recorder) AttachExternalImage(id SurfaceID, tex gpucontext.Texture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.surfaces[id] {
		r.violated = append(r.violated, fmt.Sprintf("AttachExternalImage(%d): surface not live", id))
	}
	_ = tex
	r.commands = append(r.commands, Command{Kind: CommandAttachExternalImage, Surface: id})
}

// Commands returns a copy of the recorded command stream.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// LiveSurfaces returns the number of surfaces created but not destroyed.
func (r *Recorder) LiveSurfaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.surfaces)
}

// LiveTiles returns the number of tiles created but not destroyed.
func (r *Recorder) LiveTiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tiles)
}

// Violations returns pairing-contract violations observed so far.
// An empty result means every command was correctly paired.
func (r *Recorder) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.violated))
	copy(out, r.violated)
	return out
}

// Reset clears recorded commands but keeps live surface/tile state, so
// pairing can be checked across multiple frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = r.commands[:0]
}
