// Package voxel is the host's in-memory block world: generated terrain in
// 16x16 columns that can be loaded, unloaded and edited. It answers the raw
// opacity questions the culling engine asks on a cache miss.
package voxel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"voxelcull.ai/internal/sim/opacity"
)

var ErrNotLoaded = errors.New("voxel: chunk not loaded")

type Block uint8

const (
	Air Block = iota
	Stone
	Dirt
	Glass
	Leaves
	Log
	Machine
)

var blockNames = [...]string{"AIR", "STONE", "DIRT", "GLASS", "LEAVES", "LOG", "MACHINE"}

func (b Block) String() string {
	if int(b) < len(blockNames) {
		return blockNames[b]
	}
	return fmt.Sprintf("BLOCK(%d)", uint8(b))
}

// Opaque reports whether the block stops sight. Glass and leaves do not.
func (b Block) Opaque() bool {
	switch b {
	case Stone, Dirt, Log, Machine:
		return true
	default:
		return false
	}
}

func ParseBlock(s string) (Block, error) {
	for i, n := range blockNames {
		if n == s {
			return Block(i), nil
		}
	}
	return Air, fmt.Errorf("unknown block %q", s)
}

type ChunkKey = opacity.RegionKey

type Chunk struct {
	CX, CZ int
	minY   int
	height int
	Blocks []Block // x fastest, then z, then y
}

func (c *Chunk) index(x, y, z int) int {
	return x + z*16 + (y-c.minY)*256
}

func (c *Chunk) get(x, y, z int) Block {
	if y < c.minY || y >= c.minY+c.height {
		return Air
	}
	return c.Blocks[c.index(x, y, z)]
}

func (c *Chunk) set(x, y, z int, b Block) bool {
	if y < c.minY || y >= c.minY+c.height {
		return false
	}
	c.Blocks[c.index(x, y, z)] = b
	return true
}

// World is one dimension. All methods are safe for concurrent use.
type World struct {
	Name string
	gen  Gen

	mu     sync.RWMutex
	chunks map[ChunkKey]*Chunk
	// edits survive unload so reloaded chunks keep player changes.
	edits map[opacity.BlockPos]Block
}

func NewWorld(name string, gen Gen) *World {
	gen = gen.normalized()
	return &World{
		Name:   name,
		gen:    gen,
		chunks: map[ChunkKey]*Chunk{},
		edits:  map[opacity.BlockPos]Block{},
	}
}

func (w *World) Gen() Gen { return w.gen }

// LoadChunk generates a chunk (applying recorded edits) if it is not loaded
// yet. It reports whether the chunk was newly loaded.
func (w *World) LoadChunk(k ChunkKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.chunks[k]; ok {
		return false
	}
	c := w.gen.generate(k)
	for p, b := range w.edits {
		if p.Region() == k {
			c.set(floorMod(p.X, 16), p.Y, floorMod(p.Z, 16), b)
		}
	}
	w.chunks[k] = c
	return true
}

func (w *World) UnloadChunk(k ChunkKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.chunks[k]; !ok {
		return false
	}
	delete(w.chunks, k)
	return true
}

func (w *World) Loaded(k ChunkKey) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.chunks[k]
	return ok
}

// LoadedChunks lists loaded chunk keys in a stable order.
func (w *World) LoadedChunks() []ChunkKey {
	w.mu.RLock()
	keys := make([]ChunkKey, 0, len(w.chunks))
	for k := range w.chunks {
		keys = append(keys, k)
	}
	w.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

func (w *World) Get(p opacity.BlockPos) (Block, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.chunks[p.Region()]
	if !ok {
		return Air, ErrNotLoaded
	}
	return c.get(floorMod(p.X, 16), p.Y, floorMod(p.Z, 16)), nil
}

// Set changes a block in a loaded chunk and returns the previous block.
func (w *World) Set(p opacity.BlockPos, b Block) (Block, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.chunks[p.Region()]
	if !ok {
		return Air, ErrNotLoaded
	}
	x, z := floorMod(p.X, 16), floorMod(p.Z, 16)
	old := c.get(x, p.Y, z)
	if !c.set(x, p.Y, z, b) {
		return Air, fmt.Errorf("voxel: y=%d outside [%d,%d)", p.Y, w.gen.MinY, w.gen.MaxY)
	}
	w.edits[p] = b
	return old, nil
}

// Edits returns every block changed since generation.
func (w *World) Edits() map[opacity.BlockPos]Block {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[opacity.BlockPos]Block, len(w.edits))
	for p, b := range w.edits {
		out[p] = b
	}
	return out
}

// RestoreEdits records edits without touching loaded chunks; they apply on the
// next load.
func (w *World) RestoreEdits(edits map[opacity.BlockPos]Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, b := range edits {
		w.edits[p] = b
	}
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Worlds is the set of loaded worlds, keyed by name. It implements
// opacity.Source.
type Worlds struct {
	mu     sync.RWMutex
	worlds map[string]*World
}

func NewWorlds() *Worlds {
	return &Worlds{worlds: map[string]*World{}}
}

func (ws *Worlds) Add(w *World) {
	ws.mu.Lock()
	ws.worlds[w.Name] = w
	ws.mu.Unlock()
}

func (ws *Worlds) Remove(name string) {
	ws.mu.Lock()
	delete(ws.worlds, name)
	ws.mu.Unlock()
}

func (ws *Worlds) Get(name string) (*World, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	w, ok := ws.worlds[name]
	return w, ok
}

func (ws *Worlds) Names() []string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]string, 0, len(ws.worlds))
	for n := range ws.worlds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (ws *Worlds) RegionLoaded(world string, key opacity.RegionKey) bool {
	w, ok := ws.Get(world)
	return ok && w.Loaded(key)
}

func (ws *Worlds) IsOpaque(world string, p opacity.BlockPos) (bool, error) {
	w, ok := ws.Get(world)
	if !ok {
		return false, fmt.Errorf("voxel: unknown world %q", world)
	}
	b, err := w.Get(p)
	if err != nil {
		return false, err
	}
	return b.Opaque(), nil
}
