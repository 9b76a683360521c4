// Package host ties the voxel worlds to the culling engine: every chunk load,
// block edit, border change and object spawn of the demo host goes through
// here so the engine hooks are never skipped.
package host

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"voxelcull.ai/internal/persistence/snapshot"
	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/tuning"
	"voxelcull.ai/internal/sim/voxel"
	"voxelcull.ai/internal/timeutil"
)

type Border struct {
	CenterX float64 `json:"center_x"`
	CenterZ float64 `json:"center_z"`
	Size    float64 `json:"size"`
}

type Host struct {
	engine *culling.Engine
	worlds *voxel.Worlds
	clock  timeutil.Clock

	mu      sync.Mutex
	borders map[string]Border

	nextObject atomic.Uint64
}

// New wires worlds to engine. The engine must have been built with worlds as
// its opacity source.
func New(engine *culling.Engine, worlds *voxel.Worlds, clock timeutil.Clock) *Host {
	if clock == nil {
		clock = timeutil.Real()
	}
	return &Host{
		engine:  engine,
		worlds:  worlds,
		clock:   clock,
		borders: map[string]Border{},
	}
}

func (h *Host) Engine() *culling.Engine { return h.engine }
func (h *Host) Worlds() *voxel.Worlds   { return h.worlds }

// AddWorld creates a world from its spec, registers it with the engine and
// preloads the chunks around the border centre.
func (h *Host) AddWorld(spec tuning.WorldSpec) *voxel.World {
	w := voxel.NewWorld(spec.ID, spec.Gen)
	h.worlds.Add(w)
	b := Border{CenterX: spec.BorderCenterX, CenterZ: spec.BorderCenterZ, Size: spec.BorderSize}
	h.mu.Lock()
	h.borders[spec.ID] = b
	h.mu.Unlock()
	h.engine.WorldLoaded(spec.ID, h.bounds(w, b))

	center := opacity.BlockPos{X: int(spec.BorderCenterX), Z: int(spec.BorderCenterZ)}.Region()
	r := spec.PreloadRadius
	for cx := center.CX - r; cx <= center.CX+r; cx++ {
		for cz := center.CZ - r; cz <= center.CZ+r; cz++ {
			h.LoadChunk(spec.ID, voxel.ChunkKey{CX: cx, CZ: cz})
		}
	}
	return w
}

func (h *Host) bounds(w *voxel.World, b Border) octree.Box {
	g := w.Gen()
	return culling.WorldBounds(b.CenterX, b.CenterZ, b.Size, g.MinY, g.MaxY)
}

func (h *Host) RemoveWorld(name string) {
	h.engine.WorldUnloaded(name)
	h.worlds.Remove(name)
	h.mu.Lock()
	delete(h.borders, name)
	h.mu.Unlock()
}

func (h *Host) LoadChunk(world string, k voxel.ChunkKey) bool {
	w, ok := h.worlds.Get(world)
	if !ok {
		return false
	}
	if !w.LoadChunk(k) {
		return false
	}
	h.engine.RegionLoaded(world, k)
	return true
}

func (h *Host) UnloadChunk(world string, k voxel.ChunkKey) bool {
	w, ok := h.worlds.Get(world)
	if !ok {
		return false
	}
	if !w.UnloadChunk(k) {
		return false
	}
	h.engine.RegionUnloaded(world, k)
	return true
}

// SetBlock edits a block and tells the engine when opacity flipped.
func (h *Host) SetBlock(world string, p opacity.BlockPos, b voxel.Block) error {
	w, ok := h.worlds.Get(world)
	if !ok {
		return fmt.Errorf("unknown world %q", world)
	}
	old, err := w.Set(p, b)
	if err != nil {
		return err
	}
	if old.Opaque() != b.Opaque() {
		h.engine.RecordOpacityChange(world, p, b.Opaque())
	}
	return nil
}

// Explode clears every block within radius of center in one bulk change.
func (h *Host) Explode(world string, center opacity.BlockPos, radius int) (int, error) {
	w, ok := h.worlds.Get(world)
	if !ok {
		return 0, fmt.Errorf("unknown world %q", world)
	}
	var cleared []opacity.BlockPos
	r2 := radius * radius
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				if dx*dx+dy*dy+dz*dz > r2 {
					continue
				}
				p := opacity.BlockPos{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
				old, err := w.Set(p, voxel.Air)
				if err != nil {
					continue
				}
				if old.Opaque() {
					cleared = append(cleared, p)
				}
			}
		}
	}
	h.engine.RecordOpacityChanges(world, cleared, false)
	return len(cleared), nil
}

// SetBorder moves a world border and resizes the engine index to match.
func (h *Host) SetBorder(world string, b Border) error {
	w, ok := h.worlds.Get(world)
	if !ok {
		return fmt.Errorf("unknown world %q", world)
	}
	if b.Size <= 0 {
		return fmt.Errorf("border size must be > 0")
	}
	h.mu.Lock()
	h.borders[world] = b
	h.mu.Unlock()
	h.engine.WorldBoundsChanged(world, h.bounds(w, b))
	return nil
}

func (h *Host) Border(world string) (Border, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.borders[world]
	return b, ok
}

// Spawn inserts o, assigning a fresh id when o.ID is zero.
func (h *Host) Spawn(o culling.Object) (culling.ObjectID, error) {
	if o.ID == 0 {
		o.ID = culling.ObjectID(h.nextObject.Add(1))
	} else {
		h.bumpObjectID(uint64(o.ID))
	}
	if !h.engine.InsertObject(o) {
		return 0, fmt.Errorf("object %d not indexed: world %q not loaded or culling disabled", o.ID, o.World)
	}
	return o.ID, nil
}

func (h *Host) bumpObjectID(id uint64) {
	for {
		cur := h.nextObject.Load()
		if id <= cur || h.nextObject.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Export captures everything needed to rebuild the host.
func (h *Host) Export() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{Header: snapshot.Header{
		Version: snapshot.Version,
		SavedAt: h.clock.Now().UnixMilli(),
	}}
	for _, name := range h.worlds.Names() {
		w, ok := h.worlds.Get(name)
		if !ok {
			continue
		}
		b, _ := h.Border(name)
		g := w.Gen()
		wv := snapshot.WorldV1{
			Name:           name,
			BorderCenterX:  b.CenterX,
			BorderCenterZ:  b.CenterZ,
			BorderSize:     b.Size,
			Seed:           g.Seed,
			MinY:           g.MinY,
			MaxY:           g.MaxY,
			GroundY:        g.GroundY,
			PillarPermille: g.PillarPermille,
			PillarHeight:   g.PillarHeight,
		}
		for _, k := range w.LoadedChunks() {
			wv.Loaded = append(wv.Loaded, snapshot.ChunkKeyV1{CX: k.CX, CZ: k.CZ})
		}
		for p, blk := range w.Edits() {
			wv.Edits = append(wv.Edits, snapshot.EditV1{Pos: [3]int{p.X, p.Y, p.Z}, Block: blk.String()})
		}
		sort.Slice(wv.Edits, func(i, j int) bool {
			a, b := wv.Edits[i].Pos, wv.Edits[j].Pos
			if a[0] != b[0] {
				return a[0] < b[0]
			}
			if a[1] != b[1] {
				return a[1] < b[1]
			}
			return a[2] < b[2]
		})
		snap.Worlds = append(snap.Worlds, wv)
		snap.Header.Worlds = append(snap.Header.Worlds, name)
	}

	objs, groups := h.engine.Objects()
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	for _, g := range groups {
		snap.Groups = append(snap.Groups, snapshot.GroupV1{ID: uint64(g.ID), Name: g.Name, AsyncSafe: g.AsyncSafe})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
	for _, o := range objs {
		ov := snapshot.ObjectV1{
			ID:          uint64(o.ID),
			World:       o.World,
			Min:         [3]float64{o.Bounds.Min.X(), o.Bounds.Min.Y(), o.Bounds.Min.Z()},
			Max:         [3]float64{o.Bounds.Max.X(), o.Bounds.Max.Y(), o.Bounds.Max.Z()},
			Culled:      o.Caps.Culled,
			RenderProxy: o.Caps.RenderProxy,
			AsyncSafe:   o.Caps.AsyncSafe,
		}
		for _, g := range o.Caps.Groups {
			ov.Groups = append(ov.Groups, uint64(g))
		}
		snap.Objects = append(snap.Objects, ov)
	}
	snap.Header.Objects = len(snap.Objects)
	snap.Header.Groups = len(snap.Groups)
	return snap
}

// Import rebuilds worlds, groups and objects from a snapshot. Worlds already
// present are replaced.
func (h *Host) Import(snap snapshot.SnapshotV1) error {
	for _, wv := range snap.Worlds {
		if _, ok := h.worlds.Get(wv.Name); ok {
			h.RemoveWorld(wv.Name)
		}
		w := h.AddWorld(tuning.WorldSpec{
			ID:            wv.Name,
			BorderCenterX: wv.BorderCenterX,
			BorderCenterZ: wv.BorderCenterZ,
			BorderSize:    wv.BorderSize,
			Gen: voxel.Gen{
				Seed:           wv.Seed,
				MinY:           wv.MinY,
				MaxY:           wv.MaxY,
				GroundY:        wv.GroundY,
				PillarPermille: wv.PillarPermille,
				PillarHeight:   wv.PillarHeight,
			},
		})
		edits := make(map[opacity.BlockPos]voxel.Block, len(wv.Edits))
		for _, e := range wv.Edits {
			b, err := voxel.ParseBlock(e.Block)
			if err != nil {
				return fmt.Errorf("world %s: %w", wv.Name, err)
			}
			edits[opacity.BlockPos{X: e.Pos[0], Y: e.Pos[1], Z: e.Pos[2]}] = b
		}
		// Edits apply on load, so record them before any chunk is loaded.
		for _, k := range w.LoadedChunks() {
			h.UnloadChunk(wv.Name, k)
		}
		w.RestoreEdits(edits)
		for _, k := range wv.Loaded {
			h.LoadChunk(wv.Name, voxel.ChunkKey{CX: k.CX, CZ: k.CZ})
		}
	}
	for _, g := range snap.Groups {
		h.engine.RestoreGroup(culling.Group{ID: culling.GroupID(g.ID), Name: g.Name, AsyncSafe: g.AsyncSafe})
	}
	for _, ov := range snap.Objects {
		o := culling.Object{
			ID:     culling.ObjectID(ov.ID),
			World:  ov.World,
			Bounds: octree.NewBox(vec(ov.Min), vec(ov.Max)),
			Caps: culling.Capabilities{
				Culled:      ov.Culled,
				RenderProxy: ov.RenderProxy,
				AsyncSafe:   ov.AsyncSafe,
			},
		}
		for _, g := range ov.Groups {
			o.Caps.Groups = append(o.Caps.Groups, culling.GroupID(g))
		}
		if _, err := h.Spawn(o); err != nil {
			return err
		}
	}
	return nil
}
