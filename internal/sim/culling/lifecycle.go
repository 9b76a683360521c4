package culling

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/policy"
)

// WorldBounds is the index volume of a world with a square border of the
// given size centred on (centerX, centerZ).
func WorldBounds(centerX, centerZ, size float64, minY, maxY int) octree.Box {
	half := size / 2
	return octree.NewBox(
		mgl64.Vec3{centerX - half, float64(minY), centerZ - half},
		mgl64.Vec3{centerX + half, float64(maxY), centerZ + half},
	)
}

// WorldLoaded creates the octrees and opacity namespace of a world. Loading a
// world twice keeps the existing index.
func (e *Engine) WorldLoaded(world string, bounds octree.Box) {
	if !e.cfg.Enabled {
		return
	}
	opts := []octree.Option{
		octree.WithMaxDepth(e.cfg.OctreeMaxDepth),
		octree.WithMaxEntries(e.cfg.OctreeMaxEntries),
		octree.WithOutOfBounds(),
	}
	e.mu.Lock()
	if _, ok := e.worlds[world]; !ok {
		e.worlds[world] = &worldIndex{
			culled:  octree.New(bounds, e.objects.bounds, opts...),
			proxies: octree.New(bounds, e.objects.bounds, opts...),
		}
	}
	e.mu.Unlock()
	e.cache.AddWorld(world)
	e.logger.Printf("world loaded: world=%s bounds=%v..%v", world, bounds.Min, bounds.Max)
}

// WorldUnloaded drops the world's index, cache and objects.
func (e *Engine) WorldUnloaded(world string) {
	e.mu.Lock()
	_, ok := e.worlds[world]
	delete(e.worlds, world)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.cache.DropWorld(world)
	for _, id := range e.objects.inWorld(world) {
		e.objects.delete(id)
	}
	e.logger.Printf("world unloaded: world=%s", world)
}

// WorldBoundsChanged resizes both octrees of the world on the owner loop.
func (e *Engine) WorldBoundsChanged(world string, bounds octree.Box) {
	e.onOwner(func() {
		idx := e.world(world)
		if idx == nil {
			return
		}
		dropped := idx.culled.Resize(bounds) + idx.proxies.Resize(bounds)
		e.logger.Printf("world resized: world=%s bounds=%v..%v dropped=%d", world, bounds.Min, bounds.Max, dropped)
	})
}

func (e *Engine) RegionLoaded(world string, key opacity.RegionKey) {
	e.cache.RegionLoaded(world, key)
}

func (e *Engine) RegionUnloaded(world string, key opacity.RegionKey) {
	e.cache.RegionUnloaded(world, key)
}

// InsertObject registers o and indexes it in the trees its capabilities call
// for. An object with the same id is replaced. It reports false when the
// engine is disabled or the world is not loaded.
func (e *Engine) InsertObject(o Object) bool {
	if !e.cfg.Enabled {
		return false
	}
	idx := e.world(o.World)
	if idx == nil {
		return false
	}
	e.RemoveObject(o.ID)
	e.objects.put(o)
	if o.Caps.Culled || o.Caps.GroupCulled() {
		idx.culled.Insert(o.ID)
	}
	if o.Caps.RenderProxy {
		idx.proxies.Insert(o.ID)
	}
	return true
}

// RemoveObject unindexes and forgets an object.
func (e *Engine) RemoveObject(id ObjectID) bool {
	o, ok := e.objects.object(id)
	if !ok {
		return false
	}
	// Unindex before the registry forgets the bounds the trees search by.
	if idx := e.world(o.World); idx != nil {
		idx.culled.Remove(id)
		idx.proxies.Remove(id)
	}
	e.objects.delete(id)
	return true
}

func (e *Engine) Object(id ObjectID) (Object, bool) { return e.objects.object(id) }

// CreateGroup registers a new culling group. Objects join it by listing its
// id in their capabilities.
func (e *Engine) CreateGroup(name string, asyncSafe bool) GroupID {
	return e.objects.createGroup(name, asyncSafe)
}

func (e *Engine) RemoveGroup(id GroupID) bool { return e.objects.deleteGroup(id) }

func (e *Engine) Group(id GroupID) (Group, []ObjectID, bool) { return e.objects.group(id) }

// Objects returns every registered object and group.
func (e *Engine) Objects() ([]Object, []Group) { return e.objects.snapshot() }

// RestoreGroup recreates a group with a previously issued id.
func (e *Engine) RestoreGroup(g Group) { e.objects.restoreGroup(g) }

// RecordOpacityChange tells the cache the voxel at p changed.
func (e *Engine) RecordOpacityChange(world string, p opacity.BlockPos, opaque bool) {
	e.cache.RecordChange(world, p, opaque)
}

// RecordOpacityChanges records a bulk change such as an explosion.
func (e *Engine) RecordOpacityChanges(world string, ps []opacity.BlockPos, opaque bool) {
	for _, p := range ps {
		e.cache.RecordChange(world, p, opaque)
	}
}

// IsOccluding exposes the cached opacity lookup.
func (e *Engine) IsOccluding(world string, p opacity.BlockPos) bool {
	return e.cache.IsOccluding(world, p)
}

// ObserverConnected registers an observer and starts its job. Connecting an
// already connected observer only updates its pose.
func (e *Engine) ObserverConnected(obs ObserverID, st ObserverState) {
	if !e.register(obs, st) {
		return
	}
	if !e.cfg.Enabled {
		return
	}
	e.startJob(obs)
	e.logger.Printf("observer connected: observer=%s world=%s", obs, st.World)
}

// register adds the observer with its resolved settings. It reports false if
// the observer was already known.
func (e *Engine) register(obs ObserverID, st ObserverState) bool {
	var stored *policy.Policy
	var storedOn *bool
	if e.store != nil {
		p, on, err := e.store.LoadObserver(obs)
		if err != nil {
			e.logger.Printf("policy load failed: observer=%s err=%v", obs, err)
		} else {
			stored, storedOn = p, on
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.observers[obs]; ok {
		ent.state = st
		return false
	}
	e.sessions++
	e.observers[obs] = &observerEntry{
		session:   e.sessions,
		state:     st,
		policy:    e.catalog.Resolve(stored),
		cullingOn: e.catalog.CullingEnabled(storedOn),
	}
	return true
}

func (e *Engine) startJob(obs ObserverID) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	done := make(chan struct{})

	e.mu.Lock()
	ent, ok := e.observers[obs]
	if !ok {
		e.mu.Unlock()
		cancel()
		return
	}
	ent.cancel, ent.done = cancel, done
	e.mu.Unlock()

	j := newJob(e, obs)
	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		defer close(done)
		defer cancel()
		j.run(ctx)
	}()
}

// ObserverDisconnected cancels the observer's job and purges its pending
// decisions and settings. Unknown observers are ignored.
func (e *Engine) ObserverDisconnected(obs ObserverID) {
	e.mu.Lock()
	ent, ok := e.observers[obs]
	delete(e.observers, obs)
	e.mu.Unlock()
	if !ok {
		return
	}
	if ent.cancel != nil {
		ent.cancel()
	}
	e.sink.Purge(obs)
	e.logger.Printf("observer disconnected: observer=%s", obs)
}

// UpdateObserver stores the latest pose. Unknown observers are ignored.
func (e *Engine) UpdateObserver(obs ObserverID, st ObserverState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.observers[obs]; ok {
		ent.state = st
	}
}

// observerView is a job's copy of an observer's settings for one iteration.
type observerView struct {
	session   uint64
	state     ObserverState
	policy    policy.Policy
	cullingOn bool
}

func (e *Engine) observer(obs ObserverID) (observerView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.observers[obs]
	if !ok {
		return observerView{}, false
	}
	return observerView{session: ent.session, state: ent.state, policy: ent.policy, cullingOn: ent.cullingOn}, true
}

// current reports whether session is still the observer's live one.
func (e *Engine) current(obs ObserverID, session uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.observers[obs]
	return ok && ent.session == session
}

// mergeCurrent queues b for obs unless the session has ended. The check and
// the merge happen under the observer lock, so a disconnect either purges
// the merged batch or makes the merge a no-op.
func (e *Engine) mergeCurrent(obs ObserverID, session uint64, b Batch) bool {
	if b.Empty() {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.observers[obs]
	if !ok || ent.session != session {
		return false
	}
	e.sink.Merge(obs, b)
	return true
}

// jobDone returns a channel closed when the observer's job has exited, or
// nil if no job was started.
func (e *Engine) jobDone(obs ObserverID) <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ent, ok := e.observers[obs]; ok {
		return ent.done
	}
	return nil
}

// Policy returns the policy the observer runs with.
func (e *Engine) Policy(obs ObserverID) (policy.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.observers[obs]
	if !ok {
		return policy.Policy{}, false
	}
	return ent.policy, true
}

// SetPolicy stores p for the observer after resolving it against the catalog
// (clamping, presets-only and forced presets) and returns what was applied.
func (e *Engine) SetPolicy(obs ObserverID, p policy.Policy) (policy.Policy, bool) {
	resolved := e.catalog.Resolve(&p)
	e.mu.Lock()
	ent, ok := e.observers[obs]
	if ok {
		ent.policy = resolved
	}
	e.mu.Unlock()
	if !ok {
		return policy.Policy{}, false
	}
	if e.store != nil {
		if err := e.store.SavePolicy(obs, resolved); err != nil {
			e.logger.Printf("policy save failed: observer=%s err=%v", obs, err)
		}
	}
	return resolved, true
}

// SetPreset switches the observer to a named preset.
func (e *Engine) SetPreset(obs ObserverID, id string) (policy.Policy, error) {
	pr, err := e.catalog.Preset(id)
	if err != nil {
		return policy.Policy{}, err
	}
	p, _ := e.SetPolicy(obs, pr.Policy)
	return p, nil
}

// SetCullingEnabled flips the observer's toggle, subject to forced settings,
// and returns the effective value. The store keeps the observer's own choice.
func (e *Engine) SetCullingEnabled(obs ObserverID, on bool) bool {
	effective := e.catalog.CullingEnabled(&on)
	e.mu.Lock()
	ent, ok := e.observers[obs]
	if ok {
		ent.cullingOn = effective
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if e.store != nil {
		if err := e.store.SaveCullingEnabled(obs, on); err != nil {
			e.logger.Printf("culling toggle save failed: observer=%s err=%v", obs, err)
		}
	}
	return effective
}

func (e *Engine) CullingEnabled(obs ObserverID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.observers[obs]
	return ok && ent.cullingOn
}
