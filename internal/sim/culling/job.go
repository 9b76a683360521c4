package culling

import (
	"context"
	"time"

	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
)

// job is the per-observer culling loop. Its state is touched by its own
// goroutine only.
type job struct {
	e    *Engine
	obs  ObserverID
	tick int

	// decided is the believed verdict of every object the job has classified.
	decided map[ObjectID]bool
	// groups is the last verdict sent for each group.
	groups map[GroupID]bool
	// proxies shown while culling is off.
	proxies map[ObjectID]struct{}

	enabled bool
	// renderProxies is whether the last culled pass emitted proxy decisions.
	renderProxies bool
}

func newJob(e *Engine, obs ObserverID) *job {
	return &job{
		e:       e,
		obs:     obs,
		decided: map[ObjectID]bool{},
		groups:  map[GroupID]bool{},
		proxies: map[ObjectID]struct{}{},
	}
}

func (j *job) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		wait, ok := j.step()
		if !ok {
			j.e.logger.Printf("culling job stopped: observer=%s", j.obs)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-j.e.clock.After(wait):
		}
	}
}

// output splits an iteration's decisions between the sink and the handles
// that may be applied in place.
type output struct {
	sink  Batch
	async Batch
}

func (o *output) object(id ObjectID, visible, async bool) {
	if async {
		o.async.SetObject(id, visible)
		return
	}
	o.sink.SetObject(id, visible)
}

func (o *output) group(id GroupID, visible, async bool) {
	if async {
		o.async.SetGroup(id, visible)
		return
	}
	o.sink.SetGroup(id, visible)
}

func (o *output) proxy(id ObjectID, visible, async bool) {
	if async {
		o.async.SetProxy(id, visible)
		return
	}
	o.sink.SetProxy(id, visible)
}

// step runs one iteration and returns how long to sleep before the next. It
// reports false once the observer is gone.
func (j *job) step() (time.Duration, bool) {
	view, ok := j.e.observer(j.obs)
	if !ok {
		return 0, false
	}
	j.e.stats.iterations.Add(1)

	var out output
	var wait time.Duration
	if view.cullingOn {
		wait = j.culled(view, &out)
	} else {
		wait = j.unculled(view, &out)
	}
	j.commit(view.session, &out)
	return wait, true
}

// commit hands the iteration's decisions over. Nothing is applied or queued
// once the session the iteration ran for has ended.
func (j *job) commit(session uint64, out *output) {
	n := out.sink.Len() + out.async.Len()
	if n == 0 {
		return
	}
	j.e.stats.decisions.Add(int64(n))
	if !out.async.Empty() && j.e.current(j.obs, session) {
		j.e.renderer.Apply(j.obs, out.async)
		j.e.stats.asyncApplied.Add(int64(out.async.Len()))
		j.e.logDecision(DecisionLogEntry{Time: j.e.clock.Now(), Observer: j.obs, Async: true, Batch: out.async})
	}
	if !j.e.mergeCurrent(j.obs, session, out.sink) {
		j.e.stats.dropped.Add(int64(out.sink.Len()))
	}
}

func (j *job) async(safe bool) bool {
	return safe && j.e.cfg.ApplyAsyncInPlace
}

// unculled is the iteration used while culling is off for the observer: no
// occlusion, just render proxies within half the view distance.
func (j *job) unculled(view observerView, out *output) time.Duration {
	wait := j.e.ticks(j.e.cfg.DisabledUpdateInterval)
	if j.enabled {
		j.release(out)
		j.enabled = false
	}

	idx := j.e.world(view.state.World)
	if idx == nil || !view.state.RenderProxies {
		j.hideProxies(nil, out)
		return wait
	}

	radius := float64(view.state.ViewDistance*16) / 2
	found := idx.proxies.Query(octree.Around(view.state.Eye, radius))
	j.hideProxies(found, out)
	for id := range found {
		if _, shown := j.proxies[id]; shown {
			continue
		}
		o, ok := j.e.objects.object(id)
		if !ok {
			continue
		}
		out.proxy(id, true, j.async(o.Caps.AsyncSafe))
		j.proxies[id] = struct{}{}
	}
	return wait
}

func (j *job) hideProxies(keep map[ObjectID]struct{}, out *output) {
	for id := range j.proxies {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(j.proxies, id)
		o, ok := j.e.objects.object(id)
		if !ok {
			continue
		}
		out.proxy(id, false, j.async(o.Caps.AsyncSafe))
	}
}

// release shows everything the job still holds hidden, so turning culling
// off never leaves content stuck invisible.
func (j *job) release(out *output) {
	for id, visible := range j.decided {
		if visible {
			continue
		}
		o, ok := j.e.objects.object(id)
		if !ok {
			continue
		}
		if o.Caps.Culled && !o.Caps.GroupCulled() {
			out.object(id, true, j.async(o.Caps.AsyncSafe))
		}
	}
	for g, visible := range j.groups {
		if visible {
			continue
		}
		grp, _, ok := j.e.objects.group(g)
		if !ok {
			continue
		}
		out.group(g, true, j.async(grp.AsyncSafe))
	}
	// Shown proxies are handed to the unculled pass, which hides those
	// outside its box.
	if j.renderProxies {
		for id, visible := range j.decided {
			if !visible {
				continue
			}
			if o, ok := j.e.objects.object(id); ok && o.Caps.RenderProxy {
				j.proxies[id] = struct{}{}
			}
		}
	}
	j.decided = map[ObjectID]bool{}
	j.groups = map[GroupID]bool{}
}

// culled is the full iteration: query, distance bands, hysteresis-gated
// occlusion tests, then group coalescing.
func (j *job) culled(view observerView, out *output) time.Duration {
	pol := view.policy
	wait := j.e.ticks(pol.UpdateInterval)
	if !j.enabled {
		// Proxies shown while culling was off are now believed visible.
		for id := range j.proxies {
			j.decided[id] = true
		}
		j.proxies = map[ObjectID]struct{}{}
		j.enabled = true
	}

	st := view.state
	j.renderProxies = st.RenderProxies
	idx := j.e.world(st.World)
	if idx == nil {
		return wait
	}

	box := octree.Around(st.Eye, float64(pol.CullRadius))
	found := make(map[ObjectID]struct{})
	idx.culled.QueryInto(box, found)
	if st.RenderProxies {
		idx.proxies.QueryInto(box, found)
	}

	touched := map[GroupID]struct{}{}

	for id, visible := range j.decided {
		if _, ok := found[id]; ok {
			continue
		}
		o, ok := j.e.objects.object(id)
		if !ok {
			delete(j.decided, id)
			continue
		}
		if visible {
			j.decide(o, false, st.RenderProxies, out, touched)
		}
		// Out of range and hidden: re-entering is a fresh decision.
		delete(j.decided, id)
	}

	always := float64(pol.AlwaysShowRadius)
	cull := float64(pol.CullRadius)
	for id := range found {
		o, ok := j.e.objects.object(id)
		if !ok {
			continue
		}
		d2 := o.Center().Sub(st.Feet).LenSqr()
		seen := j.decided[id]

		var visible bool
		switch {
		case d2 <= always*always:
			visible = true
		case d2 > cull*cull:
			// The query is a cube, the cull radius a sphere.
			visible = false
		case (seen && j.tick%pol.VisibleInterval == 0) || (!seen && j.tick%pol.HiddenInterval == 0):
			n := countOccluders(st.Eye, o.Center(), pol.MaxOccludingCount, func(p opacity.BlockPos) bool {
				return j.e.cache.IsOccluding(st.World, p)
			})
			visible = n <= pol.MaxOccludingCount
		default:
			continue
		}
		j.decide(o, visible, st.RenderProxies, out, touched)
	}

	// A group is visible if any of its members is.
	for g := range touched {
		grp, members, ok := j.e.objects.group(g)
		if !ok {
			delete(j.groups, g)
			continue
		}
		anyVisible := false
		for _, m := range members {
			if j.decided[m] {
				anyVisible = true
				break
			}
		}
		if prev, ok := j.groups[g]; ok && prev == anyVisible {
			continue
		}
		j.groups[g] = anyVisible
		out.group(g, anyVisible, j.async(grp.AsyncSafe))
	}

	j.tick++
	return wait
}

// decide records a verdict for o and emits the transitions it causes.
// Group-culled objects only mark their groups for re-evaluation.
func (j *job) decide(o Object, visible, proxies bool, out *output, touched map[GroupID]struct{}) {
	prev, known := j.decided[o.ID]
	j.decided[o.ID] = visible
	for _, g := range o.Caps.Groups {
		touched[g] = struct{}{}
	}
	if known && prev == visible {
		return
	}
	async := j.async(o.Caps.AsyncSafe)
	if o.Caps.Culled && !o.Caps.GroupCulled() {
		out.object(o.ID, visible, async)
	}
	if o.Caps.RenderProxy && proxies {
		out.proxy(o.ID, visible, async)
	}
}
