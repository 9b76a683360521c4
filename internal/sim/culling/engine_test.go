package culling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"

	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/policy"
	"voxelcull.ai/internal/timeutil"
)

type fakeVoxels struct {
	mu     sync.Mutex
	opaque map[opacity.BlockPos]bool
}

func (f *fakeVoxels) RegionLoaded(string, opacity.RegionKey) bool { return true }

func (f *fakeVoxels) IsOpaque(_ string, p opacity.BlockPos) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opaque[p], nil
}

func (f *fakeVoxels) set(p opacity.BlockPos) {
	f.mu.Lock()
	f.opaque[p] = true
	f.mu.Unlock()
}

type appliedBatch struct {
	obs ObserverID
	b   Batch
}

type recorder struct {
	mu      sync.Mutex
	batches []appliedBatch
}

func (r *recorder) Apply(obs ObserverID, b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, appliedBatch{obs: obs, b: b})
	r.mu.Unlock()
}

func (r *recorder) take() []appliedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.batches
	r.batches = nil
	return out
}

var testPolicy = policy.Policy{
	UpdateInterval:    1,
	HiddenInterval:    2,
	VisibleInterval:   3,
	AlwaysShowRadius:  4,
	CullRadius:        32,
	MaxOccludingCount: 0,
}

const testWorld = "overworld"

type testEnv struct {
	e      *Engine
	voxels *fakeVoxels
	rec    *recorder
	clock  *timeutil.MockClock
}

func newTestEnv(t *testing.T, defaultEnabled bool, mutate func(*Config)) *testEnv {
	t.Helper()
	cat, err := policy.NewCatalog(policy.CatalogConfig{
		Limits:         policy.DefaultLimits(),
		Presets:        []policy.Preset{{Index: 0, ID: "test", Policy: testPolicy}},
		DefaultEnabled: defaultEnabled,
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		voxels: &fakeVoxels{opaque: map[opacity.BlockPos]bool{}},
		rec:    &recorder{},
		clock:  timeutil.NewMockClock(time.Unix(1_700_000_000, 0)),
	}
	env.e, err = New(cfg, cat, env.voxels, env.rec, env.clock, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(env.e.Close)
	env.e.WorldLoaded(testWorld, WorldBounds(0, 0, 256, -64, 320))
	return env
}

// observerAt stands an observer at the origin column, eyes at y=11.62.
func observerAt(x, z float64) ObserverState {
	return ObserverState{
		World:         testWorld,
		Feet:          mgl64.Vec3{x, 10, z},
		Eye:           mgl64.Vec3{x, 11.62, z},
		ViewDistance:  2,
		RenderProxies: true,
	}
}

func block(id ObjectID, x, y, z int, caps Capabilities) Object {
	return Object{ID: id, World: testWorld, Bounds: octree.BlockBox(x, y, z), Caps: caps}
}

func TestJob_HysteresisLimitsTransitions(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 10, 11, 0, Capabilities{Culled: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")

	// A voxel on the sight line flips every tick.
	wall := opacity.BlockPos{X: 5, Y: 11, Z: 0}
	const ticks = 60
	transitions := 0
	for tick := 0; tick < ticks; tick++ {
		env.e.RecordOpacityChange(testWorld, wall, tick%2 == 1)
		if _, ok := j.step(); !ok {
			t.Fatalf("job stopped at tick %d", tick)
		}
		env.e.DrainOnce()
		for _, a := range env.rec.take() {
			transitions += len(a.b.Objects)
		}
	}

	limit := ticks / min(testPolicy.HiddenInterval, testPolicy.VisibleInterval)
	if transitions > limit {
		t.Fatalf("transitions=%d exceed %d", transitions, limit)
	}
	if transitions < 2 {
		t.Fatalf("transitions=%d, expected the object to flip at least once", transitions)
	}
}

func TestJob_GroupCoalescing(t *testing.T) {
	env := newTestEnv(t, true, nil)
	g := env.e.CreateGroup("pipe-mesh", false)
	member := Capabilities{Groups: []GroupID{g}}
	env.e.InsertObject(block(1, 10, 11, 0, member))
	env.e.InsertObject(block(2, 0, 11, 10, member))
	env.e.InsertObject(block(3, -10, 11, 0, member))
	env.voxels.set(opacity.BlockPos{X: 5, Y: 11, Z: 0})
	env.voxels.set(opacity.BlockPos{X: 0, Y: 11, Z: 5})

	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()
	env.e.DrainOnce()

	got := env.rec.take()
	want := []appliedBatch{{obs: "obs", b: Batch{Groups: map[GroupID]bool{g: true}}}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	// The visible member goes behind a wall: the whole group is culled.
	env.voxels.set(opacity.BlockPos{X: -5, Y: 11, Z: 0})
	env.e.cache.RecordChange(testWorld, opacity.BlockPos{X: -5, Y: 11, Z: 0}, true)
	for i := 0; i < testPolicy.VisibleInterval; i++ {
		j.step()
	}
	env.e.DrainOnce()
	got = env.rec.take()
	want = []appliedBatch{{obs: "obs", b: Batch{Groups: map[GroupID]bool{g: false}}}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
}

func TestJob_DistanceBands(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 2, 10, 0, Capabilities{Culled: true}))  // always shown
	env.e.InsertObject(block(2, 30, 10, 30, Capabilities{Culled: true})) // in the query cube, outside the sphere
	// Opaque voxel right next to the near object must not matter.
	env.voxels.set(opacity.BlockPos{X: 1, Y: 11, Z: 0})

	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()
	env.e.DrainOnce()

	got := env.rec.take()
	want := []appliedBatch{{obs: "obs", b: Batch{Objects: map[ObjectID]bool{1: true, 2: false}}}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
}

func TestJob_HidesObjectsLeavingTheQuery(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 2, 10, 0, Capabilities{Culled: true, RenderProxy: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()
	env.e.DrainOnce()
	env.rec.take()

	env.e.UpdateObserver("obs", observerAt(100.5, 100.5))
	j.step()
	env.e.DrainOnce()
	got := env.rec.take()
	want := []appliedBatch{{obs: "obs", b: Batch{
		Objects: map[ObjectID]bool{1: false},
		Proxies: map[ObjectID]bool{1: false},
	}}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
	if len(j.decided) != 0 {
		t.Fatalf("decided=%v, objects out of range should be forgotten", j.decided)
	}

	env.e.UpdateObserver("obs", observerAt(0.5, 0.5))
	j.step()
	env.e.DrainOnce()
	want = []appliedBatch{{obs: "obs", b: Batch{
		Objects: map[ObjectID]bool{1: true},
		Proxies: map[ObjectID]bool{1: true},
	}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("re-entry (-want +got):\n%s", diff)
	}
}

func TestJob_DisabledShowsProxiesInViewDistance(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.e.InsertObject(block(1, 5, 11, 0, Capabilities{RenderProxy: true}))
	env.e.InsertObject(block(2, 40, 11, 0, Capabilities{RenderProxy: true}))
	env.e.InsertObject(block(3, 6, 11, 0, Capabilities{Culled: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")

	wait, ok := j.step()
	if !ok || wait != env.e.ticks(env.e.cfg.DisabledUpdateInterval) {
		t.Fatalf("wait=%v ok=%v", wait, ok)
	}
	env.e.DrainOnce()
	want := []appliedBatch{{obs: "obs", b: Batch{Proxies: map[ObjectID]bool{1: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	env.e.UpdateObserver("obs", observerAt(40.5, 0.5))
	j.step()
	env.e.DrainOnce()
	want = []appliedBatch{{obs: "obs", b: Batch{Proxies: map[ObjectID]bool{1: false, 2: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
}

func TestJob_TurningCullingOffReleasesHidden(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 10, 11, 0, Capabilities{Culled: true}))
	env.voxels.set(opacity.BlockPos{X: 5, Y: 11, Z: 0})
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()
	env.e.DrainOnce()
	want := []appliedBatch{{obs: "obs", b: Batch{Objects: map[ObjectID]bool{1: false}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	if env.e.SetCullingEnabled("obs", false) {
		t.Fatalf("toggle should be off")
	}
	j.step()
	env.e.DrainOnce()
	want = []appliedBatch{{obs: "obs", b: Batch{Objects: map[ObjectID]bool{1: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
}

func TestJob_TurningCullingOffHidesFarProxies(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 20, 11, 0, Capabilities{RenderProxy: true})) // inside the cull radius, outside half the view distance
	env.e.InsertObject(block(2, 5, 11, 0, Capabilities{RenderProxy: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()
	env.e.DrainOnce()
	want := []appliedBatch{{obs: "obs", b: Batch{Proxies: map[ObjectID]bool{1: true, 2: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	env.e.SetCullingEnabled("obs", false)
	j.step()
	env.e.DrainOnce()
	want = []appliedBatch{{obs: "obs", b: Batch{Proxies: map[ObjectID]bool{1: false}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied after toggle (-want +got):\n%s", diff)
	}
}

func TestJob_AsyncSafeAppliedInPlace(t *testing.T) {
	env := newTestEnv(t, true, func(c *Config) { c.ApplyAsyncInPlace = true })
	env.e.InsertObject(block(1, 2, 10, 0, Capabilities{Culled: true, AsyncSafe: true}))
	env.e.InsertObject(block(2, 3, 10, 0, Capabilities{Culled: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	j := newJob(env.e, "obs")
	j.step()

	want := []appliedBatch{{obs: "obs", b: Batch{Objects: map[ObjectID]bool{1: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied before drain (-want +got):\n%s", diff)
	}
	if n := env.e.sink.Pending(); n != 1 {
		t.Fatalf("pending=%d want=1", n)
	}
	env.e.DrainOnce()
	want = []appliedBatch{{obs: "obs", b: Batch{Objects: map[ObjectID]bool{2: true}}}}
	if diff := cmp.Diff(want, env.rec.take(), cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied on drain (-want +got):\n%s", diff)
	}
}

func waitClosed(t *testing.T, done <-chan struct{}, clock *timeutil.MockClock, step time.Duration) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatalf("job did not stop")
		case <-time.After(time.Millisecond):
			clock.Advance(step)
		}
	}
}

func TestJob_StopsWhenObserverDisconnects(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.ObserverConnected("obs", observerAt(0.5, 0.5))
	done := env.e.jobDone("obs")
	if done == nil {
		t.Fatalf("job not started")
	}
	env.e.sink.Merge("obs", Batch{Objects: map[ObjectID]bool{9: true}})

	env.e.ObserverDisconnected("obs")
	waitClosed(t, done, env.clock, env.e.cfg.TickDuration)
	if env.e.sink.Pending() != 0 {
		t.Fatalf("pending decisions survived the disconnect")
	}
	if _, ok := env.e.Policy("obs"); ok {
		t.Fatalf("policy survived the disconnect")
	}
	env.e.ObserverDisconnected("obs") // second call is a no-op
}

func TestJob_DisconnectDuringIterationQueuesNothing(t *testing.T) {
	env := newTestEnv(t, true, func(c *Config) { c.ApplyAsyncInPlace = true })
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.e.renderer = RendererFunc(func(ObserverID, Batch) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	env.e.InsertObject(block(1, 2, 10, 0, Capabilities{Culled: true, AsyncSafe: true}))
	env.e.InsertObject(block(2, 3, 10, 0, Capabilities{Culled: true}))

	env.e.ObserverConnected("obs", observerAt(0.5, 0.5))
	done := env.e.jobDone("obs")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never applied in place")
	}

	// The iteration is stuck in its in-place apply while the observer leaves.
	env.e.ObserverDisconnected("obs")
	close(release)
	waitClosed(t, done, env.clock, env.e.cfg.TickDuration)

	if n := env.e.sink.Pending(); n != 0 {
		t.Fatalf("pending=%d after disconnect", n)
	}
	if m := env.e.Metrics(); m.DroppedOps != 1 {
		t.Fatalf("dropped=%d want=1", m.DroppedOps)
	}
}

func TestJob_StaleSessionCannotQueue(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 2, 10, 0, Capabilities{Culled: true}))
	env.e.register("obs", observerAt(0.5, 0.5))
	old, _ := env.e.observer("obs")

	env.e.ObserverDisconnected("obs")
	env.e.register("obs", observerAt(0.5, 0.5))
	cur, _ := env.e.observer("obs")
	if cur.session == old.session {
		t.Fatalf("reconnect reused session %d", cur.session)
	}

	var out output
	out.object(1, true, false)
	newJob(env.e, "obs").commit(old.session, &out)
	if n := env.e.sink.Pending(); n != 0 {
		t.Fatalf("pending=%d, batch from the previous session was queued", n)
	}
}

func TestJob_StopsWhenObserverVanishes(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.ObserverConnected("obs", observerAt(0.5, 0.5))
	done := env.e.jobDone("obs")

	env.e.mu.Lock()
	delete(env.e.observers, "obs")
	env.e.mu.Unlock()
	waitClosed(t, done, env.clock, env.e.cfg.TickDuration)
}

func TestEngine_PolicyAndToggle(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.register("obs", observerAt(0, 0))

	p, ok := env.e.Policy("obs")
	if !ok || p != testPolicy {
		t.Fatalf("initial policy=%+v ok=%v", p, ok)
	}
	custom := testPolicy
	custom.CullRadius = 10_000
	got, ok := env.e.SetPolicy("obs", custom)
	if !ok || got.CullRadius != policy.DefaultLimits().CullRadius.Max {
		t.Fatalf("SetPolicy=%+v ok=%v", got, ok)
	}
	if _, err := env.e.SetPreset("obs", "missing"); !errors.Is(err, policy.ErrUnknownPreset) {
		t.Fatalf("SetPreset err=%v", err)
	}
	if _, ok := env.e.SetPolicy("ghost", testPolicy); ok {
		t.Fatalf("unknown observer should be ignored")
	}
	if !env.e.CullingEnabled("obs") {
		t.Fatalf("culling should default on")
	}
}

func TestEngine_ObjectLifecycle(t *testing.T) {
	env := newTestEnv(t, true, nil)
	o := block(1, 1, 1, 1, Capabilities{Culled: true, RenderProxy: true})
	if !env.e.InsertObject(o) {
		t.Fatalf("insert failed")
	}
	if env.e.InsertObject(Object{ID: 2, World: "nowhere"}) {
		t.Fatalf("insert into an unloaded world should fail")
	}
	m := env.e.Metrics()
	if m.CulledIndexed != 1 || m.ProxiesIndexed != 1 || m.Objects != 1 {
		t.Fatalf("metrics=%+v", m)
	}

	env.e.WorldBoundsChanged(testWorld, WorldBounds(0, 0, 16, 0, 16))
	if got := env.e.world(testWorld).culled.Len(); got != 1 {
		t.Fatalf("resize lost the object, len=%d", got)
	}

	if !env.e.RemoveObject(1) || env.e.RemoveObject(1) {
		t.Fatalf("remove should succeed once")
	}
	if m := env.e.Metrics(); m.CulledIndexed != 0 || m.ProxiesIndexed != 0 {
		t.Fatalf("metrics after remove=%+v", m)
	}

	env.e.InsertObject(o)
	env.e.WorldUnloaded(testWorld)
	if _, ok := env.e.Object(1); ok {
		t.Fatalf("objects should be dropped with their world")
	}
}

func TestEngine_GroupsAdoptEarlierMembers(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.InsertObject(block(1, 1, 1, 1, Capabilities{Groups: []GroupID{5}}))
	env.e.RestoreGroup(Group{ID: 5, Name: "restored"})
	_, members, ok := env.e.Group(5)
	if !ok {
		t.Fatalf("group 5 missing")
	}
	if diff := cmp.Diff([]ObjectID{1}, members); diff != "" {
		t.Fatalf("restored members (-want +got):\n%s", diff)
	}

	// The next issued id is 6.
	env.e.InsertObject(block(2, 2, 1, 1, Capabilities{Groups: []GroupID{6}}))
	g := env.e.CreateGroup("created", false)
	if g != 6 {
		t.Fatalf("group id=%d want=6", g)
	}
	_, members, _ = env.e.Group(g)
	if diff := cmp.Diff([]ObjectID{2}, members); diff != "" {
		t.Fatalf("created members (-want +got):\n%s", diff)
	}
}

func TestEngine_RunDrainsAndResizesOnOwner(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.e.register("obs", observerAt(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- env.e.Run(ctx) }()
	for !env.e.ownerRunning.Load() {
		time.Sleep(time.Millisecond)
	}

	bounds := WorldBounds(0, 0, 512, -64, 320)
	env.e.WorldBoundsChanged(testWorld, bounds)
	if got := env.e.world(testWorld).culled.Bounds(); got != bounds {
		t.Fatalf("bounds=%v want=%v", got, bounds)
	}

	env.e.sink.Merge("obs", Batch{Groups: map[GroupID]bool{7: true}})
	deadline := time.After(5 * time.Second)
	var got []appliedBatch
	for len(got) == 0 {
		select {
		case <-deadline:
			t.Fatalf("sink never drained")
		case <-time.After(time.Millisecond):
			env.clock.Advance(env.e.cfg.TickDuration)
		}
		got = env.rec.take()
	}
	want := []appliedBatch{{obs: "obs", b: Batch{Groups: map[GroupID]bool{7: true}}}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(appliedBatch{})); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v", err)
	}
}
