// Package culling decides, per observer, which world objects should be shown.
//
// Every connected observer gets a background job that queries the per-world
// octrees around it, ray-marches occlusion through the opacity cache and
// pushes visibility transitions into a Sink. The owner loop (Engine.Run)
// drains the sink on a fixed cadence and is the only place the Renderer is
// called from, except for objects that declare themselves async-safe.
package culling

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/policy"
	"voxelcull.ai/internal/timeutil"
)

type Config struct {
	// Enabled false turns the engine into a no-op: nothing is indexed and no
	// jobs run.
	Enabled      bool
	TickDuration time.Duration

	// Cadences, in ticks.
	SyncApplyInterval      int
	DisabledUpdateInterval int
	SweepInterval          int

	// ApplyAsyncInPlace lets jobs apply decisions for async-safe objects and
	// groups directly instead of going through the sink.
	ApplyAsyncInPlace bool

	OctreeMaxDepth   int
	OctreeMaxEntries int

	Cache opacity.Config
}

func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		TickDuration:           50 * time.Millisecond,
		SyncApplyInterval:      1,
		DisabledUpdateInterval: 20,
		SweepInterval:          100,
		ApplyAsyncInPlace:      true,
		OctreeMaxDepth:         octree.DefaultMaxDepth,
		OctreeMaxEntries:       octree.DefaultMaxEntries,
		Cache: opacity.Config{
			TTL:             opacity.DefaultTTL,
			InvalidateShare: opacity.DefaultInvalidateShare,
		},
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.TickDuration <= 0 {
		c.TickDuration = d.TickDuration
	}
	if c.SyncApplyInterval <= 0 {
		c.SyncApplyInterval = d.SyncApplyInterval
	}
	if c.DisabledUpdateInterval <= 0 {
		c.DisabledUpdateInterval = d.DisabledUpdateInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.OctreeMaxDepth <= 0 {
		c.OctreeMaxDepth = d.OctreeMaxDepth
	}
	if c.OctreeMaxEntries <= 0 {
		c.OctreeMaxEntries = d.OctreeMaxEntries
	}
	return c
}

// Renderer performs the visibility side effects. Apply is called from the
// owner loop, and from job goroutines for async-safe handles only.
type Renderer interface {
	Apply(obs ObserverID, b Batch)
}

type RendererFunc func(ObserverID, Batch)

func (f RendererFunc) Apply(obs ObserverID, b Batch) { f(obs, b) }

// PolicyStore persists per-observer settings. Nil results mean nothing has
// been saved yet.
type PolicyStore interface {
	LoadObserver(obs ObserverID) (*policy.Policy, *bool, error)
	SavePolicy(obs ObserverID, p policy.Policy) error
	SaveCullingEnabled(obs ObserverID, enabled bool) error
}

type DecisionLogger interface {
	WriteDecision(entry DecisionLogEntry) error
}

// DecisionLogEntry records one applied batch.
type DecisionLogEntry struct {
	Time     time.Time  `json:"time"`
	Observer ObserverID `json:"observer"`
	Async    bool       `json:"async,omitempty"`
	Batch    Batch      `json:"batch"`
}

// ObserverState is the latest pose the host reported for an observer.
type ObserverState struct {
	World string     `json:"world"`
	Feet  mgl64.Vec3 `json:"feet"`
	Eye   mgl64.Vec3 `json:"eye"`
	// ViewDistance is the render distance in 16-block columns.
	ViewDistance int `json:"view_distance"`
	// RenderProxies is whether this observer is shown render proxies at all.
	RenderProxies bool `json:"render_proxies"`
}

type observerEntry struct {
	// session tells a reconnect apart from the connection it replaced.
	session   uint64
	state     ObserverState
	policy    policy.Policy
	cullingOn bool

	cancel context.CancelFunc
	done   chan struct{}
}

type worldIndex struct {
	culled  *octree.Octree[ObjectID]
	proxies *octree.Octree[ObjectID]
}

type Engine struct {
	cfg      Config
	catalog  *policy.Catalog
	renderer Renderer
	clock    timeutil.Clock
	logger   *log.Logger

	objects *registry
	cache   *opacity.Cache
	sink    *Sink

	// Optional (may be nil).
	store     PolicyStore
	decisions DecisionLogger

	mu        sync.RWMutex
	worlds    map[string]*worldIndex
	observers map[ObserverID]*observerEntry
	sessions  uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	jobs       sync.WaitGroup

	owner        chan func()
	ownerRunning atomic.Bool

	stats engineStats
}

type engineStats struct {
	iterations   atomic.Int64
	decisions    atomic.Int64
	asyncApplied atomic.Int64
	drained      atomic.Int64
	dropped      atomic.Int64
	sweeps       atomic.Int64
	invalidated  atomic.Int64
	logErrors    atomic.Int64
}

// New builds an engine. source answers raw voxel opacity on cache misses;
// renderer receives the decisions. A nil clock means wall-clock time and a
// nil logger discards output.
func New(cfg Config, catalog *policy.Catalog, source opacity.Source, renderer Renderer, clock timeutil.Clock, logger *log.Logger) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("culling: nil policy catalog")
	}
	if renderer == nil {
		return nil, fmt.Errorf("culling: nil renderer")
	}
	if clock == nil {
		clock = timeutil.Real()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		catalog:    catalog,
		renderer:   renderer,
		clock:      clock,
		logger:     logger,
		objects:    newRegistry(),
		cache:      opacity.New(source, clock, cfg.Cache),
		sink:       NewSink(),
		worlds:     map[string]*worldIndex{},
		observers:  map[ObserverID]*observerEntry{},
		baseCtx:    ctx,
		baseCancel: cancel,
		owner:      make(chan func(), 64),
	}, nil
}

func (e *Engine) SetPolicyStore(s PolicyStore)       { e.store = s }
func (e *Engine) SetDecisionLogger(l DecisionLogger) { e.decisions = l }

func (e *Engine) Catalog() *policy.Catalog { return e.catalog }

func (e *Engine) ticks(n int) time.Duration {
	return time.Duration(n) * e.cfg.TickDuration
}

// Run is the owner loop: it drains the sink every SyncApplyInterval ticks and
// executes owner-only work such as octree resizes. A sweep of the opacity
// cache runs alongside it. Run returns when ctx is done, after stopping every
// job.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ownerRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("culling: owner loop already running")
	}
	defer e.ownerRunning.Store(false)
	defer e.Close()

	ticker := e.clock.NewTicker(e.ticks(e.cfg.SyncApplyInterval))
	defer ticker.Stop()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		e.runSweep(ctx)
	}()
	defer func() { <-sweepDone }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.owner:
			fn()
		case <-ticker.C():
			e.DrainOnce()
		}
	}
}

func (e *Engine) runSweep(ctx context.Context) {
	ticker := e.clock.NewTicker(e.ticks(e.cfg.SweepInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.SweepOnce()
		}
	}
}

// SweepOnce runs one opacity cache sweep.
func (e *Engine) SweepOnce() opacity.SweepStats {
	st := e.cache.Sweep()
	e.stats.sweeps.Add(1)
	e.stats.invalidated.Add(int64(st.Invalidated))
	if st.Dropped > 0 {
		e.logger.Printf("opacity sweep: invalidated=%d dropped=%d expired=%d", st.Invalidated, st.Dropped, st.Expired)
	}
	return st
}

// DrainOnce applies every pending decision through the renderer. It must only
// be called from the goroutine that owns the renderer. It returns how many
// decisions were applied.
func (e *Engine) DrainOnce() int {
	now := e.clock.Now()
	applied, dropped := e.sink.Drain(e.connected, func(obs ObserverID, b Batch) {
		e.renderer.Apply(obs, b)
		e.logDecision(DecisionLogEntry{Time: now, Observer: obs, Batch: b})
	})
	e.stats.drained.Add(int64(applied))
	e.stats.dropped.Add(int64(dropped))
	return applied
}

func (e *Engine) logDecision(entry DecisionLogEntry) {
	if e.decisions == nil {
		return
	}
	if err := e.decisions.WriteDecision(entry); err != nil {
		e.stats.logErrors.Add(1)
	}
}

// onOwner runs fn on the owner loop and waits for it. Without a running loop
// the caller is the owner and fn runs inline.
func (e *Engine) onOwner(fn func()) {
	if !e.ownerRunning.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case e.owner <- func() { fn(); close(done) }:
	case <-e.baseCtx.Done():
		return
	}
	select {
	case <-done:
	case <-e.baseCtx.Done():
	}
}

// Close stops every job and waits for them to exit.
func (e *Engine) Close() {
	e.baseCancel()
	e.jobs.Wait()
}

func (e *Engine) connected(obs ObserverID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.observers[obs]
	return ok
}

func (e *Engine) world(name string) *worldIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.worlds[name]
}

type Metrics struct {
	Observers       int   `json:"observers"`
	Worlds          int   `json:"worlds"`
	Objects         int   `json:"objects"`
	Groups          int   `json:"groups"`
	CulledIndexed   int   `json:"culled_indexed"`
	ProxiesIndexed  int   `json:"proxies_indexed"`
	CacheRegions    int   `json:"cache_regions"`
	CacheCells      int   `json:"cache_cells"`
	PendingOps      int   `json:"pending_ops"`
	JobIterations   int64 `json:"job_iterations"`
	Decisions       int64 `json:"decisions"`
	AsyncApplied    int64 `json:"async_applied"`
	DrainedOps      int64 `json:"drained_ops"`
	DroppedOps      int64 `json:"dropped_ops"`
	Sweeps          int64 `json:"sweeps"`
	InvalidatedRegs int64 `json:"invalidated_regions"`
	LogErrors       int64 `json:"log_errors"`
}

func (e *Engine) Metrics() Metrics {
	var m Metrics
	e.mu.RLock()
	m.Observers = len(e.observers)
	m.Worlds = len(e.worlds)
	for _, w := range e.worlds {
		m.CulledIndexed += w.culled.Len()
		m.ProxiesIndexed += w.proxies.Len()
	}
	e.mu.RUnlock()

	m.Objects, m.Groups = e.objects.counts()
	cs := e.cache.Stats()
	m.CacheRegions, m.CacheCells = cs.Regions, cs.Cells
	m.PendingOps = e.sink.Pending()
	m.JobIterations = e.stats.iterations.Load()
	m.Decisions = e.stats.decisions.Load()
	m.AsyncApplied = e.stats.asyncApplied.Load()
	m.DrainedOps = e.stats.drained.Load()
	m.DroppedOps = e.stats.dropped.Load()
	m.Sweeps = e.stats.sweeps.Load()
	m.InvalidatedRegs = e.stats.invalidated.Load()
	m.LogErrors = e.stats.logErrors.Load()
	return m
}
