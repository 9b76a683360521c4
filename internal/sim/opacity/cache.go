// Package opacity caches per-voxel "blocks sight" flags, bucketed by world and
// by 16x16 column region. Values expire a while after their last access and
// are also force-invalidated by a periodic sweep, which bounds how long a
// change the engine never heard about can keep a stale answer alive.
package opacity

import (
	"math"
	"sort"
	"sync"
	"time"

	"voxelcull.ai/internal/timeutil"
)

const (
	DefaultTTL             = time.Minute
	DefaultInvalidateShare = 0.1
)

// BlockPos is an integer voxel coordinate.
type BlockPos struct {
	X, Y, Z int
}

// RegionKey identifies a 16x16 column of voxels.
type RegionKey struct {
	CX, CZ int
}

func (p BlockPos) Region() RegionKey {
	return RegionKey{CX: p.X >> 4, CZ: p.Z >> 4}
}

// Source answers opacity questions from live world state. It is only consulted
// on a cache miss.
type Source interface {
	RegionLoaded(world string, key RegionKey) bool
	IsOpaque(world string, p BlockPos) (bool, error)
}

type Config struct {
	// TTL is how long a value survives without being read.
	TTL time.Duration
	// InvalidateShare is the fraction of each world's regions cleared per sweep.
	InvalidateShare float64
}

type Cache struct {
	src   Source
	clock timeutil.Clock
	cfg   Config

	mu     sync.RWMutex
	worlds map[string]*worldCache
}

type worldCache struct {
	mu      sync.RWMutex
	regions map[RegionKey]*region
}

type region struct {
	mu sync.Mutex
	// touched is when the region was created or last invalidated.
	touched time.Time
	cells   map[BlockPos]cell
}

type cell struct {
	opaque   bool
	accessed time.Time
}

func New(src Source, clock timeutil.Clock, cfg Config) *Cache {
	if clock == nil {
		clock = timeutil.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.InvalidateShare <= 0 || cfg.InvalidateShare > 1 {
		cfg.InvalidateShare = DefaultInvalidateShare
	}
	return &Cache{
		src:    src,
		clock:  clock,
		cfg:    cfg,
		worlds: map[string]*worldCache{},
	}
}

// AddWorld opens the namespace for a world. Calling it again is a no-op.
func (c *Cache) AddWorld(world string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.worlds[world]; !ok {
		c.worlds[world] = &worldCache{regions: map[RegionKey]*region{}}
	}
}

func (c *Cache) DropWorld(world string) {
	c.mu.Lock()
	delete(c.worlds, world)
	c.mu.Unlock()
}

func (c *Cache) world(name string) *worldCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worlds[name]
}

// RegionLoaded starts a fresh, empty entry for the region.
func (c *Cache) RegionLoaded(world string, key RegionKey) {
	w := c.world(world)
	if w == nil {
		return
	}
	w.mu.Lock()
	w.regions[key] = c.newRegion()
	w.mu.Unlock()
}

func (c *Cache) RegionUnloaded(world string, key RegionKey) {
	w := c.world(world)
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.regions, key)
	w.mu.Unlock()
}

func (c *Cache) newRegion() *region {
	return &region{touched: c.clock.Now(), cells: map[BlockPos]cell{}}
}

// region returns the entry for key, creating it if the backing region is
// loaded. A nil result means the region is not available.
func (c *Cache) region(world string, key RegionKey) *region {
	w := c.world(world)
	if w == nil {
		return nil
	}
	w.mu.RLock()
	r := w.regions[key]
	w.mu.RUnlock()
	if r != nil {
		return r
	}
	if c.src == nil || !c.src.RegionLoaded(world, key) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if r = w.regions[key]; r == nil {
		r = c.newRegion()
		w.regions[key] = r
	}
	return r
}

// IsOccluding reports whether the voxel at p blocks sight. Unknown worlds,
// unloaded regions and source errors all read as not occluding, and nothing
// is cached for them.
func (c *Cache) IsOccluding(world string, p BlockPos) bool {
	r := c.region(world, p.Region())
	if r == nil {
		return false
	}
	now := c.clock.Now()

	r.mu.Lock()
	if v, ok := r.cells[p]; ok && now.Sub(v.accessed) < c.cfg.TTL {
		v.accessed = now
		r.cells[p] = v
		r.mu.Unlock()
		return v.opaque
	}
	r.mu.Unlock()

	opaque, err := c.src.IsOpaque(world, p)
	if err != nil {
		return false
	}
	r.mu.Lock()
	r.cells[p] = cell{opaque: opaque, accessed: now}
	r.mu.Unlock()
	return opaque
}

// RecordChange stores a known opacity for p, replacing whatever was cached.
func (c *Cache) RecordChange(world string, p BlockPos, opaque bool) {
	r := c.region(world, p.Region())
	if r == nil {
		return
	}
	now := c.clock.Now()
	r.mu.Lock()
	r.cells[p] = cell{opaque: opaque, accessed: now}
	r.mu.Unlock()
}

type SweepStats struct {
	Invalidated int
	Dropped     int
	Expired     int
}

// Sweep clears the configured share of every world's regions, least recently
// invalidated first. Regions whose backing region is gone are dropped instead
// and do not count towards the share.
func (c *Cache) Sweep() SweepStats {
	c.mu.RLock()
	names := make([]string, 0, len(c.worlds))
	for name := range c.worlds {
		names = append(names, name)
	}
	c.mu.RUnlock()

	var st SweepStats
	now := c.clock.Now()
	for _, name := range names {
		w := c.world(name)
		if w == nil {
			continue // unloaded mid-sweep
		}
		type entry struct {
			key RegionKey
			r   *region
			at  time.Time
		}
		w.mu.RLock()
		entries := make([]entry, 0, len(w.regions))
		for k, r := range w.regions {
			r.mu.Lock()
			entries = append(entries, entry{key: k, r: r, at: r.touched})
			r.mu.Unlock()
		}
		w.mu.RUnlock()
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].at.Equal(entries[j].at) {
				return entries[i].at.Before(entries[j].at)
			}
			if entries[i].key.CX != entries[j].key.CX {
				return entries[i].key.CX < entries[j].key.CX
			}
			return entries[i].key.CZ < entries[j].key.CZ
		})

		budget := int(math.Ceil(float64(len(entries)) * c.cfg.InvalidateShare))
		for _, e := range entries {
			if c.src != nil && !c.src.RegionLoaded(name, e.key) {
				w.mu.Lock()
				if w.regions[e.key] == e.r {
					delete(w.regions, e.key)
				}
				w.mu.Unlock()
				st.Dropped++
				continue
			}
			e.r.mu.Lock()
			if budget > 0 {
				e.r.touched = now
				e.r.cells = map[BlockPos]cell{}
				budget--
				st.Invalidated++
			} else {
				for p, v := range e.r.cells {
					if now.Sub(v.accessed) >= c.cfg.TTL {
						delete(e.r.cells, p)
						st.Expired++
					}
				}
			}
			e.r.mu.Unlock()
		}
	}
	return st
}

type Stats struct {
	Worlds  int
	Regions int
	Cells   int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Worlds: len(c.worlds)}
	for _, w := range c.worlds {
		w.mu.RLock()
		st.Regions += len(w.regions)
		for _, r := range w.regions {
			r.mu.Lock()
			st.Cells += len(r.cells)
			r.mu.Unlock()
		}
		w.mu.RUnlock()
	}
	return st
}
