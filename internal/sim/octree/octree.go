// Package octree is a concurrent, incrementally updated octree mapping bounding
// boxes to comparable handles.
//
// Readers never take locks on nodes: each node publishes its entry set as an
// immutable snapshot that writers replace (copy-on-write). Writers serialise
// per node. Resize and Clear are the only operations that exclude everything
// else.
package octree

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	DefaultMaxDepth   = 16
	DefaultMaxEntries = 128
)

type Option func(*config)

type config struct {
	maxDepth        int
	maxEntries      int
	keepOutOfBounds bool
}

// WithMaxDepth caps how many times a leaf may be split.
func WithMaxDepth(n int) Option { return func(c *config) { c.maxDepth = n } }

// WithMaxEntries sets how many entries a leaf holds before it is split.
func WithMaxEntries(n int) Option { return func(c *config) { c.maxEntries = n } }

// WithOutOfBounds keeps entries that lie entirely outside the root volume in a
// side set instead of rejecting them, so a later Resize can pick them up.
func WithOutOfBounds() Option { return func(c *config) { c.keepOutOfBounds = true } }

// Octree indexes values of T by the box returned from boundsOf. The box of a
// value must not change while it is stored; remove and re-insert instead.
type Octree[T comparable] struct {
	boundsOf func(T) Box
	cfg      config

	// mu is held shared by Insert/Remove/Query and exclusively by Resize/Clear.
	mu   sync.RWMutex
	root *node[T]

	oobMu sync.Mutex
	oob   cowSet[T]
}

func New[T comparable](bounds Box, boundsOf func(T) Box, opts ...Option) *Octree[T] {
	if boundsOf == nil {
		panic("octree: nil boundsOf")
	}
	cfg := config{maxDepth: DefaultMaxDepth, maxEntries: DefaultMaxEntries}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxEntries < 1 || cfg.maxDepth < 0 {
		panic(fmt.Sprintf("octree: bad limits max_entries=%d max_depth=%d", cfg.maxEntries, cfg.maxDepth))
	}
	return &Octree[T]{
		boundsOf: boundsOf,
		cfg:      cfg,
		root:     newNode[T](bounds, 0),
	}
}

func (t *Octree[T]) Bounds() Box {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.bounds
}

// Insert stores v. It returns false only when v lies outside the root volume
// and out-of-bounds entries are not kept.
func (t *Octree[T]) Insert(v T) bool {
	b := t.boundsOf(v)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.insertLocked(v, b)
}

func (t *Octree[T]) insertLocked(v T, b Box) bool {
	if !t.root.bounds.Overlaps(b) {
		if !t.cfg.keepOutOfBounds {
			return false
		}
		t.oobMu.Lock()
		t.oob.add(v, b)
		t.oobMu.Unlock()
		return true
	}
	t.root.insert(v, b, &t.cfg)
	return true
}

// Remove deletes v and reports whether it was stored.
func (t *Octree[T]) Remove(v T) bool {
	b := t.boundsOf(v)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.root.bounds.Overlaps(b) {
		if !t.cfg.keepOutOfBounds {
			return false
		}
		t.oobMu.Lock()
		defer t.oobMu.Unlock()
		return t.oob.remove(v)
	}

	// An entry lives in the deepest node whose volume contains its box, so
	// only the chain of containing nodes has to be searched.
	for n := t.root; n != nil; {
		n.mu.Lock()
		removed := n.entries.remove(v)
		kids := n.children.Load()
		n.mu.Unlock()
		if removed {
			return true
		}
		if kids == nil {
			return false
		}
		n = kids.containing(b)
	}
	return false
}

// Query returns every stored value whose box overlaps r.
func (t *Octree[T]) Query(r Box) map[T]struct{} {
	out := make(map[T]struct{})
	t.QueryInto(r, out)
	return out
}

// QueryInto adds every stored value whose box overlaps r to dst.
func (t *Octree[T]) QueryInto(r Box, dst map[T]struct{}) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for v, b := range t.oob.load() {
		if r.Overlaps(b) {
			dst[v] = struct{}{}
		}
	}

	// Root entries may extend past the root volume, so the root is always
	// scanned. Deeper entries are contained by their node.
	stack := []*node[T]{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.depth > 0 && !n.bounds.Overlaps(r) {
			continue
		}
		// Entries before children: a concurrent split publishes children
		// first, so this order never misses a moved entry.
		for v, b := range n.entries.load() {
			if r.Overlaps(b) {
				dst[v] = struct{}{}
			}
		}
		if kids := n.children.Load(); kids != nil {
			stack = append(stack, kids[:]...)
		}
	}
}

// Resize replaces the root volume and re-inserts every stored value,
// including out-of-bounds ones. It returns how many values were dropped
// because they no longer fit and out-of-bounds entries are not kept.
func (t *Octree[T]) Resize(bounds Box) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root.bounds == bounds {
		return 0
	}

	all := t.collectLocked()
	t.root = newNode[T](bounds, 0)
	t.oob.replace(nil)

	dropped := 0
	for v, b := range all {
		if !t.insertLocked(v, b) {
			dropped++
		}
	}
	return dropped
}

// Clear removes every value but keeps the bounds and limits.
func (t *Octree[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newNode[T](t.root.bounds, 0)
	t.oob.replace(nil)
}

// Len counts stored values, out-of-bounds ones included.
func (t *Octree[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.oob.load())
	t.walk(func(nd *node[T]) { n += len(nd.entries.load()) })
	return n
}

// All returns every stored value, out-of-bounds ones included.
func (t *Octree[T]) All() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := t.collectLocked()
	out := make([]T, 0, len(all))
	for v := range all {
		out = append(out, v)
	}
	return out
}

// MaxDepth is the depth of the deepest node.
func (t *Octree[T]) MaxDepth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := 0
	t.walk(func(nd *node[T]) { d = max(d, nd.depth) })
	return d
}

func (t *Octree[T]) collectLocked() map[T]Box {
	all := make(map[T]Box)
	for v, b := range t.oob.load() {
		all[v] = b
	}
	t.walk(func(nd *node[T]) {
		for v, b := range nd.entries.load() {
			all[v] = b
		}
	})
	return all
}

func (t *Octree[T]) walk(fn func(*node[T])) {
	stack := []*node[T]{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		if kids := n.children.Load(); kids != nil {
			stack = append(stack, kids[:]...)
		}
	}
}

type children[T comparable] [8]*node[T]

// containing returns the child whose volume fully contains b, or nil when b
// straddles several children.
func (c *children[T]) containing(b Box) *node[T] {
	for _, k := range c {
		if k.bounds.Contains(b) {
			return k
		}
	}
	return nil
}

type node[T comparable] struct {
	bounds Box
	depth  int

	mu       sync.Mutex // serialises writers of entries and children
	entries  cowSet[T]
	children atomic.Pointer[children[T]]
}

func newNode[T comparable](bounds Box, depth int) *node[T] {
	return &node[T]{bounds: bounds, depth: depth}
}

func (n *node[T]) insert(v T, b Box, cfg *config) {
	for {
		n.mu.Lock()
		kids := n.children.Load()
		if kids == nil {
			if len(n.entries.load()) < cfg.maxEntries || n.depth >= cfg.maxDepth {
				n.entries.add(v, b)
				n.mu.Unlock()
				return
			}
			kids = n.splitLocked()
		}
		child := kids.containing(b)
		if child == nil {
			n.entries.add(v, b)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		n = child
	}
}

// splitLocked turns a full leaf into an internal node. Entries that fit in a
// single child move down; the rest stay.
func (n *node[T]) splitLocked() *children[T] {
	var kids children[T]
	moved := make([]map[T]Box, 8)
	for i := range kids {
		kids[i] = newNode[T](n.bounds.octant(i), n.depth+1)
		moved[i] = make(map[T]Box)
	}
	keep := make(map[T]Box)
	for v, b := range n.entries.load() {
		placed := false
		for i, k := range kids {
			if k.bounds.Contains(b) {
				moved[i][v] = b
				placed = true
				break
			}
		}
		if !placed {
			keep[v] = b
		}
	}
	for i, k := range kids {
		k.entries.replace(moved[i])
	}
	n.children.Store(&kids)
	n.entries.replace(keep)
	return &kids
}

// cowSet is an immutable map snapshot swapped atomically on every write.
// Writers must be serialised by the owner.
type cowSet[T comparable] struct {
	p atomic.Pointer[map[T]Box]
}

func (s *cowSet[T]) load() map[T]Box {
	if p := s.p.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *cowSet[T]) add(v T, b Box) {
	old := s.load()
	next := make(map[T]Box, len(old)+1)
	for k, bb := range old {
		next[k] = bb
	}
	next[v] = b
	s.p.Store(&next)
}

func (s *cowSet[T]) remove(v T) bool {
	old := s.load()
	if _, ok := old[v]; !ok {
		return false
	}
	next := make(map[T]Box, len(old))
	for k, bb := range old {
		if k != v {
			next[k] = bb
		}
	}
	s.p.Store(&next)
	return true
}

func (s *cowSet[T]) replace(m map[T]Box) {
	if m == nil {
		s.p.Store(nil)
		return
	}
	s.p.Store(&m)
}
