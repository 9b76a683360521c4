package culling

import "sync"

// Batch is a set of visibility decisions for one observer. true means make
// visible, false means cull. Only the latest decision per handle is kept.
type Batch struct {
	Objects map[ObjectID]bool `json:"objects,omitempty"`
	Groups  map[GroupID]bool  `json:"groups,omitempty"`
	Proxies map[ObjectID]bool `json:"proxies,omitempty"`
}

func (b *Batch) Len() int { return len(b.Objects) + len(b.Groups) + len(b.Proxies) }

func (b *Batch) Empty() bool { return b.Len() == 0 }

func (b *Batch) SetObject(id ObjectID, visible bool) {
	if b.Objects == nil {
		b.Objects = map[ObjectID]bool{}
	}
	b.Objects[id] = visible
}

func (b *Batch) SetGroup(id GroupID, visible bool) {
	if b.Groups == nil {
		b.Groups = map[GroupID]bool{}
	}
	b.Groups[id] = visible
}

func (b *Batch) SetProxy(id ObjectID, visible bool) {
	if b.Proxies == nil {
		b.Proxies = map[ObjectID]bool{}
	}
	b.Proxies[id] = visible
}

// merge overwrites b's decisions with o's.
func (b *Batch) merge(o Batch) {
	for id, v := range o.Objects {
		b.SetObject(id, v)
	}
	for id, v := range o.Groups {
		b.SetGroup(id, v)
	}
	for id, v := range o.Proxies {
		b.SetProxy(id, v)
	}
}

// Sink holds decisions that must be applied on the owner loop. Jobs merge
// whole iterations in at once, so a drain never sees half an iteration.
type Sink struct {
	mu      sync.Mutex
	pending map[ObserverID]*pendingOps
}

type pendingOps struct {
	mu    sync.Mutex
	batch Batch
}

func NewSink() *Sink {
	return &Sink{pending: map[ObserverID]*pendingOps{}}
}

func (s *Sink) ops(obs ObserverID) *pendingOps {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[obs]
	if !ok {
		p = &pendingOps{}
		s.pending[obs] = p
	}
	return p
}

// Merge records b for obs, replacing any pending decision for the same
// handle.
func (s *Sink) Merge(obs ObserverID, b Batch) {
	if b.Empty() {
		return
	}
	p := s.ops(obs)
	p.mu.Lock()
	p.batch.merge(b)
	p.mu.Unlock()
}

// Purge forgets everything pending for obs.
func (s *Sink) Purge(obs ObserverID) {
	s.mu.Lock()
	delete(s.pending, obs)
	s.mu.Unlock()
}

// Pending counts decisions waiting for the next drain.
func (s *Sink) Pending() int {
	s.mu.Lock()
	ops := make([]*pendingOps, 0, len(s.pending))
	for _, p := range s.pending {
		ops = append(ops, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range ops {
		p.mu.Lock()
		n += p.batch.Len()
		p.mu.Unlock()
	}
	return n
}

// Drain hands every observer's pending batch to apply and clears it. Batches
// of observers for which connected reports false are dropped. It returns the
// number of decisions applied and dropped.
func (s *Sink) Drain(connected func(ObserverID) bool, apply func(ObserverID, Batch)) (applied, dropped int) {
	s.mu.Lock()
	ids := make([]ObserverID, 0, len(s.pending))
	ops := make([]*pendingOps, 0, len(s.pending))
	for id, p := range s.pending {
		ids = append(ids, id)
		ops = append(ops, p)
	}
	s.mu.Unlock()

	for i, p := range ops {
		p.mu.Lock()
		b := p.batch
		p.batch = Batch{}
		p.mu.Unlock()
		if b.Empty() {
			continue
		}
		if !connected(ids[i]) {
			dropped += b.Len()
			s.Purge(ids[i])
			continue
		}
		apply(ids[i], b)
		applied += b.Len()
	}
	return applied, dropped
}
