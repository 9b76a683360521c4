package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	persistlog "voxelcull.ai/internal/persistence/log"
	"voxelcull.ai/internal/sim/culling"
)

type filter struct {
	observer culling.ObserverID
	since    time.Time
}

func (f filter) keep(e culling.DecisionLogEntry) bool {
	if f.observer != "" && e.Observer != f.observer {
		return false
	}
	return f.since.IsZero() || !e.Time.Before(f.since)
}

type handle struct {
	kind string
	id   uint64
}

// observerReplay rebuilds what one observer was told. A transition to the
// state the observer already had is counted as redundant.
type observerReplay struct {
	Batches   int
	Async     int
	Shows     int
	Hides     int
	Redundant int
	First     time.Time
	Last      time.Time

	state map[handle]bool
}

func (o *observerReplay) apply(kind string, m map[uint64]bool) {
	for id, visible := range m {
		h := handle{kind: kind, id: id}
		if prev, ok := o.state[h]; ok && prev == visible {
			o.Redundant++
		}
		o.state[h] = visible
		if visible {
			o.Shows++
		} else {
			o.Hides++
		}
	}
}

func (o *observerReplay) hidden() int {
	n := 0
	for _, v := range o.state {
		if !v {
			n++
		}
	}
	return n
}

type report struct {
	Entries   int
	Observers map[culling.ObserverID]*observerReplay
}

func replay(files []string, f filter) (*report, error) {
	rep := &report{Observers: map[culling.ObserverID]*observerReplay{}}
	for _, path := range files {
		err := persistlog.ReadDecisions(path, func(e culling.DecisionLogEntry) error {
			if !f.keep(e) {
				return nil
			}
			rep.Entries++
			o := rep.Observers[e.Observer]
			if o == nil {
				o = &observerReplay{First: e.Time, state: map[handle]bool{}}
				rep.Observers[e.Observer] = o
			}
			o.Batches++
			if e.Async {
				o.Async++
			}
			o.Last = e.Time
			o.apply("object", asUint64(e.Batch.Objects))
			o.apply("group", asUint64(e.Batch.Groups))
			o.apply("proxy", asUint64(e.Batch.Proxies))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func asUint64[K ~uint64](m map[K]bool) map[uint64]bool {
	out := make(map[uint64]bool, len(m))
	for k, v := range m {
		out[uint64(k)] = v
	}
	return out
}

func (r *report) redundant() int {
	n := 0
	for _, o := range r.Observers {
		n += o.Redundant
	}
	return n
}

func (r *report) print(w io.Writer) {
	ids := make([]string, 0, len(r.Observers))
	for id := range r.Observers {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := r.Observers[culling.ObserverID(id)]
		fmt.Fprintf(w, "observer=%s batches=%d async=%d shows=%d hides=%d hidden_now=%d redundant=%d span=%s\n",
			id, o.Batches, o.Async, o.Shows, o.Hides, o.hidden(), o.Redundant, o.Last.Sub(o.First))
	}
	fmt.Fprintf(w, "replay ok: entries=%d observers=%d redundant=%d\n", r.Entries, len(r.Observers), r.redundant())
}
