package main

import (
	"fmt"

	"voxelcull.ai/internal/protocol"
)

// stats tracks what the bot currently believes is hidden.
type stats struct {
	batches uint64
	lastSeq uint64
	gaps    uint64

	shows, hides uint64
	hidden       map[string]bool
}

func (s *stats) add(v protocol.VisibilityMsg) {
	if s.hidden == nil {
		s.hidden = map[string]bool{}
	}
	s.batches++
	if s.lastSeq != 0 && v.Seq != s.lastSeq+1 {
		s.gaps++
	}
	s.lastSeq = v.Seq
	s.apply("object", v.Objects)
	s.apply("group", v.Groups)
	s.apply("proxy", v.Proxies)
}

func (s *stats) apply(kind string, set *protocol.IDSet) {
	if set == nil {
		return
	}
	for _, id := range set.Show {
		s.shows++
		delete(s.hidden, fmt.Sprintf("%s/%d", kind, id))
	}
	for _, id := range set.Hide {
		s.hides++
		s.hidden[fmt.Sprintf("%s/%d", kind, id)] = true
	}
}

func (s stats) String() string {
	return fmt.Sprintf("batches=%d seq=%d gaps=%d shows=%d hides=%d hidden_now=%d",
		s.batches, s.lastSeq, s.gaps, s.shows, s.hides, len(s.hidden))
}
