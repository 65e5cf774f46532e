package obs

import (
	"sync/atomic"
	"time"
)

// Sequence numbers journal records. Numbers are unique and increasing for the
// lifetime of the process; seeding from the wall clock keeps them increasing
// across restarts too.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence starts after seed. Zero seeds from the wall clock.
func NewSequence(seed uint64) *Sequence {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	s := &Sequence{}
	s.n.Store(seed)
	return s
}

// Next is zero on a nil Sequence.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return s.n.Add(1)
}

// Last returns the latest number handed out, or the seed.
func (s *Sequence) Last() uint64 {
	if s == nil {
		return 0
	}
	return s.n.Load()
}
