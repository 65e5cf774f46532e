package obs

import (
	"sync/atomic"
	"time"
)

// Latency aggregates duration samples without locking.
type Latency struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe ignores negative durations.
func (l *Latency) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	v := uint64(d)
	// min holds v+1 so that zero means unset
	lowerTo(&l.min, v+1)
	raiseTo(&l.max, v)
	l.sum.Add(v)
	l.count.Add(1)
}

func (l *Latency) Snapshot() LatencySnapshot {
	n := l.count.Load()
	if n == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: n,
		Min:   time.Duration(l.min.Load() - 1),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / n),
	}
}

func lowerTo(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if cur != 0 && cur <= v {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func raiseTo(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if cur >= v {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}
