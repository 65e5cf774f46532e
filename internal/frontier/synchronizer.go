package frontier

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/internal/subscription"
	"tradecore/pkg/exception"
)

var (
	// ErrEndOfRun is returned once every subscription of a backtest ended.
	ErrEndOfRun = errors.New("frontier: end of run")
	// ErrIdle is returned by a live synchronizer that saw no data for one grace window.
	ErrIdle = errors.New("frontier: idle")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("frontier: closed")
)

type headKey struct {
	time int64
	sub  schema.SubscriptionID
}

func headLess(a, b headKey) bool {
	if a.time != b.time {
		return a.time < b.time
	}
	return a.sub < b.sub
}

type cursor struct {
	sub     schema.Subscription
	adapter source.Adapter

	head    schema.DataPoint
	hasHead bool
	seenAt  time.Time
	ended   bool

	// watermark is the newest point time read from the adapter.
	watermark int64
	last      schema.DataPoint
	hasLast   bool

	// joined cursors were added mid-run and skip points up to startAfter.
	joined     bool
	startAfter int64
	caughtUp   int

	watched <-chan struct{}
	done    chan struct{}
}

func (c *cursor) close() error {
	close(c.done)
	return c.adapter.Close()
}

// Synchronizer merges the streams of every active subscription into
// TimeSlices of non-decreasing time.
type Synchronizer struct {
	cfg      Config
	registry *subscription.Registry
	factory  source.Factory

	cursors map[schema.SubscriptionID]*cursor
	order   []schema.SubscriptionID
	heads   *btree.BTreeG[headKey]
	late    []schema.DataPoint

	frontier int64
	emitted  bool
	pending  error
	closed   bool

	wake     chan struct{}
	watchers sync.WaitGroup
}

// New builds a synchronizer. Subscriptions already staged in the registry
// are opened by the first Next.
func New(cfg Config, registry *subscription.Registry, factory source.Factory) (*Synchronizer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil || factory == nil {
		return nil, exception.ErrInvalidArgument
	}
	return &Synchronizer{
		cfg:      cfg,
		registry: registry,
		factory:  factory,
		cursors:  make(map[schema.SubscriptionID]*cursor),
		heads:    btree.NewBTreeG(headLess),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Frontier returns the time of the last emitted slice.
func (s *Synchronizer) Frontier() int64 {
	return s.frontier
}

// Active returns the number of open subscription cursors.
func (s *Synchronizer) Active() int {
	return len(s.cursors)
}

// Next blocks until the next TimeSlice is ready. Every slice is later than
// the one before it. In live mode a point at or behind the frontier is late:
// it is held and delivered with the next slice that advances the frontier,
// and dropped if the run ends first.
func (s *Synchronizer) Next(ctx context.Context) (schema.TimeSlice, error) {
	if s.closed {
		return schema.TimeSlice{}, ErrClosed
	}
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		return schema.TimeSlice{}, err
	}
	if err := s.commit(ctx); err != nil {
		return schema.TimeSlice{}, err
	}

	start := s.cfg.Clock.Now()
	var idleDeadline time.Time
	for {
		if err := ctx.Err(); err != nil {
			return schema.TimeSlice{}, err
		}
		if err := s.poll(); err != nil {
			return schema.TimeSlice{}, err
		}

		first, ok := s.heads.Min()
		if !ok {
			if s.allEnded() {
				if len(s.late) > 0 {
					logs.Warnf("frontier: dropped %d late points at end of run", len(s.late))
					s.late = nil
				}
				return schema.TimeSlice{}, ErrEndOfRun
			}
			if s.cfg.Mode == ModeLive {
				if idleDeadline.IsZero() {
					idleDeadline = s.cfg.Clock.Now().Add(s.cfg.GraceWindow)
				}
				more, err := s.wait(ctx, idleDeadline)
				if err != nil {
					return schema.TimeSlice{}, err
				}
				if !more {
					return schema.TimeSlice{}, ErrIdle
				}
				continue
			}
			if _, err := s.wait(ctx, time.Time{}); err != nil {
				return schema.TimeSlice{}, err
			}
			continue
		}

		if ok && s.lagging(first.time) {
			var deadline time.Time
			if s.cfg.Mode == ModeLive {
				deadline = s.cursors[first.sub].seenAt.Add(s.cfg.GraceWindow)
			}
			more, err := s.wait(ctx, deadline)
			if err != nil {
				return schema.TimeSlice{}, err
			}
			if more {
				continue
			}
		}
		s.cfg.Metrics.ObserveSliceWait(s.cfg.Clock.Now().Sub(start))
		return s.emit(), nil
	}
}

func (s *Synchronizer) commit(ctx context.Context) error {
	added, removed := s.registry.Commit()
	for _, sub := range removed {
		c, ok := s.cursors[sub.ID]
		if !ok {
			continue
		}
		if c.hasHead {
			s.heads.Delete(headKey{time: c.head.Time, sub: sub.ID})
		}
		if err := c.close(); err != nil {
			logs.Errorf("frontier: close subscription %d: %+v", sub.ID, err)
		}
		delete(s.cursors, sub.ID)
		s.order = slices.DeleteFunc(s.order, func(id schema.SubscriptionID) bool { return id == sub.ID })
		s.late = slices.DeleteFunc(s.late, func(p schema.DataPoint) bool { return p.Subscription == sub.ID })
	}
	for _, sub := range added {
		adapter, err := s.factory.Open(ctx, sub)
		if err != nil {
			return openFailed(err, sub)
		}
		s.cursors[sub.ID] = &cursor{
			sub:        sub,
			adapter:    adapter,
			joined:     s.emitted,
			startAfter: s.frontier,
			done:       make(chan struct{}),
		}
		idx, _ := slices.BinarySearch(s.order, sub.ID)
		s.order = slices.Insert(s.order, idx, sub.ID)
	}
	return nil
}

func (s *Synchronizer) poll() error {
	for _, id := range s.order {
		if err := s.fill(s.cursors[id]); err != nil {
			return err
		}
	}
	return nil
}

// fill reads from the adapter until the cursor holds a head, ends, or the
// adapter has nothing ready.
func (s *Synchronizer) fill(c *cursor) error {
	corrupt := 0
	for !c.hasHead && !c.ended {
		p, err := c.adapter.Next()
		switch {
		case err == nil:
			corrupt = 0
			if p.Time > c.watermark {
				c.watermark = p.Time
			}
			if s.cfg.Mode == ModeBacktest && c.joined && p.Time <= c.startAfter {
				c.caughtUp++
				continue
			}
			if s.cfg.Mode == ModeLive && s.emitted && p.Time <= s.frontier {
				s.late = append(s.late, p)
				s.cfg.Metrics.IncLatePoint()
				continue
			}
			c.head, c.hasHead = p, true
			c.seenAt = s.cfg.Clock.Now()
			s.heads.Set(headKey{time: p.Time, sub: c.sub.ID})
		case errors.Is(err, source.ErrNotReady):
			return nil
		case errors.Is(err, source.ErrEndOfStream):
			c.ended = true
			if c.caughtUp > 0 {
				logs.Infof("frontier: subscription %d skipped %d points behind the frontier", c.sub.ID, c.caughtUp)
			}
		case errors.Is(err, exception.ErrCorruptRecord):
			if s.cfg.CorruptPolicy == CorruptFail {
				return fatalCorrupt(err, c.sub.ID)
			}
			corrupt++
			s.cfg.Metrics.IncCorruptSkip()
			logs.Errorf("frontier: skip corrupt record of subscription %d: %+v", c.sub.ID, err)
			if s.cfg.MaxCorruptRun > 0 && corrupt > s.cfg.MaxCorruptRun {
				return corruptRunExceeded(c.sub.ID, corrupt)
			}
		default:
			return err
		}
	}
	return nil
}

func (s *Synchronizer) allEnded() bool {
	for _, c := range s.cursors {
		if !c.ended || c.hasHead {
			return false
		}
	}
	return true
}

// lagging reports whether a cursor without a buffered point could still
// produce one at or before t.
func (s *Synchronizer) lagging(t int64) bool {
	for _, c := range s.cursors {
		if c.ended || c.hasHead {
			continue
		}
		if s.cfg.Mode == ModeBacktest || c.watermark < t {
			return true
		}
	}
	return false
}

// wait sleeps until an adapter signals readiness, the poll interval passes,
// or the deadline is reached. It returns false once the deadline has passed.
func (s *Synchronizer) wait(ctx context.Context, deadline time.Time) (bool, error) {
	step := s.cfg.PollInterval
	if !deadline.IsZero() {
		remaining := deadline.Sub(s.cfg.Clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		step = min(step, remaining)
	}
	s.watch()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.wake:
	case <-s.cfg.Clock.After(step):
	}
	return true, nil
}

// watch forwards readiness signals of notifying adapters into s.wake.
func (s *Synchronizer) watch() {
	for _, c := range s.cursors {
		n, ok := c.adapter.(source.Notifier)
		if !ok {
			continue
		}
		ready := n.Ready()
		if ready == nil || ready == c.watched {
			continue
		}
		c.watched = ready
		s.watchers.Add(1)
		go func(done <-chan struct{}) {
			defer s.watchers.Done()
			for {
				select {
				case <-done:
					return
				case <-ready:
					select {
					case s.wake <- struct{}{}:
					default:
					}
				}
			}
		}(c.done)
	}
}

func (s *Synchronizer) emit() schema.TimeSlice {
	t := s.frontier
	if first, ok := s.heads.Min(); ok && first.time > t {
		t = first.time
	}

	points := s.late
	s.late = nil
	present := make(map[schema.SubscriptionID]struct{}, len(s.cursors))
	for _, p := range points {
		present[p.Subscription] = struct{}{}
	}

	for {
		first, ok := s.heads.Min()
		if !ok || first.time > t {
			break
		}
		s.heads.Delete(first)
		c := s.cursors[first.sub]
		points = append(points, c.head)
		present[c.sub.ID] = struct{}{}
		c.last, c.hasLast = c.head, true
		c.head, c.hasHead = schema.DataPoint{}, false

		// points of the same subscription sharing t join this slice
		if err := s.fill(c); err != nil && s.pending == nil {
			s.pending = err
		}
	}

	for _, id := range s.order {
		c := s.cursors[id]
		if _, ok := present[id]; ok || !c.sub.FillForward || !c.hasLast {
			continue
		}
		period := int64(c.sub.Resolution.Duration())
		if period <= 0 || t-c.last.Time < period {
			continue
		}
		if !c.sub.InSession(time.Unix(0, t)) {
			continue
		}
		cp := c.last
		cp.FillForward = true
		points = append(points, cp)
	}

	slices.SortStableFunc(points, func(a, b schema.DataPoint) int {
		if c := cmp.Compare(a.Subscription, b.Subscription); c != 0 {
			return c
		}
		return cmp.Compare(a.Time, b.Time)
	})

	s.frontier = t
	s.emitted = true
	slice := schema.TimeSlice{Time: t, Points: points}
	s.cfg.Metrics.ObserveSlice(slice)
	return slice
}

// Close releases every adapter.
func (s *Synchronizer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, id := range s.order {
		if err := s.cursors[id].close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.watchers.Wait()
	s.cursors = map[schema.SubscriptionID]*cursor{}
	s.order = nil
	s.heads = btree.NewBTreeG(headLess)
	return errors.Join(errs...)
}
