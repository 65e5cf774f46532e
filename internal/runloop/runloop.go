package runloop

import (
	"context"
	stderrors "errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/frontier"
	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Phase is the lifecycle state of a run.
type Phase uint32

const (
	PhaseInitializing Phase = iota
	PhaseWarmingUp
	PhaseLive
	PhaseReplaying
	PhaseStopping
	PhaseStopped
	PhaseFaulted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseWarmingUp:
		return "warming_up"
	case PhaseLive:
		return "live"
	case PhaseReplaying:
		return "replaying"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a run.
type Stats struct {
	Phase       Phase
	Frontier    int64
	Slices      uint64
	Points      uint64
	Requests    uint64
	Rejected    uint64
	Suppressed  uint64
	OrderEvents uint64
	NoProgress  uint64
}

type counters struct {
	frontier    atomic.Int64
	slices      atomic.Uint64
	points      atomic.Uint64
	requests    atomic.Uint64
	rejected    atomic.Uint64
	suppressed  atomic.Uint64
	orderEvents atomic.Uint64
	noProgress  atomic.Uint64
}

// Loop drives one run: it pulls slices, lets the engine work them, calls the
// strategy and routes its requests back to the engine.
//
// The strategy only runs on goroutines started by the loop, one call at a
// time, each bounded by the time budget. After a fault the strategy is never
// called again.
type Loop struct {
	cfg      Config
	source   SliceSource
	engine   og.Engine
	strategy Strategy
	sink     ResultSink

	phase   atomic.Uint32
	stats   counters
	started atomic.Bool

	hasFrontier bool
	frontier    int64
	stalled     int
	warming     bool
}

// New creates a loop. A nil sink discards results.
func New(cfg Config, src SliceSource, engine og.Engine, strategy Strategy, sink ResultSink) (*Loop, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || engine == nil || strategy == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "run loop needs a slice source, an engine and a strategy")
	}
	if sink == nil {
		sink = discard{}
	}
	return &Loop{cfg: cfg, source: src, engine: engine, strategy: strategy, sink: sink}, nil
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase {
	return Phase(l.phase.Load())
}

// Stats returns the run counters. It is safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Phase:       l.Phase(),
		Frontier:    l.stats.frontier.Load(),
		Slices:      l.stats.slices.Load(),
		Points:      l.stats.points.Load(),
		Requests:    l.stats.requests.Load(),
		Rejected:    l.stats.rejected.Load(),
		Suppressed:  l.stats.suppressed.Load(),
		OrderEvents: l.stats.orderEvents.Load(),
		NoProgress:  l.stats.noProgress.Load(),
	}
}

// Run executes the run until the data ends, ctx is canceled or a fatal error
// occurs. Cancellation is a normal stop and returns nil. The source, engine
// and sink are closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.Wrap(exception.ErrInvalidArgument, "run loop already started")
	}

	err := l.run(ctx)
	if err != nil && ctx.Err() != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}
	if err != nil {
		l.fault(err)
	}
	if serr := l.stop(ctx); err == nil {
		err = serr
	}
	l.setPhase(PhaseStopped)

	st := l.Stats()
	logs.Infof("runloop: %s slices=%d points=%d requests=%d rejected=%d suppressed=%d events=%d",
		st.Phase, st.Slices, st.Points, st.Requests, st.Rejected, st.Suppressed, st.OrderEvents)
	return err
}

func (l *Loop) run(ctx context.Context) error {
	if init, ok := l.strategy.(Initializer); ok {
		var initErr error
		setup := Setup{Subscriptions: l.cfg.Subscriptions, Orders: l.engine}
		if err := l.guard("initialize", func() { initErr = init.Initialize(setup) }); err != nil {
			return err
		}
		if initErr != nil {
			return errors.Wrap(initErr, "initialize strategy")
		}
	}

	l.warming = l.cfg.warmup()
	if l.warming {
		l.setPhase(PhaseWarmingUp)
	} else {
		l.setPhase(l.activePhase())
	}

	for {
		slice, err := l.source.Next(ctx)
		switch {
		case err == nil:
		case stderrors.Is(err, frontier.ErrEndOfRun):
			logs.Infof("runloop: end of data at frontier %d", l.frontier)
			return nil
		case stderrors.Is(err, frontier.ErrIdle):
			if err := l.idle(ctx); err != nil {
				return err
			}
			continue
		default:
			return err
		}

		if err := l.step(ctx, slice); err != nil {
			return err
		}
	}
}

func (l *Loop) activePhase() Phase {
	if l.cfg.Mode == frontier.ModeLive {
		return PhaseLive
	}
	return PhaseReplaying
}

// step handles one slice.
func (l *Loop) step(ctx context.Context, slice schema.TimeSlice) error {
	if err := l.progress(slice); err != nil {
		return err
	}
	l.updateWarmup(slice)
	l.stats.slices.Add(1)
	l.stats.points.Add(uint64(len(slice.Points)))

	if err := l.engine.Process(ctx, slice); err != nil {
		return errors.Wrap(err, "process slice").With("time", slice.Time)
	}
	if err := l.deliver(); err != nil {
		return err
	}

	var reqs []schema.OrderRequest
	start := time.Now()
	if err := l.guard("on time slice", func() { reqs = l.strategy.OnTimeSlice(slice) }); err != nil {
		return err
	}
	l.cfg.Metrics.ObserveCallback(time.Since(start))
	if !l.warming {
		l.sink.OnTimeSlice(slice)
	}

	if err := l.apply(ctx, reqs); err != nil {
		return err
	}
	return l.deliver()
}

// progress counts consecutive slices that do not move the frontier forward.
func (l *Loop) progress(slice schema.TimeSlice) error {
	if !l.hasFrontier || slice.Time > l.frontier {
		l.hasFrontier = true
		l.frontier = slice.Time
		l.stats.frontier.Store(slice.Time)
		l.stalled = 0
		return nil
	}
	l.stalled++
	l.stats.noProgress.Add(1)
	l.cfg.Metrics.IncNoProgress()
	if l.stalled > l.cfg.MaxNoProgress {
		return errors.Wrap(exception.ErrNoProgress, "frontier stalled").
			With("frontier", l.frontier).
			With("iterations", l.stalled)
	}
	return nil
}

// updateWarmup ends warmup once both the slice count and the frontier time
// thresholds are reached.
func (l *Loop) updateWarmup(slice schema.TimeSlice) {
	if !l.warming {
		return
	}
	seen := l.stats.slices.Load()
	if l.cfg.WarmupSlices > 0 && seen < uint64(l.cfg.WarmupSlices) {
		return
	}
	if l.cfg.WarmupUntil > 0 && slice.Time < l.cfg.WarmupUntil {
		return
	}
	l.warming = false
	logs.Infof("runloop: warmup finished after %d slices at %d", seen, slice.Time)
	l.setPhase(l.activePhase())
}

// apply routes strategy requests to the engine. Requests made while warming
// up are dropped.
func (l *Loop) apply(ctx context.Context, reqs []schema.OrderRequest) error {
	for _, req := range reqs {
		if l.warming {
			l.stats.suppressed.Add(1)
			l.cfg.Metrics.IncSuppressed()
			continue
		}
		l.stats.requests.Add(1)
		err := l.execute(ctx, req)
		if err == nil {
			continue
		}
		l.stats.rejected.Add(1)
		logs.Errorf("runloop: order request (kind %d, order %d, symbol %d): %+v", req.Kind, req.OrderID, req.Symbol, err)
		if h, ok := l.strategy.(RequestErrorHandler); ok {
			if gerr := l.guard("on request error", func() { h.OnRequestError(req, err) }); gerr != nil {
				return gerr
			}
		}
	}
	return nil
}

func (l *Loop) execute(ctx context.Context, req schema.OrderRequest) error {
	var err error
	switch req.Kind {
	case schema.RequestSubmit:
		_, err = l.engine.Submit(ctx, req)
	case schema.RequestCancel:
		_, err = l.engine.Cancel(ctx, req.OrderID)
	case schema.RequestUpdate:
		_, err = l.engine.Update(ctx, req.OrderID, req.Update)
	default:
		err = errors.Wrap(exception.ErrInvalidOrderRequest, "unknown request kind").With("kind", req.Kind)
	}
	return err
}

// deliver hands buffered order events to the strategy and the sink.
func (l *Loop) deliver() error {
	for _, ev := range l.engine.Drain() {
		l.stats.orderEvents.Add(1)
		if err := l.guard("on order event", func() { l.strategy.OnOrderEvent(ev) }); err != nil {
			return err
		}
		if !l.warming {
			l.sink.OnOrderEvent(ev)
		}
	}
	return nil
}

func (l *Loop) idle(ctx context.Context) error {
	if err := l.engine.Poll(ctx); err != nil {
		return err
	}
	return l.deliver()
}

// stop drains the engine, cancels working orders and releases resources.
// After a fault the strategy no longer receives events.
func (l *Loop) stop(ctx context.Context) error {
	l.setPhase(PhaseStopping)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StopTimeout)
	defer cancel()

	var err error
	if perr := l.engine.Poll(stopCtx); perr != nil {
		logs.Errorf("runloop: poll on stop: %+v", perr)
	}
	err = l.flush()
	if cerr := l.engine.CancelAll(stopCtx); cerr != nil {
		logs.Errorf("runloop: cancel working orders: %+v", cerr)
	}
	if ferr := l.flush(); err == nil {
		err = ferr
	}

	if cerr := l.source.Close(); cerr != nil {
		logs.Errorf("runloop: close slice source: %+v", cerr)
	}
	if cerr := l.engine.Close(); cerr != nil {
		logs.Errorf("runloop: close engine: %+v", cerr)
	}
	if c, ok := l.sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			logs.Errorf("runloop: close sink: %+v", cerr)
		}
	}
	return err
}

// flush delivers pending events during Stopping.
func (l *Loop) flush() error {
	if l.Phase() == PhaseFaulted {
		for _, ev := range l.engine.Drain() {
			l.stats.orderEvents.Add(1)
			if !l.warming {
				l.sink.OnOrderEvent(ev)
			}
		}
		return nil
	}
	if err := l.deliver(); err != nil {
		l.fault(err)
		return err
	}
	return nil
}

// guard runs a strategy callback on its own goroutine and waits at most the
// time budget. A panic or an overrun becomes an error; an overrun leaves the
// callback running.
func (l *Loop) guard(name string, fn func()) error {
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.Wrapf(exception.ErrInternal, "strategy %s panicked: %v", name, r)
			}
			done <- err
		}()
		fn()
	}()

	timer := time.NewTimer(l.cfg.TimeBudget)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.Wrap(exception.ErrTimeoutExceeded, name).With("budget", l.cfg.TimeBudget.String())
	}
}

func (l *Loop) setPhase(p Phase) {
	for {
		cur := l.phase.Load()
		if Phase(cur) == PhaseFaulted || Phase(cur) == p {
			return
		}
		if l.phase.CompareAndSwap(cur, uint32(p)) {
			logs.Infof("runloop: phase %s -> %s", Phase(cur), p)
			return
		}
	}
}

func (l *Loop) fault(err error) {
	prev := Phase(l.phase.Swap(uint32(PhaseFaulted)))
	if prev != PhaseFaulted {
		logs.Errorf("runloop: faulted during %s: %+v", prev, err)
	}
}

type discard struct{}

func (discard) OnTimeSlice(schema.TimeSlice)   {}
func (discard) OnOrderEvent(schema.OrderEvent) {}
