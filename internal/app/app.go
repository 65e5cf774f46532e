package app

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/chaos"
	"tradecore/internal/feed/simfeed"
	"tradecore/internal/feed/wsfeed"
	"tradecore/internal/frontier"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/ops"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/runloop"
	"tradecore/internal/schema"
	"tradecore/internal/sink"
	"tradecore/internal/source"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/subscription"
	"tradecore/pkg/conn"
	"tradecore/pkg/exception"
)

// JournalPrefix names the WAL segments of a run journal.
const JournalPrefix = "journal"

// Deps are the collaborators a caller may inject. Zero fields are built from
// the config.
type Deps struct {
	// Feed is the live market data source. Nil builds the configured feed.
	Feed source.MarketDataSource
	// Gateway is the broker of a live run. Nil uses a paper gateway.
	Gateway og.BrokerGateway
	// DB backs store sources and the store sink. Nil opens data.database.
	DB        *conn.Client
	Metrics   *obs.Metrics
	Positions *state.PositionReducer
	// Strategy defaults to the scripted orders of the config.
	Strategy runloop.Strategy
	// Sink receives results next to the configured sinks and is closed with
	// the run.
	Sink sink.Sink
	// Out is the target of a jsonl sink named "-". Nil means stdout.
	Out   io.Writer
	RunID string
}

// App is one assembled run.
type App struct {
	cfg       ops.Loaded
	runID     string
	metrics   *obs.Metrics
	positions *state.PositionReducer
	registry  *subscription.Registry
	risk      *risk.Engine
	engine    og.Engine
	sync      *frontier.Synchronizer
	sink      sink.Sink
	loop      *runloop.Loop
	journal   *obs.Sequence

	db      *store.Store
	drivers []func(ctx context.Context) error
	closers []func() error

	ran       bool
	closeOnce sync.Once
}

// Build assembles a run: data adapters, engine and sinks are picked from the
// run mode once, here.
func Build(ctx context.Context, cfg ops.Loaded, deps Deps) (_ *App, err error) {
	a := &App{
		cfg:       cfg,
		runID:     deps.RunID,
		metrics:   deps.Metrics,
		positions: deps.Positions,
		registry:  subscription.NewRegistry(),
	}
	if a.runID == "" {
		a.runID = uuid.NewString()
	}
	if a.metrics == nil {
		a.metrics = obs.NewMetrics()
	}
	if a.positions == nil {
		a.positions = state.NewPositionReducer()
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx, deps.DB); err != nil {
		return nil, err
	}
	feed, err := a.openFeed(ctx, deps.Feed)
	if err != nil {
		return nil, err
	}
	for _, sub := range cfg.Subscriptions {
		if _, err := a.registry.Add(sub); err != nil {
			return nil, errors.Wrap(err, "add subscription").With("symbol", cfg.Registry.NameOf(sub.Symbol))
		}
	}

	fcfg := cfg.Frontier
	fcfg.Metrics = a.metrics
	open := &factory{cfg: cfg, feed: feed, store: a.db, metrics: a.metrics}
	a.sync, err = frontier.New(fcfg, a.registry, open)
	if err != nil {
		return nil, err
	}

	if a.engine, err = a.buildEngine(ctx, deps.Gateway); err != nil {
		return nil, err
	}
	if a.sink, err = a.buildSink(ctx, deps); err != nil {
		return nil, err
	}

	strategy := deps.Strategy
	if strategy == nil {
		strategy = NewScript(cfg.Orders)
	}
	rcfg := cfg.Run
	rcfg.Subscriptions = a.registry
	rcfg.Metrics = a.metrics
	var rsink runloop.ResultSink
	if a.sink != nil {
		rsink = a.sink
	}
	if a.loop, err = runloop.New(rcfg, a.sync, a.engine, strategy, rsink); err != nil {
		return nil, err
	}
	logs.Infof("app: run %s built, mode: %s, subscriptions: %d", a.runID, cfg.Mode, len(cfg.Subscriptions))
	return a, nil
}

func (a *App) openStore(ctx context.Context, db *conn.Client) error {
	if !a.needsStore() {
		return nil
	}
	if db == nil {
		if a.cfg.Data.Database == nil {
			return errors.Wrap(exception.ErrInvalidArgument, "store needs a database")
		}
		c, err := conn.New(*a.cfg.Data.Database)
		if err != nil {
			return errors.Wrap(err, "open database")
		}
		a.closers = append(a.closers, c.Close)
		if err := c.Ping(ctx); err != nil {
			return err
		}
		db = c
	}
	a.db = store.New(db.DB())
	if err := a.db.Migrate(); err != nil {
		return errors.Wrap(err, "migrate store")
	}
	return nil
}

func (a *App) needsStore() bool {
	if a.cfg.Sinks.Store {
		return true
	}
	for _, sub := range a.cfg.Subscriptions {
		if sub.Source == schema.SourceStore || sub.History == schema.SourceStore {
			return true
		}
	}
	return false
}

func (a *App) liveSubscriptions() []schema.Subscription {
	var out []schema.Subscription
	for _, sub := range a.cfg.Subscriptions {
		if sub.Source == schema.SourceLive {
			out = append(out, sub)
		}
	}
	return out
}

// openFeed builds the live market data source. The synthetic feed gets a
// driver publishing generated bars.
func (a *App) openFeed(ctx context.Context, feed source.MarketDataSource) (source.MarketDataSource, error) {
	live := a.liveSubscriptions()
	if len(live) == 0 {
		return nil, nil
	}
	if feed == nil {
		switch a.cfg.Data.Feed {
		case ops.FeedSynthetic:
			sim := simfeed.New(a.cfg.Data.LiveQueue)
			drv, err := newSynthetic(sim, a.cfg.Registry, a.cfg.Data.Synthetic, live)
			if err != nil {
				return nil, err
			}
			a.drivers = append(a.drivers, drv.run)
			feed = sim
		default:
			ws := wsfeed.New(ctx, wsfeed.Config{URL: a.cfg.Data.URL, Registry: a.cfg.Registry, Buffer: a.cfg.Data.LiveQueue})
			if err := ws.Start(ctx); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() error { ws.Close(); return nil })
			feed = ws
		}
	}
	if a.cfg.Chaos.Feed != nil {
		wrapped, err := chaos.NewFeed(feed, *a.cfg.Chaos.Feed)
		if err != nil {
			return nil, err
		}
		logs.Infof("app: chaos feed enabled, drop: %.2f, duplicate: %.2f", a.cfg.Chaos.Feed.DropRate, a.cfg.Chaos.Feed.DuplicateRate)
		feed = wrapped
	}
	return feed, nil
}

// buildEngine picks the simulated engine for backtest and paper runs and the
// brokered engine for live runs.
func (a *App) buildEngine(ctx context.Context, gw og.BrokerGateway) (og.Engine, error) {
	if a.cfg.Risk != nil {
		a.risk = risk.NewEngine(*a.cfg.Risk)
	}
	ecfg := og.Config{
		Subscriptions: a.registry,
		Risk:          a.risk,
		Positions:     a.positions,
		Metrics:       a.metrics,
	}
	if a.cfg.Mode != ops.ModeLive {
		return og.NewSimulated(ecfg, og.NewFillModel(a.cfg.Fill))
	}

	if gw == nil {
		gw = og.NewPaperGateway(a.cfg.Paper)
	}
	if a.cfg.Chaos.Gateway != nil {
		wrapped, err := chaos.NewGateway(gw, *a.cfg.Chaos.Gateway)
		if err != nil {
			_ = gw.Close()
			return nil, err
		}
		logs.Infof("app: chaos gateway enabled, fail rate: %.2f", a.cfg.Chaos.Gateway.FailRate)
		gw = wrapped
	}
	engine, err := og.NewBrokered(ctx, ecfg, gw, a.cfg.Brokered)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	if a.cfg.Features.Reconcile {
		if _, err := engine.Reconcile(ctx); err != nil {
			_ = engine.Close()
			return nil, errors.Wrap(err, "reconcile open orders")
		}
	}
	return engine, nil
}

// buildSink assembles the configured sinks behind one Async queue, so no
// sink can block the run loop.
func (a *App) buildSink(ctx context.Context, deps Deps) (sink.Sink, error) {
	var sinks sink.Multi
	closeAll := func() { _ = sinks.Close() }

	switch path := a.cfg.Sinks.JSONL; path {
	case "":
	case "-":
		out := deps.Out
		if out == nil {
			out = os.Stdout
		}
		// hide Close so the sink never closes stdout
		sinks = append(sinks, sink.NewJSONL(struct{ io.Writer }{out}, a.runID))
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create jsonl sink").With("path", path)
		}
		sinks = append(sinks, sink.NewJSONL(f, a.runID))
	}

	if dir := a.cfg.Sinks.JournalDir; dir != "" {
		rcfg := recorder.DefaultConfig(dir)
		rcfg.FilePrefix = JournalPrefix
		a.journal = obs.NewSequence(0)
		j, err := sink.NewJournal(ctx, rcfg, a.journal, a.metrics)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, j)
	}
	if a.cfg.Sinks.Store {
		sinks = append(sinks, sink.NewStore(ctx, a.db, a.runID, a.cfg.Sinks.StoreBatch))
	}
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sink.NewAsync(ctx, sinks, a.cfg.Sinks.Queue, a.metrics), nil
}

// RunID returns the id tagging every result row of the run.
func (a *App) RunID() string { return a.runID }

// Metrics returns the run counters.
func (a *App) Metrics() *obs.Metrics { return a.metrics }

// Positions returns the positions updated by fills.
func (a *App) Positions() *state.PositionReducer { return a.positions }

// Engine returns the transaction engine of the run.
func (a *App) Engine() og.Engine { return a.engine }

// Risk returns the pre-trade risk engine, nil when no limits are configured.
func (a *App) Risk() *risk.Engine { return a.risk }

// Stats returns the run loop counters.
func (a *App) Stats() runloop.Stats { return a.loop.Stats() }

// Run drives the run until the data ends, ctx is canceled or a fatal error
// occurs, then writes the position snapshot. Resources are released before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	if a.ran {
		return errors.Wrap(exception.ErrInvalidArgument, "app already ran")
	}
	a.ran = true
	defer a.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for _, drive := range a.drivers {
		eg.Go(func() error { return drive(ctx) })
	}
	eg.Go(func() error {
		// the drivers stop with the loop
		defer cancel()
		return a.loop.Run(ctx)
	})
	err := eg.Wait()

	if serr := a.writeSnapshot(); err == nil {
		err = serr
	}
	return err
}

func (a *App) writeSnapshot() error {
	path := a.cfg.Sinks.SnapshotPath
	if !a.cfg.Features.Snapshot || path == "" {
		return nil
	}
	snap := a.positions.SnapshotWithMeta(a.journal.Last(), a.loop.Stats().Frontier)
	if err := state.WriteSnapshot(path, snap); err != nil {
		return errors.Wrap(err, "write snapshot").With("path", path)
	}
	logs.Infof("app: snapshot written to %s, positions: %d", path, len(snap.Positions))
	return nil
}

// Close releases a run that was built but never run.
func (a *App) Close() error {
	if a.ran {
		return nil
	}
	a.ran = true
	var errs []error
	if a.sync != nil {
		errs = append(errs, a.sync.Close())
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if c, ok := a.sink.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	a.release()
	return stderrors.Join(errs...)
}

// release closes the resources the app opened itself. The loop closes the
// frontier, the engine and the sink.
func (a *App) release() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				logs.Errorf("app: release, err: %+v", err)
			}
		}
	})
}
