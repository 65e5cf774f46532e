package runloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/frontier"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/internal/subscription"
	"tradecore/pkg/exception"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

func dailyBars(symbol schema.SymbolID, n int) []schema.DataPoint {
	out := make([]schema.DataPoint, 0, n)
	for i := 1; i <= n; i++ {
		px := schema.Price(100 + i)
		out = append(out, schema.DataPoint{
			Symbol:     symbol,
			Resolution: schema.ResolutionDaily,
			Kind:       schema.DataBar,
			Time:       day(i).UnixNano(),
			Bar:        schema.Bar{Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1000},
		})
	}
	return out
}

type history map[schema.SymbolID][]schema.DataPoint

func (h history) factory() source.Factory {
	return source.FactoryFunc(func(_ context.Context, sub schema.Subscription) (source.Adapter, error) {
		return source.NewHistorical(sub, source.NewSliceIterator(h[sub.Symbol])), nil
	})
}

// script is a strategy driven by a function of the slice index.
type script struct {
	onSlice func(i int, slice schema.TimeSlice) []schema.OrderRequest

	mu     sync.Mutex
	calls  atomic.Int32
	events []schema.OrderEvent
	errs   []error
}

func (s *script) OnTimeSlice(slice schema.TimeSlice) []schema.OrderRequest {
	i := int(s.calls.Add(1))
	if s.onSlice == nil {
		return nil
	}
	return s.onSlice(i, slice)
}

func (s *script) OnOrderEvent(ev schema.OrderEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *script) OnRequestError(_ schema.OrderRequest, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	slices []schema.TimeSlice
	events []schema.OrderEvent
	closed bool
}

func (r *recordingSink) OnTimeSlice(slice schema.TimeSlice) {
	r.mu.Lock()
	r.slices = append(r.slices, slice)
	r.mu.Unlock()
}

func (r *recordingSink) OnOrderEvent(ev schema.OrderEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type fixture struct {
	loop   *Loop
	engine *og.Simulated
	sink   *recordingSink
	reg    *subscription.Registry
}

func newFixture(t *testing.T, cfg Config, h history, strategy Strategy) fixture {
	t.Helper()
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)

	synch, err := frontier.New(frontier.Config{}, reg, h.factory())
	require.NoError(t, err)
	engine, err := og.NewSimulated(og.Config{Subscriptions: reg}, nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	cfg.Subscriptions = reg
	loop, err := New(cfg, synch, engine, strategy, sink)
	require.NoError(t, err)
	return fixture{loop: loop, engine: engine, sink: sink, reg: reg}
}

func statuses(events []schema.OrderEvent) []schema.OrderStatus {
	out := make([]schema.OrderStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func TestReplayDispatchesEverySlice(t *testing.T) {
	strategy := &script{onSlice: func(i int, _ schema.TimeSlice) []schema.OrderRequest {
		if i == 1 {
			return []schema.OrderRequest{schema.MarketOrder(1, schema.OrderSideBuy, 1)}
		}
		return nil
	}}
	f := newFixture(t, Config{}, history{1: dailyBars(1, 3)}, strategy)

	require.NoError(t, f.loop.Run(t.Context()))
	assert.Equal(t, PhaseStopped, f.loop.Phase())
	assert.Equal(t, int32(3), strategy.calls.Load())
	assert.Len(t, f.sink.slices, 3)
	assert.True(t, f.sink.closed)

	want := []schema.OrderStatus{schema.OrderStatusSubmitted, schema.OrderStatusFilled}
	assert.Equal(t, want, statuses(strategy.events))
	assert.Equal(t, want, statuses(f.sink.events))

	st := f.loop.Stats()
	assert.Equal(t, uint64(3), st.Slices)
	assert.Equal(t, uint64(1), st.Requests)
	assert.Equal(t, uint64(2), st.OrderEvents)
	assert.Equal(t, day(3).UnixNano(), st.Frontier)
}

func TestWarmupSuppressesSideEffects(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
	}{
		{desc: "by slice count", cfg: Config{WarmupSlices: 2}},
		{desc: "by frontier time", cfg: Config{WarmupUntil: day(3).UnixNano()}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var (
				f         fixture
				phases    []Phase
				bookSizes []int
			)
			strategy := &script{onSlice: func(_ int, slice schema.TimeSlice) []schema.OrderRequest {
				phases = append(phases, f.loop.Phase())
				bookSizes = append(bookSizes, f.engine.Len())
				return []schema.OrderRequest{schema.MarketOrder(1, schema.OrderSideBuy, 1)}
			}}
			m := obs.NewMetrics()
			tc.cfg.Metrics = m
			f = newFixture(t, tc.cfg, history{1: dailyBars(1, 4)}, strategy)

			require.NoError(t, f.loop.Run(t.Context()))

			assert.Equal(t, []Phase{PhaseWarmingUp, PhaseWarmingUp, PhaseReplaying, PhaseReplaying}, phases)
			assert.Equal(t, []int{0, 0, 0, 1}, bookSizes)
			assert.Equal(t, 2, f.engine.Len())

			require.Len(t, f.sink.slices, 2)
			assert.Equal(t, day(3).UnixNano(), f.sink.slices[0].Time)
			for _, ev := range strategy.events {
				assert.Contains(t, []uint64{1, 2}, ev.OrderID)
			}
			assert.Len(t, f.sink.events, 4)

			st := f.loop.Stats()
			assert.Equal(t, uint64(2), st.Suppressed)
			assert.Equal(t, uint64(2), st.Requests)
			assert.Equal(t, uint64(2), m.Snapshot().Suppressed)
		})
	}
}

func TestTimeBudgetOverrunFaults(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	strategy := &script{onSlice: func(i int, _ schema.TimeSlice) []schema.OrderRequest {
		if i == 2 {
			<-release
		}
		return nil
	}}
	f := newFixture(t, Config{TimeBudget: 50 * time.Millisecond}, history{1: dailyBars(1, 5)}, strategy)

	err := f.loop.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrTimeoutExceeded)
	assert.Equal(t, PhaseFaulted, f.loop.Phase())
	assert.Equal(t, int32(2), strategy.calls.Load())
	assert.Len(t, f.sink.slices, 1)
	assert.Equal(t, uint64(2), f.loop.Stats().Slices)
	assert.True(t, f.sink.closed)
}

func TestStrategyPanicFaults(t *testing.T) {
	strategy := &script{onSlice: func(int, schema.TimeSlice) []schema.OrderRequest {
		panic("boom")
	}}
	f := newFixture(t, Config{}, history{1: dailyBars(1, 3)}, strategy)

	err := f.loop.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrInternal)
	assert.Equal(t, PhaseFaulted, f.loop.Phase())
	assert.Equal(t, int32(1), strategy.calls.Load())
}

// stuckSource repeats one slice time forever.
type stuckSource struct{}

func (stuckSource) Next(ctx context.Context) (schema.TimeSlice, error) {
	if err := ctx.Err(); err != nil {
		return schema.TimeSlice{}, err
	}
	p := dailyBars(1, 1)[0]
	return schema.TimeSlice{Time: p.Time, Points: []schema.DataPoint{p}}, nil
}

func (stuckSource) Close() error { return nil }

func TestNoProgressFaults(t *testing.T) {
	engine, err := og.NewSimulated(og.Config{Subscriptions: subscription.NewRegistry()}, nil)
	require.NoError(t, err)
	strategy := &script{}
	loop, err := New(Config{MaxNoProgress: 3}, stuckSource{}, engine, strategy, nil)
	require.NoError(t, err)

	err = loop.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrNoProgress)
	assert.Equal(t, PhaseFaulted, loop.Phase())
	assert.Equal(t, int32(4), strategy.calls.Load())
	st := loop.Stats()
	assert.Equal(t, uint64(4), st.Slices)
	assert.Equal(t, uint64(4), st.NoProgress)
}

func TestStoppingCancelsWorkingOrders(t *testing.T) {
	strategy := &script{onSlice: func(i int, _ schema.TimeSlice) []schema.OrderRequest {
		if i == 1 {
			return []schema.OrderRequest{schema.LimitOrder(1, schema.OrderSideBuy, 1, 10)}
		}
		return nil
	}}
	f := newFixture(t, Config{}, history{1: dailyBars(1, 2)}, strategy)

	require.NoError(t, f.loop.Run(t.Context()))
	assert.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted, schema.OrderStatusCanceled}, statuses(strategy.events))
	assert.Equal(t, statuses(strategy.events), statuses(f.sink.events))
	assert.Empty(t, f.engine.OpenOrders())
}

func TestRejectedRequestsReachHandler(t *testing.T) {
	strategy := &script{onSlice: func(i int, _ schema.TimeSlice) []schema.OrderRequest {
		switch i {
		case 1:
			return []schema.OrderRequest{schema.MarketOrder(9, schema.OrderSideBuy, 1)}
		case 2:
			return []schema.OrderRequest{schema.CancelRequest(77)}
		}
		return nil
	}}
	f := newFixture(t, Config{}, history{1: dailyBars(1, 3)}, strategy)

	require.NoError(t, f.loop.Run(t.Context()))
	assert.Equal(t, int32(3), strategy.calls.Load())
	require.Len(t, strategy.errs, 2)
	assert.ErrorIs(t, strategy.errs[0], exception.ErrInvalidOrderRequest)
	assert.ErrorIs(t, strategy.errs[1], exception.ErrUnknownOrder)
	assert.Equal(t, uint64(2), f.loop.Stats().Rejected)
}

// blockingSource waits for cancellation.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (schema.TimeSlice, error) {
	<-ctx.Done()
	return schema.TimeSlice{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func TestCancellationStopsCleanly(t *testing.T) {
	engine, err := og.NewSimulated(og.Config{Subscriptions: subscription.NewRegistry()}, nil)
	require.NoError(t, err)
	loop, err := New(Config{Mode: frontier.ModeLive}, blockingSource{}, engine, &script{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, PhaseStopped, loop.Phase())

	require.ErrorIs(t, loop.Run(t.Context()), exception.ErrInvalidArgument)
}

// subscriber adds a second instrument during initialization.
type subscriber struct {
	script
	orders TicketView
}

func (s *subscriber) Initialize(setup Setup) error {
	s.orders = setup.Orders
	_, err := setup.Subscriptions.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionDaily})
	return err
}

func TestInitializerSubscribes(t *testing.T) {
	strategy := &subscriber{}
	seen := make(map[schema.SymbolID]int)
	strategy.onSlice = func(_ int, slice schema.TimeSlice) []schema.OrderRequest {
		for _, p := range slice.Points {
			seen[p.Symbol]++
		}
		return nil
	}
	f := newFixture(t, Config{}, history{1: dailyBars(1, 2), 2: dailyBars(2, 2)}, strategy)

	require.NoError(t, f.loop.Run(t.Context()))
	assert.Equal(t, map[schema.SymbolID]int{1: 2, 2: 2}, seen)
	assert.NotNil(t, strategy.orders)
	assert.Equal(t, 2, f.reg.Len())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)

	testCases := []struct {
		desc string
		cfg  Config
	}{
		{desc: "negative budget", cfg: Config{TimeBudget: -time.Second}},
		{desc: "negative no-progress", cfg: Config{MaxNoProgress: -1}},
		{desc: "negative warmup", cfg: Config{WarmupSlices: -2}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Error(t, tc.cfg.withDefaults().Validate())
		})
	}
}
