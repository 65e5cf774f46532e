package frontier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/feed/simfeed"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/internal/subscription"
	"tradecore/pkg/exception"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(symbol schema.SymbolID, res schema.Resolution, end time.Time, px schema.Price) schema.DataPoint {
	return schema.DataPoint{
		Symbol:     symbol,
		Resolution: res,
		Kind:       schema.DataBar,
		Time:       end.UnixNano(),
		Bar:        schema.Bar{Open: px, High: px + 2, Low: px - 1, Close: px + 1, Volume: 10},
	}
}

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

// history serves stored points per symbol through Historical adapters.
type history map[schema.SymbolID][]schema.DataPoint

func (h history) factory() source.Factory {
	return source.FactoryFunc(func(_ context.Context, sub schema.Subscription) (source.Adapter, error) {
		return source.NewHistorical(sub, source.NewSliceIterator(h[sub.Symbol])), nil
	})
}

func collect(t *testing.T, s *Synchronizer) []schema.TimeSlice {
	t.Helper()
	var out []schema.TimeSlice
	for {
		slice, err := s.Next(t.Context())
		if err == ErrEndOfRun {
			return out
		}
		require.NoError(t, err)
		out = append(out, slice)
	}
}

func TestSingleDailySubscription(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)

	h := history{1: {
		bar(1, schema.ResolutionDaily, day(1), 100),
		bar(1, schema.ResolutionDaily, day(2), 101),
		bar(1, schema.ResolutionDaily, day(3), 102),
	}}
	s, err := New(Config{}, reg, h.factory())
	require.NoError(t, err)
	defer s.Close()

	slices := collect(t, s)
	require.Len(t, slices, 3)
	for i, slice := range slices {
		assert.Equal(t, day(i+1).UnixNano(), slice.Time)
		require.Len(t, slice.Points, 1)
		assert.Equal(t, schema.SubscriptionID(1), slice.Points[0].Subscription)
	}
	assert.Equal(t, day(3).UnixNano(), s.Frontier())

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrEndOfRun)
}

func TestMixedResolutionsNeverLookAhead(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)
	_, err = reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionHour})
	require.NoError(t, err)

	h := history{
		1: {bar(1, schema.ResolutionDaily, day(1), 100), bar(1, schema.ResolutionDaily, day(2), 101)},
	}
	for i := 20; i <= 30; i++ {
		h[2] = append(h[2], bar(2, schema.ResolutionHour, base.Add(time.Duration(i)*time.Hour), 50))
	}

	s, err := New(Config{}, reg, h.factory())
	require.NoError(t, err)
	defer s.Close()

	slices := collect(t, s)
	seen := 0
	var prev int64
	for _, slice := range slices {
		require.GreaterOrEqual(t, slice.Time, prev)
		prev = slice.Time
		for _, p := range slice.Points {
			require.LessOrEqual(t, p.Time, slice.Time)
		}
		seen += slice.Len()
	}
	assert.Equal(t, len(h[1])+len(h[2]), seen)

	// the daily bar and the hourly bar ending at midnight share one slice
	var tie *schema.TimeSlice
	for i := range slices {
		if slices[i].Time == day(1).UnixNano() {
			tie = &slices[i]
		}
	}
	require.NotNil(t, tie)
	require.Len(t, tie.Points, 2)
	assert.Equal(t, schema.SubscriptionID(1), tie.Points[0].Subscription)
	assert.Equal(t, schema.SubscriptionID(2), tie.Points[1].Subscription)
}

func TestSameTimePointsOfOneSubscriptionShareSlice(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)

	trade := func(ts int64, px schema.Price) schema.DataPoint {
		return schema.DataPoint{Symbol: 1, Kind: schema.DataTrade, Time: ts, Trade: schema.Trade{Price: px, Size: 1}}
	}
	h := history{1: {trade(10, 1), trade(10, 2), trade(20, 3)}}
	s, err := New(Config{}, reg, h.factory())
	require.NoError(t, err)
	defer s.Close()

	slices := collect(t, s)
	require.Len(t, slices, 2)
	assert.Len(t, slices[0].Points, 2)
	assert.Len(t, slices[1].Points, 1)
}

func TestFillForwardMarksCopies(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily, FillForward: true})
	require.NoError(t, err)
	_, err = reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)

	h := history{
		1: {bar(1, schema.ResolutionDaily, day(1), 100), bar(1, schema.ResolutionDaily, day(3), 103)},
		2: {bar(2, schema.ResolutionDaily, day(1), 50), bar(2, schema.ResolutionDaily, day(2), 51), bar(2, schema.ResolutionDaily, day(3), 52)},
	}
	m := obs.NewMetrics()
	s, err := New(Config{Metrics: m}, reg, h.factory())
	require.NoError(t, err)
	defer s.Close()

	slices := collect(t, s)
	require.Len(t, slices, 3)

	mid := slices[1]
	require.Len(t, mid.Points, 2)
	ff := mid.Points[0]
	assert.True(t, ff.FillForward)
	assert.Equal(t, day(1).UnixNano(), ff.Time)
	assert.False(t, mid.Has(1))
	assert.True(t, mid.Has(2))

	for _, p := range slices[2].Points {
		assert.False(t, p.FillForward)
	}
	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.Slices)
	assert.Equal(t, uint64(1), snap.FillForward)
}

func TestRegistryChangesApplyAtSliceBoundary(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)

	h := history{
		1: {bar(1, schema.ResolutionDaily, day(1), 100), bar(1, schema.ResolutionDaily, day(2), 101), bar(1, schema.ResolutionDaily, day(3), 102)},
		2: {bar(2, schema.ResolutionDaily, day(1), 10), bar(2, schema.ResolutionDaily, day(2), 11), bar(2, schema.ResolutionDaily, day(3), 12)},
	}
	s, err := New(Config{}, reg, h.factory())
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []schema.SymbolID{1}, first.Instruments())

	second, err := reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)
	assert.False(t, reg.IsActive(2))

	next, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.True(t, reg.IsActive(2))
	assert.Equal(t, day(2).UnixNano(), next.Time)
	assert.Equal(t, []schema.SymbolID{1, 2}, next.Instruments())

	require.NoError(t, reg.Remove(1))
	last, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []schema.SymbolID{2}, last.Instruments())
	assert.Equal(t, second, last.Points[0].Subscription)
	assert.Equal(t, 1, s.Active())

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrEndOfRun)
}

func TestCorruptRecordPolicy(t *testing.T) {
	broken := bar(1, schema.ResolutionDaily, day(2), 100)
	broken.Bar.Low = 0
	points := []schema.DataPoint{
		bar(1, schema.ResolutionDaily, day(1), 100),
		broken,
		bar(1, schema.ResolutionDaily, day(3), 102),
	}

	testCases := []struct {
		desc      string
		policy    CorruptPolicy
		maxRun    int
		wantErr   error
		wantCount int
		skipped   uint64
	}{
		{desc: "fail", policy: CorruptFail, wantErr: exception.ErrCorruptRecord, wantCount: 1},
		{desc: "skip", policy: CorruptSkip, wantCount: 2, skipped: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			reg := subscription.NewRegistry()
			_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
			require.NoError(t, err)
			m := obs.NewMetrics()
			s, err := New(Config{CorruptPolicy: tc.policy, Metrics: m}, reg, history{1: points}.factory())
			require.NoError(t, err)
			defer s.Close()

			count := 0
			for {
				_, err := s.Next(t.Context())
				if err == ErrEndOfRun {
					break
				}
				if tc.wantErr != nil && err != nil {
					require.ErrorIs(t, err, tc.wantErr)
					break
				}
				require.NoError(t, err)
				count++
			}
			assert.Equal(t, tc.wantCount, count)
			assert.Equal(t, tc.skipped, m.Snapshot().CorruptSkips)
		})
	}
}

func TestCorruptRunIsBounded(t *testing.T) {
	var points []schema.DataPoint
	for i := 1; i <= 5; i++ {
		p := bar(1, schema.ResolutionDaily, day(i), 100)
		p.Bar.Low = 0
		points = append(points, p)
	}
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionDaily})
	require.NoError(t, err)

	s, err := New(Config{CorruptPolicy: CorruptSkip, MaxCorruptRun: 3}, reg, history{1: points}.factory())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, exception.ErrCorruptRecord)
}

func liveFactory(feed *simfeed.Feed) source.Factory {
	return source.FactoryFunc(func(ctx context.Context, sub schema.Subscription) (source.Adapter, error) {
		return source.NewLive(ctx, sub, feed, source.LiveConfig{QueueSize: 16})
	})
}

func tick(symbol schema.SymbolID, ts int64) schema.DataPoint {
	return schema.DataPoint{Symbol: symbol, Resolution: schema.ResolutionTick, Kind: schema.DataTrade, Time: ts, Trade: schema.Trade{Price: 10, Size: 1}}
}

func TestLiveIdleAndLatePoints(t *testing.T) {
	feed := simfeed.New(16)
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)
	_, err = reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)

	m := obs.NewMetrics()
	s, err := New(Config{Mode: ModeLive, GraceWindow: 50 * time.Millisecond, Metrics: m}, reg, liveFactory(feed))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrIdle)

	_, err = feed.Publish(t.Context(), tick(1, 100))
	require.NoError(t, err)

	started := time.Now()
	slice, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(100), slice.Time)
	assert.Equal(t, []schema.SymbolID{1}, slice.Instruments())
	assert.Less(t, time.Since(started), time.Second)

	feed.End()
	require.Eventually(t, func() bool {
		_, err := s.Next(t.Context())
		return err == ErrEndOfRun
	}, time.Second, time.Millisecond)
}

func TestLiveLatePointsRideWithNextAdvance(t *testing.T) {
	feed := simfeed.New(16)
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)
	_, err = reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)

	m := obs.NewMetrics()
	s, err := New(Config{Mode: ModeLive, GraceWindow: 50 * time.Millisecond, Metrics: m}, reg, liveFactory(feed))
	require.NoError(t, err)
	defer s.Close()

	publish := func(p schema.DataPoint) {
		_, err := feed.Publish(t.Context(), p)
		require.NoError(t, err)
	}

	publish(tick(1, 100))
	publish(tick(2, 100))
	slice, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(100), slice.Time)
	assert.Equal(t, []schema.SymbolID{1, 2}, slice.Instruments())

	// behind and at the frontier: held, no slice repeats time 100
	publish(tick(2, 50))
	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrIdle)
	publish(tick(1, 100))
	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrIdle)
	assert.Equal(t, uint64(2), m.Snapshot().LatePoints)

	publish(tick(1, 120))
	publish(tick(2, 120))
	slice, err = s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(120), slice.Time)
	got := make(map[schema.SymbolID][]int64)
	for _, p := range slice.Points {
		got[p.Symbol] = append(got[p.Symbol], p.Time)
	}
	assert.Equal(t, map[schema.SymbolID][]int64{1: {100, 120}, 2: {50, 120}}, got)
	assert.Equal(t, int64(120), s.Frontier())

	publish(tick(1, 110))
	feed.End()
	require.Eventually(t, func() bool {
		_, err := s.Next(t.Context())
		return err == ErrEndOfRun
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), m.Snapshot().LatePoints)
}

func TestLiveWaitsForLaggingFeedWithinGraceWindow(t *testing.T) {
	feed := simfeed.New(16)
	reg := subscription.NewRegistry()
	_, err := reg.Add(schema.Subscription{Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)
	_, err = reg.Add(schema.Subscription{Symbol: 2, Resolution: schema.ResolutionTick, Kind: schema.DataTrade})
	require.NoError(t, err)

	s, err := New(Config{Mode: ModeLive, GraceWindow: 500 * time.Millisecond}, reg, liveFactory(feed))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, ErrIdle)

	_, err = feed.Publish(t.Context(), tick(1, 100))
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = feed.Publish(context.Background(), tick(2, 100))
	}()

	slice, err := s.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(100), slice.Time)
	assert.Equal(t, []schema.SymbolID{1, 2}, slice.Instruments())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{desc: "defaults", cfg: Config{}.withDefaults(), ok: true},
		{desc: "negative grace", cfg: Config{GraceWindow: -1, PollInterval: 1}, ok: false},
		{desc: "zero poll", cfg: Config{}, ok: false},
		{desc: "negative corrupt run", cfg: Config{PollInterval: 1, MaxCorruptRun: -1}, ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}

	policy, err := ParseCorruptPolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, CorruptSkip, policy)
	_, err = ParseCorruptPolicy("ignore")
	require.Error(t, err)
}
