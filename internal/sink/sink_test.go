package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/conn"
)

func slice(ts int64) schema.TimeSlice {
	return schema.TimeSlice{Time: ts, Points: []schema.DataPoint{
		{Subscription: 1, Symbol: 1, Resolution: schema.ResolutionMinute, Kind: schema.DataBar, Time: ts,
			Bar: schema.Bar{Open: 10, High: 11, Low: 9, Close: 10, Volume: 5}},
		{Subscription: 2, Symbol: 2, Resolution: schema.ResolutionDaily, Kind: schema.DataBar, Time: ts - 60, FillForward: true,
			Bar: schema.Bar{Open: 20, High: 20, Low: 20, Close: 20}},
	}}
}

func fill(id uint64, seq uint64, side schema.OrderSide, qty schema.Quantity, px schema.Price) schema.OrderEvent {
	return schema.OrderEvent{OrderID: id, Seq: seq, Time: int64(seq) * 100, Symbol: 1, Side: side,
		Status: schema.OrderStatusFilled, FillQty: qty, FillPrice: px}
}

// memorySink records results and can block deliveries.
type memorySink struct {
	mu     sync.Mutex
	gate   chan struct{}
	slices []schema.TimeSlice
	events []schema.OrderEvent
	closed int
	err    error
}

func (m *memorySink) OnTimeSlice(s schema.TimeSlice) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	m.slices = append(m.slices, s)
	m.mu.Unlock()
}

func (m *memorySink) OnOrderEvent(ev schema.OrderEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return m.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	a, b := &memorySink{err: errA}, &memorySink{}
	m := Multi{a, b}

	m.OnTimeSlice(slice(1000))
	m.OnOrderEvent(fill(1, 1, schema.OrderSideBuy, 1, 10))

	for _, s := range []*memorySink{a, b} {
		assert.Len(t, s.slices, 1)
		assert.Len(t, s.events, 1)
	}
	require.ErrorIs(t, m.Close(), errA)
	assert.Equal(t, 1, b.closed)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	inner := &memorySink{}
	a := NewAsync(t.Context(), inner, 16, nil)
	for i := int64(1); i <= 5; i++ {
		a.OnTimeSlice(slice(i * 1000))
		a.OnOrderEvent(fill(uint64(i), uint64(i), schema.OrderSideBuy, 1, 10))
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.Len(t, inner.slices, 5)
	require.Len(t, inner.events, 5)
	for i := range inner.slices {
		assert.Equal(t, int64(i+1)*1000, inner.slices[i].Time)
		assert.Equal(t, uint64(i+1), inner.events[i].OrderID)
	}
	assert.Equal(t, 1, inner.closed)
	assert.Zero(t, a.Dropped())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	inner := &memorySink{gate: make(chan struct{})}
	m := obs.NewMetrics()
	a := NewAsync(t.Context(), inner, 2, m)

	a.OnTimeSlice(slice(1))
	// the consumer is parked on the first slice; fill the queue behind it
	require.Eventually(t, func() bool { return a.queue.Len() == 0 }, time.Second, time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			a.OnTimeSlice(slice(int64(i + 2)))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked on a full queue")
	}
	assert.Equal(t, uint64(8), a.Dropped())
	assert.Equal(t, uint64(8), m.Snapshot().QueueDrops)

	close(inner.gate)
	require.NoError(t, a.Close())
	assert.Len(t, inner.slices, 3)
}

func TestJSONLWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSONL(&buf, "run-1")
	j.OnTimeSlice(slice(1000))
	ev := fill(3, 7, schema.OrderSideSell, 2, 99)
	ev.Legs = []schema.LegFill{{Symbol: 1, Side: schema.OrderSideSell, Qty: 2, Price: 99}}
	j.OnOrderEvent(ev)
	require.NoError(t, j.Close())

	var lines []Line
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var l Line
		require.NoError(t, sonic.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, LineSlice, lines[0].Type)
	assert.Equal(t, "run-1", lines[0].RunID)
	assert.Equal(t, 2, lines[0].Points)
	assert.Equal(t, 1, lines[0].Fresh)

	assert.Equal(t, LineOrder, lines[1].Type)
	assert.Equal(t, uint64(3), lines[1].OrderID)
	assert.Equal(t, "sell", lines[1].Side)
	assert.Equal(t, "filled", lines[1].Status)
	assert.Equal(t, int64(99), lines[1].FillPrice)
	require.Len(t, lines[1].Legs, 1)
}

func TestJournalRecoversPositions(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(context.Background(), recorder.DefaultConfig(dir), obs.NewSequence(1), nil)
	require.NoError(t, err)

	j.OnTimeSlice(slice(1000))
	j.OnOrderEvent(schema.OrderEvent{OrderID: 1, Seq: 1, Time: 1000, Symbol: 1, Side: schema.OrderSideBuy, Status: schema.OrderStatusSubmitted})
	j.OnOrderEvent(fill(1, 2, schema.OrderSideBuy, 5, 100))
	j.OnTimeSlice(slice(2000))
	j.OnOrderEvent(fill(2, 3, schema.OrderSideSell, 2, 110))
	require.NoError(t, j.Close())

	res, err := state.RecoverPositions(t.Context(), state.RecoverConfig{JournalDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, schema.Quantity(3), res.Positions.Qty(1))
	assert.Equal(t, uint64(6), res.LastSeq)
}

func TestStoreWritesRunRows(t *testing.T) {
	c, err := conn.New(conn.Option{Driver: conn.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	st := store.New(c.DB())
	require.NoError(t, st.Migrate())

	s := NewStore(t.Context(), st, "run-9", 2)
	for i := int64(1); i <= 3; i++ {
		s.OnTimeSlice(slice(i * 1000))
	}
	s.OnOrderEvent(fill(1, 1, schema.OrderSideBuy, 1, 10))

	n, err := st.SliceCount(t.Context(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.Close())
	n, err = st.SliceCount(t.Context(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := st.OrderEvents(t.Context(), "run-9")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "filled", rows[0].Status)
}
