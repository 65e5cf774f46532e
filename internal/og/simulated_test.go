package og

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/subscription"
	"tradecore/pkg/exception"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func registryWith(t *testing.T, session schema.SessionHours, symbols ...schema.SymbolID) *subscription.Registry {
	t.Helper()
	reg := subscription.NewRegistry()
	for _, s := range symbols {
		_, err := reg.Add(schema.Subscription{Symbol: s, Resolution: schema.ResolutionMinute, Session: session})
		require.NoError(t, err)
	}
	reg.Commit()
	return reg
}

func minuteBar(symbol schema.SymbolID, end time.Time, open, high, low, close schema.Price, volume schema.Quantity) schema.DataPoint {
	return schema.DataPoint{
		Subscription: schema.SubscriptionID(symbol),
		Symbol:       symbol,
		Resolution:   schema.ResolutionMinute,
		Kind:         schema.DataBar,
		Time:         end.UnixNano(),
		Bar:          schema.Bar{Open: open, High: high, Low: low, Close: close, Volume: volume},
	}
}

func sliceOf(end time.Time, points ...schema.DataPoint) schema.TimeSlice {
	return schema.TimeSlice{Time: end.UnixNano(), Points: points}
}

func newSim(t *testing.T, fill FillConfig, symbols ...schema.SymbolID) *Simulated {
	t.Helper()
	eng, err := NewSimulated(Config{Subscriptions: registryWith(t, schema.SessionHours{}, symbols...)}, NewFillModel(fill))
	require.NoError(t, err)
	return eng
}

func statuses(events []schema.OrderEvent) []schema.OrderStatus {
	out := make([]schema.OrderStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func TestMarketOrderFillsWithinSlippageBound(t *testing.T) {
	ctx := context.Background()
	model := NewFillModel(FillConfig{SlippageBps: 5})
	eng, err := NewSimulated(Config{Subscriptions: registryWith(t, schema.SessionHours{}, 1)}, model)
	require.NoError(t, err)

	trade := schema.DataPoint{Subscription: 1, Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade, Time: t0.UnixNano(), Trade: schema.Trade{Price: 10000, Size: 50}}
	require.NoError(t, eng.Process(ctx, sliceOf(t0, trade)))

	ticket, err := eng.Submit(ctx, schema.MarketOrder(1, schema.OrderSideBuy, 10))
	require.NoError(t, err)

	events := eng.Drain()
	require.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted, schema.OrderStatusFilled}, statuses(events))
	filled := events[1]
	assert.Equal(t, schema.Quantity(10), filled.FillQty)
	bound := model.SlippageBound(10000)
	assert.Equal(t, schema.Price(5), bound)
	assert.InDelta(t, 10000, int64(filled.FillPrice), float64(bound))

	got, ok := eng.Ticket(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusFilled, got.Status)
	assert.Equal(t, schema.Quantity(10), eng.Positions().Qty(1))
}

func TestLimitOrderWaitsForRange(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{}, 1)

	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 97, 98, 96, 97, 100))))
	ticket, err := eng.Submit(ctx, schema.LimitOrder(1, schema.OrderSideBuy, 5, 95))
	require.NoError(t, err)

	next := t0.Add(time.Minute)
	require.NoError(t, eng.Process(ctx, sliceOf(next, minuteBar(1, next, 97, 98, 96, 97, 100))))
	assert.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted}, statuses(eng.Drain()))
	got, _ := eng.Ticket(ticket.ID)
	assert.Equal(t, schema.OrderStatusSubmitted, got.Status)

	later := next.Add(time.Minute)
	require.NoError(t, eng.Process(ctx, sliceOf(later, minuteBar(1, later, 96, 97, 94, 95, 100))))
	events := eng.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, schema.OrderStatusFilled, events[0].Status)
	assert.LessOrEqual(t, events[0].FillPrice, schema.Price(95))
	assert.Equal(t, later.UnixNano(), events[0].Time)
}

func TestLimitOrderSubmittedDuringSliceIsNotFilledByIt(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{}, 1)
	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 97, 98, 90, 97, 100))))
	_, err := eng.Submit(ctx, schema.LimitOrder(1, schema.OrderSideBuy, 5, 95))
	require.NoError(t, err)
	assert.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted}, statuses(eng.Drain()))
}

func TestVolumeRatioYieldsPartialFills(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{VolumeRatio: decimal.RequireFromString("0.5")}, 1)

	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 101, 99, 100, 8))))
	ticket, err := eng.Submit(ctx, schema.MarketOrder(1, schema.OrderSideSell, 10))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		end := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, eng.Process(ctx, sliceOf(end, minuteBar(1, end, 100, 101, 99, 100, 8))))
	}

	events := eng.Drain()
	assert.Equal(t, []schema.OrderStatus{
		schema.OrderStatusSubmitted,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
	}, statuses(events))

	var total schema.Quantity
	for _, ev := range events {
		total += ev.FillQty
		assert.LessOrEqual(t, total, schema.Quantity(10))
	}
	assert.Equal(t, schema.Quantity(10), total)
	got, _ := eng.Ticket(ticket.ID)
	assert.Equal(t, schema.Quantity(0), got.Remaining())
	assert.Equal(t, schema.Quantity(-10), eng.Positions().Qty(1))
}

func TestStopOrders(t *testing.T) {
	testCases := []struct {
		desc  string
		req   schema.OrderRequest
		bars  [][4]schema.Price
		price schema.Price
	}{
		{
			desc:  "stop market buy",
			req:   schema.StopOrder(1, schema.OrderSideBuy, 1, 105),
			bars:  [][4]schema.Price{{100, 104, 99, 103}, {106, 108, 105, 107}},
			price: 106,
		},
		{
			desc:  "stop market sell gaps through",
			req:   schema.StopOrder(1, schema.OrderSideSell, 1, 95),
			bars:  [][4]schema.Price{{100, 101, 96, 97}, {93, 94, 90, 92}},
			price: 93,
		},
		{
			desc: "stop limit sell",
			req: schema.OrderRequest{Kind: schema.RequestSubmit, Symbol: 1, Side: schema.OrderSideSell,
				Type: schema.OrderTypeStopLimit, Qty: 1, StopPrice: 95, LimitPrice: 94},
			bars:  [][4]schema.Price{{100, 101, 96, 97}, {97, 97, 95, 96}},
			price: 95,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			ctx := context.Background()
			eng := newSim(t, FillConfig{}, 1)
			require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 100, 100, 100, 10))))
			_, err := eng.Submit(ctx, tc.req)
			require.NoError(t, err)

			for i, b := range tc.bars {
				end := t0.Add(time.Duration(i+1) * time.Minute)
				require.NoError(t, eng.Process(ctx, sliceOf(end, minuteBar(1, end, b[0], b[1], b[2], b[3], 10))))
			}
			events := eng.Drain()
			require.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted, schema.OrderStatusFilled}, statuses(events))
			assert.Equal(t, tc.price, events[1].FillPrice)
		})
	}
}

func TestMarketOnOpenAndClose(t *testing.T) {
	ctx := context.Background()
	session, err := schema.ParseSessionHours("09:30-16:00")
	require.NoError(t, err)
	eng, err := NewSimulated(Config{Subscriptions: registryWith(t, session, 1)}, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 100, 100, 100, 10))))
	moo, err := eng.Submit(ctx, schema.OrderRequest{Kind: schema.RequestSubmit, Symbol: 1, Side: schema.OrderSideBuy, Type: schema.OrderTypeMarketOnOpen, Qty: 1})
	require.NoError(t, err)
	moc, err := eng.Submit(ctx, schema.OrderRequest{Kind: schema.RequestSubmit, Symbol: 1, Side: schema.OrderSideSell, Type: schema.OrderTypeMarketOnClose, Qty: 1})
	require.NoError(t, err)
	eng.Drain()

	beforeClose := time.Date(2024, 1, 2, 15, 59, 0, 0, time.UTC)
	require.NoError(t, eng.Process(ctx, sliceOf(beforeClose, minuteBar(1, beforeClose, 101, 101, 101, 101, 10))))
	assert.Empty(t, eng.Drain())

	atClose := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	require.NoError(t, eng.Process(ctx, sliceOf(atClose, minuteBar(1, atClose, 102, 103, 101, 103, 10))))
	events := eng.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, moc.ID, events[0].OrderID)
	assert.Equal(t, schema.Price(103), events[0].FillPrice)

	firstBar := time.Date(2024, 1, 3, 9, 31, 0, 0, time.UTC)
	require.NoError(t, eng.Process(ctx, sliceOf(firstBar, minuteBar(1, firstBar, 110, 112, 109, 111, 10))))
	events = eng.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, moo.ID, events[0].OrderID)
	assert.Equal(t, schema.Price(110), events[0].FillPrice)
}

func TestTimeInForceExpiry(t *testing.T) {
	ctx := context.Background()
	session, err := schema.ParseSessionHours("09:30-16:00")
	require.NoError(t, err)
	eng, err := NewSimulated(Config{Subscriptions: registryWith(t, session, 1)}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 100, 100, 100, 10))))

	day := schema.LimitOrder(1, schema.OrderSideBuy, 1, 50)
	day.TimeInForce = schema.TimeInForceDay
	dayTicket, err := eng.Submit(ctx, day)
	require.NoError(t, err)

	gtd := schema.LimitOrder(1, schema.OrderSideBuy, 1, 50)
	gtd.TimeInForce = schema.TimeInForceGoodTilDate
	gtd.Expiry = t0.Add(2 * time.Minute).UnixNano()
	gtdTicket, err := eng.Submit(ctx, gtd)
	require.NoError(t, err)
	eng.Drain()

	for i := 1; i <= 60; i++ {
		end := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, eng.Process(ctx, sliceOf(end, minuteBar(1, end, 100, 100, 100, 100, 10))))
	}
	events := eng.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, gtdTicket.ID, events[0].OrderID)
	assert.Equal(t, schema.OrderStatusExpired, events[0].Status)
	assert.Equal(t, t0.Add(2*time.Minute).UnixNano(), events[0].Time)
	assert.Equal(t, dayTicket.ID, events[1].OrderID)
	assert.Equal(t, schema.OrderStatusExpired, events[1].Status)
	assert.Equal(t, time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC).UnixNano(), events[1].Time)
	assert.Empty(t, eng.OpenOrders())
}

func TestComboFillsAtomically(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{}, 1, 2)
	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 100, 100, 100, 10))))

	combo := schema.OrderRequest{
		Kind: schema.RequestSubmit, Side: schema.OrderSideBuy, Type: schema.OrderTypeCombo, Qty: 3,
		Legs: []schema.Leg{{Symbol: 1, Ratio: 1}, {Symbol: 2, Ratio: -2}},
	}
	ticket, err := eng.Submit(ctx, combo)
	require.NoError(t, err)
	assert.Equal(t, schema.SymbolID(1), ticket.Symbol)
	assert.Equal(t, []schema.OrderStatus{schema.OrderStatusSubmitted}, statuses(eng.Drain()))

	next := t0.Add(time.Minute)
	require.NoError(t, eng.Process(ctx, sliceOf(next,
		minuteBar(1, next, 100, 100, 100, 100, 10),
		minuteBar(2, next, 20, 20, 20, 20, 10),
	)))
	events := eng.Drain()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, schema.OrderStatusFilled, ev.Status)
	require.Len(t, ev.Legs, 2)
	assert.Equal(t, schema.LegFill{Symbol: 1, Side: schema.OrderSideBuy, Qty: 3, Price: 100}, ev.Legs[0])
	assert.Equal(t, schema.LegFill{Symbol: 2, Side: schema.OrderSideSell, Qty: 6, Price: 20}, ev.Legs[1])
	assert.Equal(t, schema.Price(60), ev.FillPrice)

	assert.Equal(t, schema.Quantity(3), eng.Positions().Qty(1))
	assert.Equal(t, schema.Quantity(-6), eng.Positions().Qty(2))
}

func TestCancelAndUpdate(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{}, 1)
	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 100, 100, 100, 100, 10))))

	ticket, err := eng.Submit(ctx, schema.LimitOrder(1, schema.OrderSideBuy, 5, 90))
	require.NoError(t, err)

	qty := schema.Quantity(8)
	limit := schema.Price(91)
	ev, err := eng.Update(ctx, ticket.ID, schema.UpdateFields{Qty: &qty, LimitPrice: &limit})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusUpdateSubmitted, ev.Status)
	got, _ := eng.Ticket(ticket.ID)
	assert.Equal(t, qty, got.Qty)
	assert.Equal(t, limit, got.LimitPrice)
	assert.Equal(t, schema.OrderStatusSubmitted, got.Status)

	stop := schema.Price(80)
	_, err = eng.Update(ctx, ticket.ID, schema.UpdateFields{StopPrice: &stop})
	require.ErrorIs(t, err, exception.ErrInvalidOrderRequest)

	ev, err = eng.Cancel(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusCanceled, ev.Status)

	_, err = eng.Cancel(ctx, ticket.ID)
	require.ErrorIs(t, err, exception.ErrOrderAlreadyFinished)
	_, err = eng.Update(ctx, ticket.ID, schema.UpdateFields{Qty: &qty})
	require.ErrorIs(t, err, exception.ErrOrderAlreadyFinished)
	_, err = eng.Cancel(ctx, 999)
	require.ErrorIs(t, err, exception.ErrUnknownOrder)

	got, _ = eng.Ticket(ticket.ID)
	assert.Equal(t, schema.OrderStatusCanceled, got.Status)
}

func TestCancelAll(t *testing.T) {
	ctx := context.Background()
	eng := newSim(t, FillConfig{}, 1)
	for i := 0; i < 3; i++ {
		_, err := eng.Submit(ctx, schema.LimitOrder(1, schema.OrderSideBuy, 1, 90))
		require.NoError(t, err)
	}
	require.Len(t, eng.OpenOrders(), 3)
	require.NoError(t, eng.CancelAll(ctx))
	assert.Empty(t, eng.OpenOrders())
}

func TestSubmitValidation(t *testing.T) {
	testCases := []struct {
		desc string
		req  schema.OrderRequest
	}{
		{desc: "unsubscribed", req: schema.MarketOrder(7, schema.OrderSideBuy, 1)},
		{desc: "zero quantity", req: schema.MarketOrder(1, schema.OrderSideBuy, 0)},
		{desc: "negative quantity", req: schema.MarketOrder(1, schema.OrderSideBuy, -3)},
		{desc: "unknown side", req: schema.MarketOrder(1, schema.OrderSideUnknown, 1)},
		{desc: "unknown type", req: schema.OrderRequest{Kind: schema.RequestSubmit, Symbol: 1, Side: schema.OrderSideBuy, Qty: 1}},
		{desc: "limit without price", req: schema.LimitOrder(1, schema.OrderSideBuy, 1, 0)},
		{desc: "stop without price", req: schema.StopOrder(1, schema.OrderSideSell, 1, -1)},
		{desc: "gtd without expiry", req: schema.OrderRequest{Kind: schema.RequestSubmit, Symbol: 1, Side: schema.OrderSideBuy,
			Type: schema.OrderTypeMarket, Qty: 1, TimeInForce: schema.TimeInForceGoodTilDate}},
		{desc: "combo without legs", req: schema.OrderRequest{Kind: schema.RequestSubmit, Side: schema.OrderSideBuy, Type: schema.OrderTypeCombo, Qty: 1}},
		{desc: "combo leg unsubscribed", req: schema.OrderRequest{Kind: schema.RequestSubmit, Side: schema.OrderSideBuy,
			Type: schema.OrderTypeCombo, Qty: 1, Legs: []schema.Leg{{Symbol: 1, Ratio: 1}, {Symbol: 9, Ratio: 1}}}},
		{desc: "cancel request", req: schema.CancelRequest(1)},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			eng := newSim(t, FillConfig{}, 1)
			_, err := eng.Submit(context.Background(), tc.req)
			require.ErrorIs(t, err, exception.ErrInvalidOrderRequest)
			assert.Equal(t, 0, eng.Len())
			assert.Empty(t, eng.Drain())
		})
	}
}

func TestRiskDenial(t *testing.T) {
	m := obs.NewMetrics()
	eng, err := NewSimulated(Config{
		Subscriptions: registryWith(t, schema.SessionHours{}, 1),
		Risk:          risk.NewEngine(risk.Config{MaxOrderQty: 5}),
		Metrics:       m,
	}, nil)
	require.NoError(t, err)

	_, err = eng.Submit(context.Background(), schema.MarketOrder(1, schema.OrderSideBuy, 10))
	require.ErrorIs(t, err, exception.ErrInvalidOrderRequest)
	assert.Equal(t, uint64(1), m.Snapshot().RiskReasonCounts[risk.ReasonMaxQty])

	_, err = eng.Submit(context.Background(), schema.MarketOrder(1, schema.OrderSideBuy, 5))
	require.NoError(t, err)
}

func TestFeesFromDecimalRate(t *testing.T) {
	ctx := context.Background()
	scales := func(schema.SymbolID) schema.ScaleSpec { return schema.ScaleSpec{PriceScale: 2, QuantityScale: 0} }
	eng := newSim(t, FillConfig{FeeRate: decimal.RequireFromString("0.001"), Scales: scales}, 1)
	require.NoError(t, eng.Process(ctx, sliceOf(t0, minuteBar(1, t0, 10000, 10000, 10000, 10000, 100))))

	_, err := eng.Submit(ctx, schema.MarketOrder(1, schema.OrderSideBuy, 3))
	require.NoError(t, err)
	events := eng.Drain()
	require.Len(t, events, 2)
	// 100.00 * 3 * 0.001 = 0.30
	assert.Equal(t, schema.Fee(30), events[1].Fee)
}
