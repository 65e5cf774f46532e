package og

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const defaultPaperBuffer = 256

// PaperConfig controls the paper gateway behavior.
type PaperConfig struct {
	Session           string
	ResendOnReconnect bool
	// Buffer is the capacity of the event channel.
	Buffer  int
	FeeRate decimal.Decimal
	Scales  func(schema.SymbolID) schema.ScaleSpec
}

// PaperGateway is an in-process broker. It accepts orders while connected,
// fills them against the latest observed prices and pushes the fills on
// Events. While disconnected it parks placements for resend on reconnect,
// or rejects them.
type PaperGateway struct {
	cfg PaperConfig

	mu        sync.Mutex
	open      map[uint64]*BrokerOrder
	pending   map[uint64]BrokerOrder
	finished  map[uint64]schema.OrderStatus
	marks     map[schema.SymbolID]schema.Price
	now       int64
	connected bool
	closed    bool
	events    chan schema.OrderEvent
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once
}

var (
	_ BrokerGateway = (*PaperGateway)(nil)
	_ SliceObserver = (*PaperGateway)(nil)
)

// NewPaperGateway creates a connected paper gateway.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.Session == "" {
		cfg.Session = "paper"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultPaperBuffer
	}
	return &PaperGateway{
		cfg:       cfg,
		open:      make(map[uint64]*BrokerOrder),
		pending:   make(map[uint64]BrokerOrder),
		finished:  make(map[uint64]schema.OrderStatus),
		marks:     make(map[schema.SymbolID]schema.Price),
		connected: true,
		events:    make(chan schema.OrderEvent, cfg.Buffer),
		done:      make(chan struct{}),
	}
}

func (g *PaperGateway) Events() <-chan schema.OrderEvent {
	return g.events
}

func (g *PaperGateway) PlaceOrder(_ context.Context, order BrokerOrder) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.Wrap(exception.ErrGatewayDisconnected, "gateway closed").With("session", g.cfg.Session)
	}
	if !g.connected {
		if !g.cfg.ResendOnReconnect {
			g.mu.Unlock()
			return errors.Wrap(exception.ErrGatewayDisconnected, "place order").With("order_id", order.ID)
		}
		g.pending[order.ID] = order
		g.mu.Unlock()
		return nil
	}
	out := g.accept(order)
	g.mu.Unlock()
	g.push(out)
	return nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.closed {
		return errors.Wrap(exception.ErrGatewayDisconnected, "cancel order").With("order_id", id)
	}
	if _, ok := g.pending[id]; ok {
		delete(g.pending, id)
		return nil
	}
	if _, ok := g.open[id]; !ok {
		return g.missing("cancel order", id)
	}
	g.finish(id, schema.OrderStatusCanceled)
	return nil
}

func (g *PaperGateway) UpdateOrder(_ context.Context, id uint64, fields schema.UpdateFields) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.closed {
		return errors.Wrap(exception.ErrGatewayDisconnected, "update order").With("order_id", id)
	}
	o, ok := g.open[id]
	if !ok {
		return g.missing("update order", id)
	}
	if fields.Qty != nil {
		o.Qty = *fields.Qty
	}
	if fields.LimitPrice != nil {
		o.LimitPrice = *fields.LimitPrice
	}
	if fields.StopPrice != nil {
		o.StopPrice = *fields.StopPrice
	}
	if fields.Tag != nil {
		o.Tag = *fields.Tag
	}
	return nil
}

func (g *PaperGateway) GetOpenOrders(_ context.Context) ([]BrokerOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.closed {
		return nil, errors.Wrap(exception.ErrGatewayDisconnected, "get open orders").With("session", g.cfg.Session)
	}
	out := make([]BrokerOrder, 0, len(g.open))
	for _, o := range g.open {
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b BrokerOrder) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ObserveSlice marks prices from the slice and fills open orders that cross.
func (g *PaperGateway) ObserveSlice(slice schema.TimeSlice) {
	g.mu.Lock()
	if slice.Time > g.now {
		g.now = slice.Time
	}
	for _, p := range slice.Points {
		if px := p.LastPrice(); px > 0 && !p.FillForward {
			g.marks[p.Symbol] = px
		}
	}
	var out []schema.OrderEvent
	if g.connected {
		for _, id := range g.openIDs() {
			if ev, ok := g.tryFill(g.open[id]); ok {
				out = append(out, ev)
			}
		}
	}
	g.mu.Unlock()
	g.push(out)
}

// Disconnect marks the gateway as disconnected.
func (g *PaperGateway) Disconnect() {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
}

// Reconnect marks the gateway as connected and resends parked placements.
// It returns the ids that were resent.
func (g *PaperGateway) Reconnect() []uint64 {
	g.mu.Lock()
	g.connected = true
	ids := make([]uint64, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var out []schema.OrderEvent
	for _, id := range ids {
		out = append(out, g.accept(g.pending[id])...)
		delete(g.pending, id)
	}
	g.mu.Unlock()
	g.push(out)
	return ids
}

// Connected reports the connection state.
func (g *PaperGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *PaperGateway) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.done)
		g.sendMu.Lock()
		close(g.events)
		g.sendMu.Unlock()
	})
	return nil
}

// accept registers an order and fills it at once when it already crosses.
func (g *PaperGateway) accept(order BrokerOrder) []schema.OrderEvent {
	o := order
	o.Status = schema.OrderStatusSubmitted
	g.open[o.ID] = &o
	if ev, ok := g.tryFill(&o); ok {
		return []schema.OrderEvent{ev}
	}
	return nil
}

func (g *PaperGateway) finish(id uint64, status schema.OrderStatus) {
	delete(g.open, id)
	g.finished[id] = status
}

// missing tells orders the gateway already finished apart from ones it never saw.
func (g *PaperGateway) missing(op string, id uint64) error {
	if status, ok := g.finished[id]; ok {
		return errors.Wrap(exception.ErrOrderAlreadyFinished, op).With("order_id", id).With("status", status.String())
	}
	return errors.Wrap(exception.ErrUnknownOrder, op).With("order_id", id)
}

func (g *PaperGateway) openIDs() []uint64 {
	ids := make([]uint64, 0, len(g.open))
	for id := range g.open {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// tryFill fills the whole remaining quantity at the mark when the order crosses.
func (g *PaperGateway) tryFill(o *BrokerOrder) (schema.OrderEvent, bool) {
	if o.Type == schema.OrderTypeCombo {
		return g.fillCombo(o)
	}
	mark, ok := g.marks[o.Symbol]
	if !ok {
		return schema.OrderEvent{}, false
	}
	buy := o.Side == schema.OrderSideBuy
	price := mark
	switch o.Type {
	case schema.OrderTypeLimit:
		if (buy && mark > o.LimitPrice) || (!buy && mark < o.LimitPrice) {
			return schema.OrderEvent{}, false
		}
	case schema.OrderTypeStopMarket, schema.OrderTypeStopLimit:
		if (buy && mark < o.StopPrice) || (!buy && mark > o.StopPrice) {
			return schema.OrderEvent{}, false
		}
		if o.Type == schema.OrderTypeStopLimit && ((buy && mark > o.LimitPrice) || (!buy && mark < o.LimitPrice)) {
			return schema.OrderEvent{}, false
		}
	}
	qty := o.Qty - o.FilledQty
	if qty <= 0 {
		return schema.OrderEvent{}, false
	}
	var scale schema.ScaleSpec
	if g.cfg.Scales != nil {
		scale = g.cfg.Scales(o.Symbol)
	}
	g.finish(o.ID, schema.OrderStatusFilled)
	return schema.OrderEvent{
		OrderID:   o.ID,
		Time:      g.now,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Status:    schema.OrderStatusFilled,
		FillQty:   qty,
		FillPrice: price,
		Fee:       FeeFor(g.cfg.FeeRate, scale, price, qty),
	}, true
}

func (g *PaperGateway) fillCombo(o *BrokerOrder) (schema.OrderEvent, bool) {
	qty := o.Qty - o.FilledQty
	legs := make([]schema.LegFill, 0, len(o.Legs))
	var (
		net schema.Price
		fee schema.Fee
	)
	for _, leg := range o.Legs {
		mark, ok := g.marks[leg.Symbol]
		if !ok {
			return schema.OrderEvent{}, false
		}
		side, ratio := o.Side, leg.Ratio
		if ratio < 0 {
			side, ratio = side.Opposite(), -ratio
		}
		var scale schema.ScaleSpec
		if g.cfg.Scales != nil {
			scale = g.cfg.Scales(leg.Symbol)
		}
		legQty := qty * schema.Quantity(ratio)
		legFee := FeeFor(g.cfg.FeeRate, scale, mark, legQty)
		legs = append(legs, schema.LegFill{Symbol: leg.Symbol, Side: side, Qty: legQty, Price: mark, Fee: legFee})
		net += mark * schema.Price(leg.Ratio)
		fee += legFee
	}
	g.finish(o.ID, schema.OrderStatusFilled)
	return schema.OrderEvent{
		OrderID:   o.ID,
		Time:      g.now,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Status:    schema.OrderStatusFilled,
		FillQty:   qty,
		FillPrice: net,
		Fee:       fee,
		Legs:      legs,
	}, true
}

// push delivers events outside the state lock. It never sends after Close.
func (g *PaperGateway) push(events []schema.OrderEvent) {
	if len(events) == 0 {
		return
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	for _, ev := range events {
		select {
		case <-g.done:
			return
		default:
		}
		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}
