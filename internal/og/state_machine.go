package og

import (
	"errors"
	"slices"

	"github.com/shopspring/decimal"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/state"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// Order holds the engine's mutable view of an order. Strategies only ever
// see OrderTicket copies.
type Order struct {
	ID          uint64
	Symbol      schema.SymbolID
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Qty         schema.Quantity
	LimitPrice  schema.Price
	StopPrice   schema.Price
	Expiry      int64
	Legs        []schema.Leg
	Tag         string

	Status       schema.OrderStatus
	FilledQty    schema.Quantity
	AvgFillPrice schema.Price
	CreatedAt    int64
	UpdatedAt    int64
	LastEventSeq uint64

	// Triggered is set once a stop-limit order's stop has been touched.
	Triggered bool
	// NotBefore is the earliest fill time of market-on-open/close orders.
	NotBefore int64
	// ExpireAt is the time a Day or GoodTilDate order stops working.
	ExpireAt int64
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() schema.Quantity {
	if o.FilledQty >= o.Qty {
		return 0
	}
	return o.Qty - o.FilledQty
}

// Ticket returns an immutable snapshot.
func (o *Order) Ticket() schema.OrderTicket {
	return schema.OrderTicket{
		ID:           o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		TimeInForce:  o.TimeInForce,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		LimitPrice:   o.LimitPrice,
		StopPrice:    o.StopPrice,
		Status:       o.Status,
		Tag:          o.Tag,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		LastEventSeq: o.LastEventSeq,
	}
}

func bit(s schema.OrderStatus) uint16 { return 1 << s }

// transitions lists the statuses reachable from each status.
var transitions = [...]uint16{
	schema.OrderStatusNew: bit(schema.OrderStatusSubmitted) | bit(schema.OrderStatusInvalid) |
		bit(schema.OrderStatusCanceled),
	schema.OrderStatusSubmitted: bit(schema.OrderStatusPartiallyFilled) | bit(schema.OrderStatusFilled) |
		bit(schema.OrderStatusCanceled) | bit(schema.OrderStatusInvalid) |
		bit(schema.OrderStatusUpdateSubmitted) | bit(schema.OrderStatusExpired),
	schema.OrderStatusPartiallyFilled: bit(schema.OrderStatusPartiallyFilled) | bit(schema.OrderStatusFilled) |
		bit(schema.OrderStatusCanceled) | bit(schema.OrderStatusUpdateSubmitted) |
		bit(schema.OrderStatusExpired),
	schema.OrderStatusFilled:          0,
	schema.OrderStatusCanceled:        0,
	schema.OrderStatusInvalid:         0,
	schema.OrderStatusUpdateSubmitted: 0,
	schema.OrderStatusExpired:         0,
}

// CanTransition reports whether an order in status from may move to status to.
func CanTransition(from, to schema.OrderStatus) bool {
	if int(from) >= len(transitions) {
		return false
	}
	return transitions[from]&bit(to) != 0
}

// Fill is one execution applied to an order.
type Fill struct {
	Qty   schema.Quantity
	Price schema.Price
	Fee   schema.Fee
	Legs  []schema.LegFill
}

// StateMachine is the order arena shared by every engine variant.
//
// It owns orders by id, keeps the working orders in submission order,
// stamps events with a run-wide sequence and a per-order non-decreasing
// time, and buffers emitted events until Drain.
type StateMachine struct {
	orders    map[uint64]*Order
	working   []uint64
	nextID    uint64
	seq       uint64
	outbox    []schema.OrderEvent
	positions *state.PositionReducer
	metrics   *obs.Metrics
}

// NewStateMachine creates an empty arena. Fills update positions when given.
func NewStateMachine(positions *state.PositionReducer, metrics *obs.Metrics) *StateMachine {
	return &StateMachine{
		orders:    make(map[uint64]*Order),
		positions: positions,
		metrics:   metrics,
	}
}

// Order returns the current order state.
func (m *StateMachine) Order(id uint64) (*Order, bool) {
	o, ok := m.orders[id]
	return o, ok
}

// Len returns the number of orders ever accepted.
func (m *StateMachine) Len() int {
	return len(m.orders)
}

// Create allocates an order in status New from a submit request.
func (m *StateMachine) Create(req schema.OrderRequest, now int64) *Order {
	m.nextID++
	symbol := req.Symbol
	if symbol == 0 && len(req.Legs) > 0 {
		symbol = req.Legs[0].Symbol
	}
	o := &Order{
		ID:          m.nextID,
		Symbol:      symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		Expiry:      req.Expiry,
		Legs:        slices.Clone(req.Legs),
		Tag:         req.Tag,
		Status:      schema.OrderStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.TimeInForce == schema.TimeInForceGoodTilDate {
		o.ExpireAt = o.Expiry
	}
	m.orders[o.ID] = o
	return o
}

// Import adds an order that already exists elsewhere, such as an open order
// reported by a broker. No event is emitted.
func (m *StateMachine) Import(o Order) error {
	if o.ID == 0 {
		return ErrInvalidTransition
	}
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	cp := o
	m.orders[o.ID] = &cp
	if o.ID > m.nextID {
		m.nextID = o.ID
	}
	if !o.Status.IsTerminal() && o.Status != schema.OrderStatusNew {
		m.working = append(m.working, o.ID)
	}
	return nil
}

// Transition moves an order to a non-fill status and emits the event.
// UpdateSubmitted is emitted without changing the order's status.
func (m *StateMachine) Transition(o *Order, to schema.OrderStatus, now int64, msg string) (schema.OrderEvent, error) {
	if !CanTransition(o.Status, to) {
		return schema.OrderEvent{}, ErrInvalidTransition
	}
	from := o.Status
	if to != schema.OrderStatusUpdateSubmitted {
		o.Status = to
	}
	switch {
	case from == schema.OrderStatusNew && to == schema.OrderStatusSubmitted:
		m.working = append(m.working, o.ID)
	case to.IsTerminal():
		m.unwork(o.ID)
	}
	return m.emit(o, to, now, Fill{}, msg), nil
}

// ApplyFill records an execution. The order becomes PartiallyFilled or Filled.
func (m *StateMachine) ApplyFill(o *Order, fill Fill, now int64) (schema.OrderEvent, error) {
	if fill.Qty <= 0 || fill.Qty > o.Remaining() {
		return schema.OrderEvent{}, ErrInvalidFill
	}
	next := schema.OrderStatusPartiallyFilled
	if fill.Qty == o.Remaining() {
		next = schema.OrderStatusFilled
	}
	if !CanTransition(o.Status, next) {
		return schema.OrderEvent{}, ErrInvalidTransition
	}

	filled := decimal.NewFromInt(int64(o.FilledQty))
	qty := decimal.NewFromInt(int64(fill.Qty))
	notional := decimal.NewFromInt(int64(o.AvgFillPrice)).Mul(filled).
		Add(decimal.NewFromInt(int64(fill.Price)).Mul(qty))
	o.FilledQty += fill.Qty
	o.AvgFillPrice = schema.Price(notional.Div(filled.Add(qty)).Round(0).IntPart())
	o.Status = next
	if next == schema.OrderStatusFilled {
		m.unwork(o.ID)
	}

	ev := m.emit(o, next, now, fill, "")
	if m.positions != nil {
		m.positions.ApplyEvent(ev)
	}
	return ev, nil
}

func (m *StateMachine) emit(o *Order, status schema.OrderStatus, now int64, fill Fill, msg string) schema.OrderEvent {
	if now < o.UpdatedAt {
		now = o.UpdatedAt
	}
	m.seq++
	o.UpdatedAt = now
	o.LastEventSeq = m.seq
	ev := schema.OrderEvent{
		OrderID:   o.ID,
		Seq:       m.seq,
		Time:      now,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Status:    status,
		FillQty:   fill.Qty,
		FillPrice: fill.Price,
		Fee:       fill.Fee,
		Legs:      fill.Legs,
		Message:   msg,
	}
	m.outbox = append(m.outbox, ev)
	m.metrics.IncOrderEvent(status)
	return ev
}

func (m *StateMachine) unwork(id uint64) {
	m.working = slices.DeleteFunc(m.working, func(w uint64) bool { return w == id })
}

// Working returns the non-terminal submitted orders in submission order.
func (m *StateMachine) Working() []*Order {
	out := make([]*Order, 0, len(m.working))
	for _, id := range m.working {
		out = append(out, m.orders[id])
	}
	return out
}

// Drain returns and clears the buffered events in emission order.
func (m *StateMachine) Drain() []schema.OrderEvent {
	if len(m.outbox) == 0 {
		return nil
	}
	out := m.outbox
	m.outbox = nil
	return out
}
