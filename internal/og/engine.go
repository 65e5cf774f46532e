package og

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"tradecore/internal/obs"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/subscription"
	"tradecore/pkg/exception"
)

// Engine owns the order book of a run. All methods are called from the
// run-loop goroutine.
type Engine interface {
	Submit(ctx context.Context, req schema.OrderRequest) (schema.OrderTicket, error)
	Cancel(ctx context.Context, id uint64) (schema.OrderEvent, error)
	Update(ctx context.Context, id uint64, fields schema.UpdateFields) (schema.OrderEvent, error)
	// Process advances the engine to a new slice.
	Process(ctx context.Context, slice schema.TimeSlice) error
	// Poll applies asynchronous updates without a new slice.
	Poll(ctx context.Context) error
	// Drain returns the events emitted since the last call.
	Drain() []schema.OrderEvent
	Ticket(id uint64) (schema.OrderTicket, bool)
	OpenOrders() []schema.OrderTicket
	CancelAll(ctx context.Context) error
	Close() error
}

// Config carries the collaborators shared by every engine variant.
type Config struct {
	// Subscriptions decides which instruments are tradable.
	Subscriptions *subscription.Registry
	// Risk is optional pre-trade control.
	Risk      *risk.Engine
	Positions *state.PositionReducer
	Metrics   *obs.Metrics
}

func (c Config) withDefaults() Config {
	if c.Positions == nil {
		c.Positions = state.NewPositionReducer()
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Subscriptions == nil {
		return errors.Wrap(exception.ErrNilInstance, "engine config: nil subscription registry")
	}
	return nil
}

// book is the ledger logic shared by the simulated and brokered engines.
type book struct {
	cfg   Config
	sm    *StateMachine
	now   int64
	marks map[schema.SymbolID]schema.Price
}

func newBook(cfg Config) (book, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return book{}, err
	}
	return book{
		cfg:   cfg,
		sm:    NewStateMachine(cfg.Positions, cfg.Metrics),
		marks: make(map[schema.SymbolID]schema.Price),
	}, nil
}

// Positions exposes the position reducer updated from fills.
func (b *book) Positions() *state.PositionReducer {
	return b.cfg.Positions
}

// Len returns the number of orders in the book.
func (b *book) Len() int {
	return b.sm.Len()
}

func (b *book) Ticket(id uint64) (schema.OrderTicket, bool) {
	o, ok := b.sm.Order(id)
	if !ok {
		return schema.OrderTicket{}, false
	}
	return o.Ticket(), true
}

func (b *book) OpenOrders() []schema.OrderTicket {
	working := b.sm.Working()
	out := make([]schema.OrderTicket, 0, len(working))
	for _, o := range working {
		out = append(out, o.Ticket())
	}
	return out
}

func (b *book) Drain() []schema.OrderEvent {
	return b.sm.Drain()
}

func (b *book) observe(slice schema.TimeSlice) {
	if slice.Time > b.now {
		b.now = slice.Time
	}
	for _, p := range slice.Points {
		if p.FillForward {
			continue
		}
		if px := p.LastPrice(); px > 0 {
			b.marks[p.Symbol] = px
		}
	}
}

// admit validates a submit request and runs the risk checks.
func (b *book) admit(req schema.OrderRequest) error {
	if err := b.validate(req); err != nil {
		return err
	}
	if b.cfg.Risk == nil {
		return nil
	}
	symbol := req.Symbol
	if symbol == 0 && len(req.Legs) > 0 {
		symbol = req.Legs[0].Symbol
	}
	decision := b.cfg.Risk.Evaluate(req, risk.StateView{
		Position:       b.cfg.Positions.Qty(symbol),
		ReferencePrice: b.marks[symbol],
		Now:            b.now,
	})
	if !decision.Allow {
		b.cfg.Metrics.IncRiskReason(decision.Reason)
		return decision.Err()
	}
	return nil
}

func (b *book) validate(req schema.OrderRequest) error {
	invalid := func(msg string) error {
		return errors.Wrap(exception.ErrInvalidOrderRequest, msg).With("symbol", req.Symbol)
	}
	if req.Kind != schema.RequestSubmit {
		return invalid("not a submit request")
	}
	if req.Qty <= 0 {
		return errors.Wrap(exception.ErrInvalidOrderRequest, "quantity must be positive").With("symbol", req.Symbol).With("qty", req.Qty)
	}
	if req.Side != schema.OrderSideBuy && req.Side != schema.OrderSideSell {
		return invalid("unknown side")
	}
	switch req.Type {
	case schema.OrderTypeMarket, schema.OrderTypeLimit, schema.OrderTypeStopMarket, schema.OrderTypeStopLimit,
		schema.OrderTypeMarketOnOpen, schema.OrderTypeMarketOnClose:
		if !b.cfg.Subscriptions.IsActive(req.Symbol) {
			return invalid("instrument not subscribed")
		}
	case schema.OrderTypeCombo:
		if len(req.Legs) == 0 {
			return invalid("combo without legs")
		}
		for _, leg := range req.Legs {
			if leg.Ratio == 0 {
				return errors.Wrap(exception.ErrInvalidOrderRequest, "combo leg with zero ratio").With("leg", leg.Symbol)
			}
			if !b.cfg.Subscriptions.IsActive(leg.Symbol) {
				return errors.Wrap(exception.ErrInvalidOrderRequest, "combo leg not subscribed").With("leg", leg.Symbol)
			}
		}
	default:
		return invalid("unknown order type")
	}
	if req.Type.NeedsLimit() && req.LimitPrice <= 0 {
		return errors.Wrap(exception.ErrInvalidOrderRequest, "limit price must be positive").With("symbol", req.Symbol).With("limit", req.LimitPrice)
	}
	if req.Type.NeedsStop() && req.StopPrice <= 0 {
		return errors.Wrap(exception.ErrInvalidOrderRequest, "stop price must be positive").With("symbol", req.Symbol).With("stop", req.StopPrice)
	}
	if req.TimeInForce == schema.TimeInForceGoodTilDate && req.Expiry <= 0 {
		return invalid("good-til-date order without expiry")
	}
	return nil
}

// schedule sets the session-dependent times of a new order.
func (b *book) schedule(o *Order) {
	sub, _ := b.cfg.Subscriptions.ForSymbol(o.Symbol)
	now := time.Unix(0, b.now)
	loc := sub.Loc()

	nextClose := func() int64 {
		closeAt := sub.Session.CloseOn(now, loc)
		if !closeAt.After(now) {
			closeAt = sub.Session.CloseOn(closeAt.Add(time.Minute), loc)
		}
		return closeAt.UnixNano()
	}

	switch o.Type {
	case schema.OrderTypeMarketOnOpen:
		o.NotBefore = sub.Session.NextOpen(now, loc).UnixNano()
	case schema.OrderTypeMarketOnClose:
		o.NotBefore = nextClose()
	}
	if o.TimeInForce == schema.TimeInForceDay {
		o.ExpireAt = nextClose()
	}
}

// lookup returns a non-terminal order or the error a stale mutation earns.
func (b *book) lookup(id uint64, op string) (*Order, error) {
	o, ok := b.sm.Order(id)
	if !ok {
		return nil, errors.Wrap(exception.ErrUnknownOrder, op).With("order_id", id)
	}
	if o.Status.IsTerminal() {
		return nil, errors.Wrap(exception.ErrOrderAlreadyFinished, op).With("order_id", id).With("status", o.Status.String())
	}
	return o, nil
}

// checkUpdate validates update fields against an order.
func checkUpdate(o *Order, fields schema.UpdateFields) error {
	invalid := func(msg string) error {
		return errors.Wrap(exception.ErrInvalidOrderRequest, msg).With("order_id", o.ID)
	}
	if fields.Empty() {
		return invalid("empty update")
	}
	if fields.Qty != nil && *fields.Qty <= o.FilledQty {
		return errors.Wrap(exception.ErrInvalidOrderRequest, "quantity must exceed filled quantity").With("order_id", o.ID).With("qty", *fields.Qty)
	}
	if fields.LimitPrice != nil && (!o.Type.NeedsLimit() || *fields.LimitPrice <= 0) {
		return invalid("limit price not applicable")
	}
	if fields.StopPrice != nil && (!o.Type.NeedsStop() || *fields.StopPrice <= 0) {
		return invalid("stop price not applicable")
	}
	return nil
}

func applyUpdate(o *Order, fields schema.UpdateFields) {
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
}
