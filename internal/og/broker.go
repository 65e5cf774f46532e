package og

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const defaultBrokerQueue = 1024

// BrokerOrder is an order as exchanged with a broker.
type BrokerOrder struct {
	ID           uint64
	Symbol       schema.SymbolID
	Side         schema.OrderSide
	Type         schema.OrderType
	TimeInForce  schema.TimeInForce
	Qty          schema.Quantity
	LimitPrice   schema.Price
	StopPrice    schema.Price
	Expiry       int64
	Legs         []schema.Leg
	Tag          string
	Status       schema.OrderStatus
	FilledQty    schema.Quantity
	AvgFillPrice schema.Price
	CreatedAt    int64
}

func brokerOrderOf(o *Order) BrokerOrder {
	return BrokerOrder{
		ID:           o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		TimeInForce:  o.TimeInForce,
		Qty:          o.Qty,
		LimitPrice:   o.LimitPrice,
		StopPrice:    o.StopPrice,
		Expiry:       o.Expiry,
		Legs:         slices.Clone(o.Legs),
		Tag:          o.Tag,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		CreatedAt:    o.CreatedAt,
	}
}

func (b BrokerOrder) order() Order {
	return Order{
		ID:           b.ID,
		Symbol:       b.Symbol,
		Side:         b.Side,
		Type:         b.Type,
		TimeInForce:  b.TimeInForce,
		Qty:          b.Qty,
		LimitPrice:   b.LimitPrice,
		StopPrice:    b.StopPrice,
		Expiry:       b.Expiry,
		Legs:         slices.Clone(b.Legs),
		Tag:          b.Tag,
		Status:       b.Status,
		FilledQty:    b.FilledQty,
		AvgFillPrice: b.AvgFillPrice,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.CreatedAt,
	}
}

// BrokerGateway is the capability a brokered engine trades through.
//
// PlaceOrder, CancelOrder and UpdateOrder return once the broker accepted or
// rejected the request. Fills and broker-side status changes arrive on
// Events, which is closed by Close.
type BrokerGateway interface {
	PlaceOrder(ctx context.Context, order BrokerOrder) error
	CancelOrder(ctx context.Context, id uint64) error
	UpdateOrder(ctx context.Context, id uint64, fields schema.UpdateFields) error
	Events() <-chan schema.OrderEvent
	GetOpenOrders(ctx context.Context) ([]BrokerOrder, error)
	Close() error
}

// SliceObserver is implemented by gateways that price orders from the run's data.
type SliceObserver interface {
	ObserveSlice(slice schema.TimeSlice)
}

// BrokeredConfig tunes a brokered engine.
type BrokeredConfig struct {
	Retry RetryConfig
	// EventQueue bounds the broker events waiting for the run loop.
	EventQueue int
}

// Brokered forwards orders to a BrokerGateway and maps the broker's
// acknowledgments and fills into order events.
//
// Placements are queued by Submit and sent on the next Process or Poll. A
// failed placement invalidates the order. Cancels, updates and open-order
// reads are retried with backoff; when they still fail the order keeps its
// last known state.
type Brokered struct {
	book
	gw      BrokerGateway
	retry   RetryConfig
	pending []uint64
	events  *bus.Queue[schema.OrderEvent]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Engine = (*Brokered)(nil)

// NewBrokered creates a brokered engine and starts consuming broker events.
func NewBrokered(ctx context.Context, cfg Config, gw BrokerGateway, bcfg BrokeredConfig) (*Brokered, error) {
	if gw == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "nil broker gateway")
	}
	b, err := newBook(cfg)
	if err != nil {
		return nil, err
	}
	if bcfg.EventQueue <= 0 {
		bcfg.EventQueue = defaultBrokerQueue
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Brokered{
		book:   b,
		gw:     gw,
		retry:  bcfg.Retry.withDefaults(),
		events: bus.NewQueue[schema.OrderEvent](bcfg.EventQueue),
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.pump(ctx)
	return e, nil
}

// pump moves broker events onto the bounded queue read by the run loop.
func (e *Brokered) pump(ctx context.Context) {
	defer e.wg.Done()
	src := e.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			if err := e.events.Publish(ctx, ev); err != nil {
				if stderrors.Is(err, bus.ErrQueueClosed) {
					e.cfg.Metrics.IncQueueClosed()
				}
				return
			}
		}
	}
}

func (e *Brokered) clock() int64 {
	if e.now > 0 {
		return e.now
	}
	return time.Now().UTC().UnixNano()
}

func (e *Brokered) Submit(_ context.Context, req schema.OrderRequest) (schema.OrderTicket, error) {
	if err := e.admit(req); err != nil {
		return schema.OrderTicket{}, err
	}
	now := e.clock()
	o := e.sm.Create(req, now)
	e.schedule(o)
	if _, err := e.sm.Transition(o, schema.OrderStatusSubmitted, now, ""); err != nil {
		return schema.OrderTicket{}, err
	}
	e.pending = append(e.pending, o.ID)
	return o.Ticket(), nil
}

func (e *Brokered) Cancel(ctx context.Context, id uint64) (schema.OrderEvent, error) {
	o, err := e.lookup(id, "cancel order")
	if err != nil {
		return schema.OrderEvent{}, err
	}
	if idx := slices.Index(e.pending, id); idx >= 0 {
		e.pending = slices.Delete(e.pending, idx, idx+1)
		return e.sm.Transition(o, schema.OrderStatusCanceled, e.clock(), "canceled before placement")
	}
	attempts, err := retry(ctx, e.retry, func(ctx context.Context) error {
		return e.gw.CancelOrder(ctx, id)
	})
	if err != nil {
		return schema.OrderEvent{}, brokerFailed("cancel order", err).With("order_id", id).With("attempts", attempts)
	}
	return e.sm.Transition(o, schema.OrderStatusCanceled, e.clock(), "")
}

func (e *Brokered) Update(ctx context.Context, id uint64, fields schema.UpdateFields) (schema.OrderEvent, error) {
	o, err := e.lookup(id, "update order")
	if err != nil {
		return schema.OrderEvent{}, err
	}
	if err := checkUpdate(o, fields); err != nil {
		return schema.OrderEvent{}, err
	}
	if !slices.Contains(e.pending, id) {
		attempts, err := retry(ctx, e.retry, func(ctx context.Context) error {
			return e.gw.UpdateOrder(ctx, id, fields)
		})
		if err != nil {
			return schema.OrderEvent{}, brokerFailed("update order", err).With("order_id", id).With("attempts", attempts)
		}
	}
	applyUpdate(o, fields)
	return e.sm.Transition(o, schema.OrderStatusUpdateSubmitted, e.clock(), "")
}

func (e *Brokered) Process(ctx context.Context, slice schema.TimeSlice) error {
	e.observe(slice)
	if observer, ok := e.gw.(SliceObserver); ok {
		observer.ObserveSlice(slice)
	}
	return e.Poll(ctx)
}

// Poll sends queued placements and applies every broker event received so far.
func (e *Brokered) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.flush(ctx)
	for {
		ev, ok := e.events.TryReceive()
		if !ok {
			return nil
		}
		e.apply(ev)
	}
}

func (e *Brokered) flush(ctx context.Context) {
	pending := e.pending
	e.pending = nil
	for _, id := range pending {
		o, ok := e.sm.Order(id)
		if !ok || o.Status.IsTerminal() {
			continue
		}
		if err := e.gw.PlaceOrder(ctx, brokerOrderOf(o)); err != nil {
			logs.Errorf("og: place order %d: %+v", id, err)
			msg := exception.ErrBrokerRequestFailed.Error() + ": " + err.Error()
			if _, terr := e.sm.Transition(o, schema.OrderStatusInvalid, e.clock(), msg); terr != nil {
				logs.Errorf("og: invalidate order %d: %+v", id, terr)
			}
		}
	}
}

// apply maps one broker event onto the ledger. Events that contradict the
// ledger are logged and dropped.
func (e *Brokered) apply(ev schema.OrderEvent) {
	o, ok := e.sm.Order(ev.OrderID)
	if !ok {
		logs.Errorf("og: broker event for unknown order %d (%s)", ev.OrderID, ev.Status)
		return
	}
	if o.Status.IsTerminal() {
		return
	}
	switch ev.Status {
	case schema.OrderStatusSubmitted, schema.OrderStatusUpdateSubmitted, schema.OrderStatusNew:
	case schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled:
		fill := Fill{Qty: ev.FillQty, Price: ev.FillPrice, Fee: ev.Fee, Legs: ev.Legs}
		if _, err := e.sm.ApplyFill(o, fill, ev.Time); err != nil {
			logs.Errorf("og: broker fill for order %d: %+v", o.ID, err)
		}
	case schema.OrderStatusCanceled, schema.OrderStatusExpired, schema.OrderStatusInvalid:
		if _, err := e.sm.Transition(o, ev.Status, ev.Time, ev.Message); err != nil {
			logs.Errorf("og: broker %s for order %d: %+v", ev.Status, o.ID, err)
		}
	default:
		logs.Errorf("og: unexpected broker status %d for order %d", ev.Status, o.ID)
	}
}

// Reconcile imports the broker's open orders. It returns how many were imported.
func (e *Brokered) Reconcile(ctx context.Context) (int, error) {
	var open []BrokerOrder
	attempts, err := retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		open, err = e.gw.GetOpenOrders(ctx)
		return err
	})
	if err != nil {
		return 0, brokerFailed("get open orders", err).With("attempts", attempts)
	}
	slices.SortFunc(open, func(a, b BrokerOrder) int { return cmp.Compare(a.ID, b.ID) })
	imported := 0
	for _, bo := range open {
		if err := e.sm.Import(bo.order()); err != nil {
			if !stderrors.Is(err, ErrDuplicateOrder) {
				logs.Errorf("og: import broker order %d: %+v", bo.ID, err)
			}
			continue
		}
		imported++
	}
	if imported > 0 {
		logs.Infof("og: reconciled %d open broker orders", imported)
	}
	return imported, nil
}

// brokerFailed keeps the gateway's answer in the chain next to
// ErrBrokerRequestFailed, so a broker reporting a finished or unknown order
// still matches those errors.
func brokerFailed(op string, err error) errors.Error {
	return errors.Wrap(fmt.Errorf("%w: %w", exception.ErrBrokerRequestFailed, err), op)
}

func (e *Brokered) CancelAll(ctx context.Context) error {
	var errs []error
	for _, o := range e.sm.Working() {
		if _, err := e.Cancel(ctx, o.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (e *Brokered) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		err = e.gw.Close()
		e.events.Close()
		e.wg.Wait()
	})
	return err
}
