package chaos

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Gateway wraps a BrokerGateway and fails requests at Config.FailRate.
// Failed requests never reach the wrapped gateway; pushed events pass through.
type Gateway struct {
	og.BrokerGateway
	eng      *Engine[struct{}]
	failures atomic.Uint64
}

var (
	_ og.BrokerGateway = (*Gateway)(nil)
	_ og.SliceObserver = (*Gateway)(nil)
)

// NewGateway wraps inner.
func NewGateway(inner og.BrokerGateway, cfg Config) (*Gateway, error) {
	if inner == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "chaos gateway: nil gateway")
	}
	eng, err := NewEngine[struct{}](cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{BrokerGateway: inner, eng: eng}, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order og.BrokerOrder) error {
	if err := g.inject("place order", order.ID); err != nil {
		return err
	}
	return g.BrokerGateway.PlaceOrder(ctx, order)
}

func (g *Gateway) CancelOrder(ctx context.Context, id uint64) error {
	if err := g.inject("cancel order", id); err != nil {
		return err
	}
	return g.BrokerGateway.CancelOrder(ctx, id)
}

func (g *Gateway) UpdateOrder(ctx context.Context, id uint64, fields schema.UpdateFields) error {
	if err := g.inject("update order", id); err != nil {
		return err
	}
	return g.BrokerGateway.UpdateOrder(ctx, id, fields)
}

func (g *Gateway) GetOpenOrders(ctx context.Context) ([]og.BrokerOrder, error) {
	if err := g.inject("get open orders", 0); err != nil {
		return nil, err
	}
	return g.BrokerGateway.GetOpenOrders(ctx)
}

// ObserveSlice forwards to the wrapped gateway when it prices from run data.
func (g *Gateway) ObserveSlice(slice schema.TimeSlice) {
	if o, ok := g.BrokerGateway.(og.SliceObserver); ok {
		o.ObserveSlice(slice)
	}
}

// Failures returns the number of injected failures.
func (g *Gateway) Failures() uint64 {
	return g.failures.Load()
}

func (g *Gateway) inject(op string, id uint64) error {
	if !g.eng.Fail() {
		return nil
	}
	g.failures.Add(1)
	return errors.Wrap(exception.ErrBrokerRequestFailed, "chaos: injected failure").With("op", op).With("order_id", id)
}
