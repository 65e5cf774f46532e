package source

import (
	"context"
	"errors"

	"tradecore/internal/schema"
)

var (
	// ErrEndOfStream reports that an adapter will produce no further points.
	ErrEndOfStream = errors.New("source: end of stream")
	// ErrNotReady reports that a live adapter has nothing buffered right now.
	ErrNotReady = errors.New("source: not ready")
)

// Adapter yields the data points of one subscription in end-time order.
//
// Next never blocks. It returns ErrEndOfStream once exhausted, ErrNotReady
// when a live adapter has nothing buffered, and an error wrapping
// exception.ErrCorruptRecord for malformed historical entries. Reading may
// continue after a corrupt-record error.
type Adapter interface {
	Next() (schema.DataPoint, error)
	Close() error
}

// Notifier is implemented by adapters that can signal newly buffered points.
type Notifier interface {
	Ready() <-chan struct{}
}

// StreamHandle identifies a MarketDataSource stream.
type StreamHandle uint64

// MarketDataSource pushes data points for subscribed instruments.
// The returned channel is closed after Unsubscribe or when the upstream ends.
type MarketDataSource interface {
	Subscribe(ctx context.Context, sub schema.Subscription) (StreamHandle, <-chan schema.DataPoint, error)
	Unsubscribe(handle StreamHandle) error
}

// Factory opens the adapter backing a subscription.
type Factory interface {
	Open(ctx context.Context, sub schema.Subscription) (Adapter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, sub schema.Subscription) (Adapter, error)

func (f FactoryFunc) Open(ctx context.Context, sub schema.Subscription) (Adapter, error) {
	return f(ctx, sub)
}
