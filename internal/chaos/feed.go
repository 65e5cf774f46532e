package chaos

import (
	"context"

	"tradecore/internal/schema"
	"tradecore/internal/source"
)

// Feed wraps a MarketDataSource and drops, duplicates and reorders the points
// of every stream. Each stream gets its own engine seeded from the config.
type Feed struct {
	inner source.MarketDataSource
	cfg   Config
}

var _ source.MarketDataSource = (*Feed)(nil)

// NewFeed wraps inner.
func NewFeed(inner source.MarketDataSource, cfg Config) (*Feed, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Feed{inner: inner, cfg: cfg}, nil
}

func (f *Feed) Subscribe(ctx context.Context, sub schema.Subscription) (source.StreamHandle, <-chan schema.DataPoint, error) {
	handle, in, err := f.inner.Subscribe(ctx, sub)
	if err != nil {
		return handle, nil, err
	}
	cfg := f.cfg
	if cfg.Seed != 0 {
		cfg.Seed += int64(handle)
	}
	eng, err := NewEngine[schema.DataPoint](cfg)
	if err != nil {
		_ = f.inner.Unsubscribe(handle)
		return handle, nil, err
	}
	out := make(chan schema.DataPoint, cap(in))
	go func() {
		defer close(out)
		for p := range in {
			for _, q := range eng.Process(p) {
				select {
				case <-ctx.Done():
					return
				case out <- q:
				}
			}
		}
		for _, q := range eng.Flush() {
			select {
			case <-ctx.Done():
				return
			case out <- q:
			}
		}
	}()
	return handle, out, nil
}

func (f *Feed) Unsubscribe(handle source.StreamHandle) error {
	return f.inner.Unsubscribe(handle)
}
