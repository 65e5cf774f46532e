package app

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/internal/store"
	"tradecore/pkg/exception"
)

// factory opens the adapter variant named by a subscription's source.
type factory struct {
	cfg     ops.Loaded
	feed    source.MarketDataSource
	store   *store.Store
	metrics *obs.Metrics
}

var _ source.Factory = (*factory)(nil)

func (f *factory) Open(ctx context.Context, sub schema.Subscription) (source.Adapter, error) {
	if sub.Source != schema.SourceLive {
		return f.historical(ctx, sub, sub.Source)
	}
	// the live stream subscribes first so it buffers while history replays
	live, err := f.live(ctx, sub)
	if err != nil {
		return nil, err
	}
	if sub.History == "" {
		return live, nil
	}
	hist, err := f.historical(ctx, sub, sub.History)
	if err != nil {
		_ = live.Close()
		return nil, err
	}
	return source.NewChain(hist, live), nil
}

func (f *factory) historical(ctx context.Context, sub schema.Subscription, kind schema.SourceKind) (source.Adapter, error) {
	switch kind {
	case schema.SourceWAL:
		it, err := source.OpenWAL(source.WALConfig{
			Dir:             f.cfg.Data.WALDir,
			Prefix:          source.WALPrefix(f.cfg.Registry.NameOf(sub.Symbol), sub.Resolution),
			DisableChecksum: f.cfg.Data.DisableChecksum,
			MaxPayloadSize:  f.cfg.Data.MaxPayloadSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open wal").With("subscription", sub.ID)
		}
		return source.NewHistorical(sub, it), nil
	case schema.SourceStore:
		if f.store == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "store source without a store").With("subscription", sub.ID)
		}
		return source.NewHistorical(sub, source.NewStoreIterator(ctx, f.store, sub, 0, f.cfg.Data.PageSize)), nil
	default:
		return nil, errors.Wrap(exception.ErrInvalidArgument, "unknown historical source").With("source", kind)
	}
}

func (f *factory) live(ctx context.Context, sub schema.Subscription) (source.Adapter, error) {
	if f.feed == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "live source without a feed").With("subscription", sub.ID)
	}
	cfg := source.LiveConfig{QueueSize: f.cfg.Data.LiveQueue, Metrics: f.metrics}
	dir := f.cfg.Sinks.RecordDir
	if dir == "" {
		return source.NewLive(ctx, sub, f.feed, cfg)
	}

	prefix := source.WALPrefix(f.cfg.Registry.NameOf(sub.Symbol), sub.Resolution)
	w, err := source.CreateWAL(context.WithoutCancel(ctx), dir, prefix, uint16(sub.ID))
	if err != nil {
		return nil, errors.Wrap(err, "create record wal").With("dir", dir)
	}
	rec := &recorded{wal: w}
	cfg.Tap = rec.write
	live, err := source.NewLive(ctx, sub, f.feed, cfg)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	rec.Live = live
	logs.Infof("app: recording subscription %d into %s/%s", sub.ID, dir, prefix)
	return rec, nil
}

// recorded is a live adapter that copies every accepted point into a WAL.
type recorded struct {
	*source.Live
	wal    *source.WALWriter
	failed atomic.Uint64
}

func (r *recorded) write(p schema.DataPoint) {
	if err := r.wal.TryWrite(p); err != nil {
		if r.failed.Add(1) == 1 {
			logs.Errorf("app: record point, subscription: %d, err: %+v", p.Subscription, err)
		}
	}
}

// Close stops the live stream before the WAL, so the tap never writes to a
// closed writer.
func (r *recorded) Close() error {
	err := r.Live.Close()
	if n := r.failed.Load(); n > 0 {
		logs.Errorf("app: %d points not recorded", n)
	}
	return stderrors.Join(err, r.wal.Close())
}
