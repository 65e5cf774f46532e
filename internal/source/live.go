package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

const defaultLiveQueueSize = 1024

// LiveConfig controls a live adapter.
type LiveConfig struct {
	QueueSize int
	// Tap sees every accepted point on the pump goroutine.
	Tap     func(schema.DataPoint)
	Metrics *obs.Metrics
}

// Live buffers points pushed by a MarketDataSource in a bounded ring. When
// the ring is full the oldest point is dropped and Backpressure fires; the
// upstream publisher is never blocked.
type Live struct {
	sub    schema.Subscription
	feed   MarketDataSource
	handle StreamHandle
	ring   *bus.Ring[schema.DataPoint]
	cfg    LiveConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ended  atomic.Bool
	closed atomic.Bool
}

// NewLive subscribes to feed and starts pumping its stream.
func NewLive(ctx context.Context, sub schema.Subscription, feed MarketDataSource, cfg LiveConfig) (*Live, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultLiveQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	handle, stream, err := feed.Subscribe(ctx, sub)
	if err != nil {
		cancel()
		return nil, err
	}
	l := &Live{
		sub:    sub,
		feed:   feed,
		handle: handle,
		ring:   bus.NewRing[schema.DataPoint](cfg.QueueSize),
		cfg:    cfg,
		cancel: cancel,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.pump(ctx, stream)
	}()
	return l, nil
}

func (l *Live) pump(ctx context.Context, stream <-chan schema.DataPoint) {
	defer func() {
		l.ended.Store(true)
		l.ring.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-stream:
			if !ok {
				return
			}
			if p.Symbol != l.sub.Symbol {
				continue
			}
			p.Subscription = l.sub.ID
			p.Resolution = l.sub.Resolution
			p.FillForward = false
			l.cfg.Metrics.ObserveFeed(p, time.Now().UnixNano())

			dropped, err := l.ring.Publish(p)
			if err != nil {
				return
			}
			if dropped {
				l.cfg.Metrics.IncLiveDrop()
				if n := l.ring.Dropped(); n == 1 || n%1000 == 0 {
					logs.Errorf("live queue overflow, subscription: %d, dropped: %d", l.sub.ID, n)
				}
			}
			if l.cfg.Tap != nil {
				l.cfg.Tap(p)
			}
		}
	}
}

func (l *Live) Next() (schema.DataPoint, error) {
	if p, ok := l.ring.TryReceive(); ok {
		return p, nil
	}
	if l.ended.Load() {
		// the pump may have published between the two checks
		if p, ok := l.ring.TryReceive(); ok {
			return p, nil
		}
		return schema.DataPoint{}, ErrEndOfStream
	}
	return schema.DataPoint{}, ErrNotReady
}

// Ready fires after new points are buffered.
func (l *Live) Ready() <-chan struct{} {
	return l.ring.Ready()
}

// Backpressure fires whenever a point is dropped on overflow.
func (l *Live) Backpressure() <-chan struct{} {
	return l.ring.Backpressure()
}

// Dropped returns the number of points lost to overflow.
func (l *Live) Dropped() uint64 {
	return l.ring.Dropped()
}

// Buffered returns the number of points waiting to be read.
func (l *Live) Buffered() int {
	return l.ring.Len()
}

func (l *Live) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.feed.Unsubscribe(l.handle)
	l.cancel()
	l.wg.Wait()
	return err
}
