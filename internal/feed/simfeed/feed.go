package simfeed

import (
	"context"
	"sync"

	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/pkg/exception"
)

const defaultBuffer = 64

// Feed is an in-process MarketDataSource. Points handed to Publish are
// delivered to every stream subscribed to the point's instrument.
type Feed struct {
	mu      sync.Mutex
	buffer  int
	next    source.StreamHandle
	streams map[source.StreamHandle]*stream
	// ended holds handles closed by End that were not unsubscribed yet.
	ended   map[source.StreamHandle]struct{}
}

type stream struct {
	sub  schema.Subscription
	ch   chan schema.DataPoint
	done chan struct{}
	mu   sync.RWMutex
	once sync.Once
}

// New creates a feed whose streams buffer up to buffer points.
func New(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Feed{
		buffer:  buffer,
		streams: make(map[source.StreamHandle]*stream),
		ended:   make(map[source.StreamHandle]struct{}),
	}
}

func (f *Feed) Subscribe(_ context.Context, sub schema.Subscription) (source.StreamHandle, <-chan schema.DataPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := &stream{
		sub:  sub,
		ch:   make(chan schema.DataPoint, f.buffer),
		done: make(chan struct{}),
	}
	f.streams[f.next] = s
	return f.next, s.ch, nil
}

// Unsubscribe closes the stream of handle. Handles of streams closed by End
// unsubscribe without error.
func (f *Feed) Unsubscribe(handle source.StreamHandle) error {
	f.mu.Lock()
	s, ok := f.streams[handle]
	delete(f.streams, handle)
	_, ended := f.ended[handle]
	delete(f.ended, handle)
	f.mu.Unlock()
	if ended {
		return nil
	}
	if !ok {
		return exception.ErrUnknownSubscription
	}
	s.close()
	return nil
}

// Publish delivers p to matching streams, waiting for buffer space until ctx is done.
// It returns the number of streams that received the point.
func (f *Feed) Publish(ctx context.Context, p schema.DataPoint) (int, error) {
	f.mu.Lock()
	targets := make([]*stream, 0, len(f.streams))
	for _, s := range f.streams {
		if s.sub.Symbol == p.Symbol && (s.sub.Resolution == p.Resolution || p.Resolution == schema.ResolutionUnknown) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		ok, err := s.send(ctx, p)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// Subscribers returns the number of open streams.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// End closes every stream, signalling end of data to subscribers.
func (f *Feed) End() {
	f.mu.Lock()
	streams := f.streams
	f.streams = make(map[source.StreamHandle]*stream)
	for h := range streams {
		f.ended[h] = struct{}{}
	}
	f.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

func (s *stream) send(ctx context.Context, p schema.DataPoint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return false, nil
	default:
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.done:
		return false, nil
	case s.ch <- p:
		return true, nil
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
