package sink

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

const defaultAsyncQueue = 4096

type item struct {
	slice   schema.TimeSlice
	event   schema.OrderEvent
	isSlice bool
}

// Async decouples a slow sink from the run loop. Results are queued without
// blocking; when the queue is full they are dropped and counted.
type Async struct {
	inner   Sink
	queue   *bus.Queue[item]
	metrics *obs.Metrics
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

// NewAsync starts a goroutine delivering queued results to inner until Close.
func NewAsync(ctx context.Context, inner Sink, capacity int, metrics *obs.Metrics) *Async {
	if capacity <= 0 {
		capacity = defaultAsyncQueue
	}
	a := &Async{
		inner:   inner,
		queue:   bus.NewQueue[item](capacity),
		metrics: metrics,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.queue.Run(context.WithoutCancel(ctx), func(it item) {
			if it.isSlice {
				a.inner.OnTimeSlice(it.slice)
				return
			}
			a.inner.OnOrderEvent(it.event)
		})
	}()
	return a
}

func (a *Async) OnTimeSlice(slice schema.TimeSlice) {
	a.publish(item{slice: slice, isSlice: true})
}

func (a *Async) OnOrderEvent(ev schema.OrderEvent) {
	a.publish(item{event: ev})
}

func (a *Async) publish(it item) {
	err := a.queue.TryPublish(it)
	switch {
	case err == nil:
	case stderrors.Is(err, bus.ErrQueueFull):
		if a.dropped.Add(1) == 1 {
			logs.Errorf("sink: async queue full, dropping results")
		}
		a.metrics.IncQueueDrop()
	case stderrors.Is(err, bus.ErrQueueClosed):
		a.metrics.IncQueueClosed()
	}
}

// Dropped returns how many results were dropped on a full queue.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close delivers the queued results, then closes the inner sink.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.queue.Close()
		a.wg.Wait()
		a.err = a.inner.Close()
		if n := a.dropped.Load(); n > 0 {
			logs.Errorf("sink: %d results dropped", n)
		}
	})
	return a.err
}
