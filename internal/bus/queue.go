package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, thread-safe FIFO between producers on any goroutine
// and a single consumer.
type Queue[T any] struct {
	ch     chan T
	closed uint32
	done   chan struct{}
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// TryPublish enqueues an item without blocking.
func (q *Queue[T]) TryPublish(item T) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish enqueues an item, waiting for capacity until ctx is done or the queue closes.
func (q *Queue[T]) Publish(ctx context.Context, item T) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- item:
		return nil
	}
}

// TryReceive dequeues an item without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Receive dequeues an item, waiting until ctx is done.
// It returns false once the queue is closed and drained.
func (q *Queue[T]) Receive(ctx context.Context) (T, bool) {
	var zero T
	select {
	case item := <-q.ch:
		return item, true
	default:
	}
	select {
	case <-ctx.Done():
		return zero, false
	case item := <-q.ch:
		return item, true
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, true
		default:
			return zero, false
		}
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close stops the queue from accepting new items. Buffered items remain readable.
func (q *Queue[T]) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.done)
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	return atomic.LoadUint32(&q.closed) != 0
}

// Run consumes items until the context is done or the queue is closed and drained.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		item, ok := q.Receive(ctx)
		if !ok {
			return
		}
		handler(item)
	}
}
