package bus

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded queue that never blocks its publisher: when full, the
// oldest unconsumed item is dropped to make room.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	size    int
	closed  bool
	dropped uint64

	ready    chan struct{}
	pressure chan struct{}
}

// NewRing allocates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		ready:    make(chan struct{}, 1),
		pressure: make(chan struct{}, 1),
	}
}

// Publish appends an item. It reports whether an older item was dropped.
func (r *Ring[T]) Publish(item T) (dropped bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrQueueClosed
	}
	if r.size == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		dropped = true
		atomic.AddUint64(&r.dropped, 1)
	}
	r.buf[(r.head+r.size)%len(r.buf)] = item
	r.size++
	r.mu.Unlock()

	notify(r.ready)
	if dropped {
		notify(r.pressure)
	}
	return dropped, nil
}

// TryReceive pops the oldest item without blocking.
func (r *Ring[T]) TryReceive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return item, true
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the number of items discarded on overflow.
func (r *Ring[T]) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// Ready is signaled after a publish. The signal is level-collapsed: several
// publishes may produce one wakeup.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Backpressure is signaled whenever an item is dropped on overflow.
func (r *Ring[T]) Backpressure() <-chan struct{} {
	return r.pressure
}

// Close rejects further publishes. Buffered items remain readable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	notify(r.ready)
}

// Closed reports whether Close was called.
func (r *Ring[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
