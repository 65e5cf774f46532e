package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueTryPublishFullAndClosed(t *testing.T) {
	q := NewQueue[int](2)
	require.NoError(t, q.TryPublish(1))
	require.NoError(t, q.TryPublish(2))
	require.ErrorIs(t, q.TryPublish(3), ErrQueueFull)

	q.Close()
	require.ErrorIs(t, q.TryPublish(4), ErrQueueClosed)

	v, ok := q.Receive(t.Context())
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Receive(t.Context())
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Receive(t.Context())
	assert.False(t, ok)
}

func TestQueuePublishWaitsForCapacity(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.TryPublish(1))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Publish(ctx, 2), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- q.Publish(t.Context(), 2) }()

	v, ok := q.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)

	v, ok = q.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestQueueRunDrainsAfterClose(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryPublish(i))
	}
	q.Close()

	var got []int
	q.Run(t.Context(), func(v int) { got = append(got, v) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		dropped, err := r.Publish(i)
		require.NoError(t, err)
		require.False(t, dropped)
	}

	dropped, err := r.Publish(4)
	require.NoError(t, err)
	require.True(t, dropped)
	assert.Equal(t, uint64(1), r.Dropped())

	select {
	case <-r.Backpressure():
	default:
		t.Fatal("backpressure signal not raised")
	}

	var got []int
	for {
		v, ok := r.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4}, got)
}

func TestRingConcurrentPublishersNeverBlock(t *testing.T) {
	r := NewRing[int](16)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_, _ = r.Publish(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
	assert.Equal(t, uint64(4000-16), r.Dropped())

	r.Close()
	_, err := r.Publish(1)
	require.ErrorIs(t, err, ErrQueueClosed)
	assert.True(t, r.Closed())
}
