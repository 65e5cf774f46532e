package source_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/feed/simfeed"
	"tradecore/internal/schema"
	"tradecore/internal/source"
)

func TestLiveDropsOldestAndSignalsBackpressure(t *testing.T) {
	feed := simfeed.New(16)
	sub := schema.Subscription{ID: 5, Symbol: 1, Resolution: schema.ResolutionTick}
	var tapped atomic.Int32
	live, err := source.NewLive(context.Background(), sub, feed, source.LiveConfig{QueueSize: 2, Tap: func(schema.DataPoint) { tapped.Add(1) }})
	require.NoError(t, err)

	_, err = live.Next()
	require.ErrorIs(t, err, source.ErrNotReady)

	for i := int64(1); i <= 3; i++ {
		_, err := feed.Publish(context.Background(), schema.DataPoint{Symbol: 1, Resolution: schema.ResolutionTick, Kind: schema.DataTrade, Time: i})
		require.NoError(t, err)
	}

	select {
	case <-live.Backpressure():
	case <-time.After(time.Second):
		t.Fatal("backpressure not signalled")
	}
	require.Eventually(t, func() bool { return tapped.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), live.Dropped())

	p, err := live.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Time)
	assert.Equal(t, schema.SubscriptionID(5), p.Subscription)
	p, err = live.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Time)

	feed.End()
	require.Eventually(t, func() bool {
		_, err := live.Next()
		return errors.Is(err, source.ErrEndOfStream)
	}, time.Second, time.Millisecond)
	require.NoError(t, live.Close())
}
