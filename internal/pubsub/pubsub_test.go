package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hubstream/internal/streamerr"
)

func TestBroadcaster_NoBackfill(t *testing.T) {
	ctx := context.Background()
	b := New[int](0)

	first := b.Subscribe()
	b.Publish(1)
	second := b.Subscribe()
	b.Publish(2)
	b.Publish(3)

	for _, want := range []int{1, 2, 3} {
		v, err := first.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	for _, want := range []int{2, 3} {
		v, err := second.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := New[string](0)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.Len())

	sub.Close()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Publish("x"))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, streamerr.ErrEnded)
}

func TestBroadcaster_EvictsLaggingSubscriber(t *testing.T) {
	ctx := context.Background()
	b := New[int](2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := range 3 {
		b.Publish(i)
		v, err := fast.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.Equal(t, 1, b.Len())
	_, err := slow.Next(ctx)
	assert.ErrorIs(t, err, streamerr.ErrLagging)
}

func TestBroadcaster_CloseDrainsThenEnds(t *testing.T) {
	ctx := context.Background()
	b := New[int](0)
	sub := b.Subscribe()
	b.Publish(9)

	cause := errors.New("transcoder exited")
	b.Close(cause)
	b.Close(nil)

	v, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, cause)

	late := b.Subscribe()
	_, err = late.Next(ctx)
	assert.ErrorIs(t, err, cause)
}

func TestBroadcaster_NextBlocksUntilPublish(t *testing.T) {
	b := New[int](0)
	sub := b.Subscribe()

	got := make(chan int, 1)
	go func() {
		v, _ := sub.Next(context.Background())
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, b.Publish(5))
	assert.Equal(t, 5, <-got)
}
