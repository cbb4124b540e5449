package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx := context.Background()
	first := b.Subscribe(ctx)
	second := b.Subscribe(ctx)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(CreatedEvent, "req-1")

	for _, sub := range []<-chan Event[string]{first, second} {
		select {
		case evt := <-sub:
			assert.Equal(t, CreatedEvent, evt.Type)
			assert.Equal(t, "req-1", evt.Payload)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 },
		time.Second, 5*time.Millisecond)

	_, open := <-sub
	assert.False(t, open, "cancelled subscriptions close their channel")
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	sub := b.Subscribe(context.Background())
	b.Publish(CreatedEvent, 1)
	b.Publish(UpdatedEvent, 2)
	b.Publish(UpdatedEvent, 3)

	evt := <-sub
	assert.Equal(t, 1, evt.Payload)
	assert.Empty(t, sub, "overflow events are dropped, never queued")
}

func TestClose(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe(context.Background())

	b.Close()
	_, open := <-sub
	assert.False(t, open)

	// Idempotent, and safe to use after.
	b.Close()
	b.Publish(CreatedEvent, 1)

	late := b.Subscribe(context.Background())
	_, open = <-late
	assert.False(t, open, "subscriptions after close are born closed")
	assert.Zero(t, b.SubscriberCount())
}
