package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventJobStateChanged, Message: "queued"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventJobStateChanged, ev.Type)
			assert.False(t, ev.Timestamp.IsZero(), "timestamp set on publish")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// Overflow the per-subscriber buffer without draining
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventContainerStarted})
	}

	// Publisher survived; subscriber got at most its buffer
	deadline := time.After(time.Second)
	got := 0
drain:
	for {
		select {
		case <-sub:
			got++
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	require.LessOrEqual(t, got, 50)
}
