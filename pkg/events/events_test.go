package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublishSubscribe tests delivery and timestamping
func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: StreamConnected, Stream: "s1", Addr: "127.0.0.1:1"})

	select {
	case ev := <-ch:
		assert.Equal(t, StreamConnected, ev.Type)
		assert.Equal(t, "s1", ev.Stream)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

// TestTypeFilter tests that a filtered subscription only sees its types
func TestTypeFilter(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(StreamDisconnected)
	defer cancel()

	b.Publish(Event{Type: StreamConnected})
	b.Publish(Event{Type: StreamDisconnected, Err: errors.New("gone")})

	select {
	case ev := <-ch:
		assert.Equal(t, StreamDisconnected, ev.Type)
		assert.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("filtered event never delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %v", ev.Type)
	default:
	}
}

// TestCancel tests that cancel closes the channel and drops the
// subscription
func TestCancel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	b.Publish(Event{Type: ServerStopped})
}

// TestFullSubscriberMisses tests the non-blocking delivery policy
func TestFullSubscriberMisses(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: ServerStarted})
	}

	// The channel buffer bounds what arrived; the publisher never blocked.
	assert.LessOrEqual(t, len(ch), 32)
}
