// ABOUTME: Tests for the realtime hub
// ABOUTME: Covers room fan-out, slow-subscriber drops, and subscription cleanup

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	ctx := context.Background()

	ch1, _ := hub.Subscribe(ctx, UserRoom("user-1"))
	ch2, _ := hub.Subscribe(ctx, UserRoom("user-1"))
	other, _ := hub.Subscribe(ctx, UserRoom("user-2"))

	hub.EmitToUser("user-1", "task_created", map[string]any{"task_id": "t1"})

	env := receiveOne(t, ch1)
	assert.Equal(t, "task_created", env.Event)
	env = receiveOne(t, ch2)
	assert.Equal(t, "task_created", env.Event)

	select {
	case <-other:
		t.Error("user-2 should not receive user-1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ConversationRoom(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, _ := hub.Subscribe(context.Background(), ConversationRoom("c1"))
	hub.EmitToConversation("c1", "task_message", map[string]any{"type": "stream"})

	env := receiveOne(t, ch)
	assert.Equal(t, "task_message", env.Event)
}

func TestHub_PublishToEmptyRoom(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// No subscribers: publish must not block or panic
	hub.EmitToConversation("nobody-here", "task_message", nil)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, _ := hub.Subscribe(context.Background(), UserRoom("user-1"))

	// Overflow the buffer without reading; publishes must never block
	for i := 0; i < subscriberBufferSize+10; i++ {
		hub.EmitToUser("user-1", "task_message", i)
	}

	// The buffer's worth arrived, the rest were dropped
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, subID := hub.Subscribe(context.Background(), UserRoom("user-1"))
	hub.Unsubscribe(UserRoom("user-1"), subID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Repeat unsubscribe is a no-op
	hub.Unsubscribe(UserRoom("user-1"), subID)
}

func TestHub_PublishDuringUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	room := ConversationRoom("c1")

	// Hammer the room from a publisher while subscribers churn. A send
	// racing a channel close panics, so surviving the churn is the assertion.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				hub.Publish(room, &Envelope{Event: "task_message"})
			}
		}
	}()

	for i := 0; i < 500; i++ {
		_, subID := hub.Subscribe(context.Background(), room)
		hub.Unsubscribe(room, subID)
	}

	close(done)
	wg.Wait()
}

func TestHub_ContextCancelCleansUp(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := hub.Subscribe(ctx, UserRoom("user-1"))
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel should close after context cancellation")
}
