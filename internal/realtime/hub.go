// ABOUTME: In-memory fan-out hub for realtime rooms
// ABOUTME: Publishes envelopes to every subscriber of a user or conversation room

package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Envelope is one outbound realtime event as it crosses the wire.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// UserRoom names the per-user room every authenticated session joins.
func UserRoom(userID string) string { return "user_" + userID }

// ConversationRoom names the room for one conversation's live events.
func ConversationRoom(conversationID string) string { return "conversation_" + conversationID }

// Hub provides in-memory pub/sub over named rooms. Sessions subscribe to
// rooms and receive envelopes as services publish them. Delivery is
// fire-and-forget: a slow subscriber drops events rather than blocking the
// publisher, and clients reconcile through the REST API.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]chan *Envelope // room -> subID -> ch
	logger *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[string]chan *Envelope),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber on a room. Returns the event channel and
// a subscription ID for later unsubscription. The subscription is cleaned up
// automatically when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, room string) (<-chan *Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *Envelope, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]chan *Envelope)
	}
	h.rooms[room][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "room", room, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		h.Unsubscribe(room, subID)
	}()

	return ch, subID
}

// Publish sends an envelope to all subscribers of the room. Non-blocking:
// the envelope is dropped for subscribers whose channels are full.
//
// Sends happen under the read lock. Unsubscribe and Close close channels
// under the write lock, so a send can never race a close; the sends
// themselves never block, so holding the lock is safe.
func (h *Hub) Publish(room string, env *Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.rooms[room] {
		select {
		case ch <- env:
		default:
			h.logger.Debug("dropped event for slow subscriber", "room", room, "event", env.Event)
		}
	}
}

// EmitToUser publishes an event to the user's personal room
func (h *Hub) EmitToUser(userID, event string, data any) {
	h.Publish(UserRoom(userID), &Envelope{Event: event, Data: data})
}

// EmitToConversation publishes an event to a conversation's room
func (h *Hub) EmitToConversation(conversationID, event string, data any) {
	h.Publish(ConversationRoom(conversationID), &Envelope{Event: event, Data: data})
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(room, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.rooms[room]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty room entries
	if len(subs) == 0 {
		delete(h.rooms, room)
	}

	h.logger.Debug("subscriber removed", "room", room, "sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room, subs := range h.rooms {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.rooms, room)
	}

	h.logger.Debug("hub closed")
}
