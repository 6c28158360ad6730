// ABOUTME: WebSocket session handling - first-frame auth, room membership, inbound dispatch
// ABOUTME: Each connection authenticates, auto-joins its user room, and exchanges JSON frames

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/attune/internal/auth"
	"github.com/2389/attune/internal/chat"
	"github.com/2389/attune/internal/store"
)

// defaultAuthTimeout bounds how long a connection may sit unauthenticated
const defaultAuthTimeout = 10 * time.Second

// ChatService defines what sessions need from the chat layer
type ChatService interface {
	ProcessMessage(ctx context.Context, userID, conversationID, message string, metadata map[string]any) (*chat.Response, error)
	ProcessAgentMessage(ctx context.Context, userID, conversationID, message string, metadata map[string]any) (*chat.Response, error)
	ConversationAccessible(ctx context.Context, userID, conversationID string) error
}

// Handler upgrades HTTP requests to WebSocket sessions.
//
// Protocol: the first frame a client sends must be an auth frame carrying a
// bearer token; anything else, or silence past the deadline, closes the
// connection. After auth the session joins the user's personal room, sends
// connected, and accepts chat / agent_chat / join_conversation /
// leave_conversation frames.
type Handler struct {
	verifier    auth.TokenVerifier
	chat        ChatService
	hub         *Hub
	authTimeout time.Duration
	logger      *slog.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(verifier auth.TokenVerifier, chatSvc ChatService, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		verifier:    verifier,
		chat:        chatSvc,
		hub:         hub,
		authTimeout: defaultAuthTimeout,
		logger:      logger.With("component", "realtime"),
	}
}

// inboundFrame is the shape of every client-to-server message
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, ok := h.authenticate(ctx, conn)
	if !ok {
		return
	}

	h.logger.Info("session connected", "user_id", userID)
	s := &session{
		conn:   conn,
		hub:    h.hub,
		chat:   h.chat,
		userID: userID,
		out:    make(chan *Envelope, subscriberBufferSize),
		joined: make(map[string]string),
		logger: h.logger.With("user_id", userID),
	}
	s.run(ctx, cancel)
	h.logger.Info("session closed", "user_id", userID)
}

// authenticate enforces the first-frame token handshake. On failure the
// connection is closed and false returned.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (string, bool) {
	authCtx, cancel := context.WithTimeout(ctx, h.authTimeout)
	defer cancel()

	var frame inboundFrame
	if err := wsjson.Read(authCtx, conn, &frame); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return "", false
	}
	if frame.Type != "auth" {
		conn.Close(websocket.StatusPolicyViolation, "first frame must be auth")
		return "", false
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Token == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing token")
		return "", false
	}

	userID, err := h.verifier.Verify(payload.Token)
	if err != nil {
		h.logger.Debug("session auth failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return "", false
	}
	return userID, true
}

// session is one authenticated WebSocket connection
type session struct {
	conn   *websocket.Conn
	hub    *Hub
	chat   ChatService
	userID string

	out chan *Envelope // fan-in of room events and direct replies

	mu     sync.Mutex
	joined map[string]string // room -> subID

	logger *slog.Logger
}

func (s *session) run(ctx context.Context, cancel context.CancelFunc) {
	defer s.conn.Close(websocket.StatusNormalClosure, "")

	// Every session lives in its user room for the connection's lifetime
	s.join(ctx, UserRoom(s.userID))

	// Writer: single goroutine owns all writes to the connection
	go func() {
		for {
			select {
			case env := <-s.out:
				if err := wsjson.Write(ctx, s.conn, env); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.send(&Envelope{Event: "connected", Data: map[string]any{"user": s.userID}})

	// Reader loop: dispatch inbound frames until the connection drops
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			return
		}
		s.dispatch(ctx, &frame)
	}
}

func (s *session) dispatch(ctx context.Context, frame *inboundFrame) {
	switch frame.Type {
	case "chat":
		s.handleChat(ctx, frame.Data, false)
	case "agent_chat":
		s.handleChat(ctx, frame.Data, true)
	case "join_conversation":
		s.handleJoin(ctx, frame.Data)
	case "leave_conversation":
		s.handleLeave(frame.Data)
	default:
		s.sendError("unknown message type: " + frame.Type)
	}
}

// chatPayload is the data shape for chat and agent_chat frames
type chatPayload struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *session) handleChat(ctx context.Context, data json.RawMessage, agent bool) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.sendError("malformed chat payload")
		return
	}

	if agent {
		// Engine runs stream for a while; don't hold up the reader loop.
		// Progress reaches the client through room events, so there is no
		// direct reply to wait for.
		go func() {
			if _, err := s.chat.ProcessAgentMessage(ctx, s.userID, payload.ConversationID, payload.Message, payload.Metadata); err != nil {
				s.sendError(userFacing(err))
			}
		}()
		return
	}

	if _, err := s.chat.ProcessMessage(ctx, s.userID, payload.ConversationID, payload.Message, payload.Metadata); err != nil {
		s.sendError(userFacing(err))
	}
}

type roomPayload struct {
	ConversationID string `json:"conversation_id"`
}

func (s *session) handleJoin(ctx context.Context, data json.RawMessage) {
	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		s.sendError("conversation_id is required")
		return
	}

	// Room membership is gated on ownership
	if err := s.chat.ConversationAccessible(ctx, s.userID, payload.ConversationID); err != nil {
		s.sendError(userFacing(err))
		return
	}

	s.join(ctx, ConversationRoom(payload.ConversationID))
	s.send(&Envelope{Event: "joined_conversation", Data: map[string]any{"conversation_id": payload.ConversationID}})
}

func (s *session) handleLeave(data json.RawMessage) {
	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		s.sendError("conversation_id is required")
		return
	}

	s.leave(ConversationRoom(payload.ConversationID))
	s.send(&Envelope{Event: "left_conversation", Data: map[string]any{"conversation_id": payload.ConversationID}})
}

// join subscribes the session to a room (idempotent) and pumps its events
// into the session's outbound channel.
func (s *session) join(ctx context.Context, room string) {
	s.mu.Lock()
	if _, already := s.joined[room]; already {
		s.mu.Unlock()
		return
	}
	ch, subID := s.hub.Subscribe(ctx, room)
	s.joined[room] = subID
	s.mu.Unlock()

	go func() {
		for env := range ch {
			select {
			case s.out <- env:
			default:
				s.logger.Debug("session outbound full, dropping event", "room", room, "event", env.Event)
			}
		}
	}()
}

// leave unsubscribes the session from a room (idempotent)
func (s *session) leave(room string) {
	s.mu.Lock()
	subID, ok := s.joined[room]
	if ok {
		delete(s.joined, room)
	}
	s.mu.Unlock()
	if ok {
		s.hub.Unsubscribe(room, subID)
	}
}

// send queues an envelope for this connection only
func (s *session) send(env *Envelope) {
	select {
	case s.out <- env:
	default:
		s.logger.Debug("session outbound full, dropping direct event", "event", env.Event)
	}
}

// sendError reports a failure to the acting connection without touching
// anyone else in the room.
func (s *session) sendError(msg string) {
	s.send(&Envelope{Event: "error", Data: map[string]any{"message": msg}})
}

// userFacing collapses internal errors into client-safe text. Ownership
// mismatches and missing rows read identically.
func userFacing(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "not found"
	}
	return err.Error()
}
