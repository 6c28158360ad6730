// ABOUTME: Chat orchestration - turns inbound messages into tasks and engine runs
// ABOUTME: Both the HTTP API and WebSocket sessions funnel through here

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/attune/internal/engine"
	"github.com/2389/attune/internal/store"
	"github.com/2389/attune/internal/task"
)

// task_message event subtypes sent to clients while a run streams.
const (
	MessageStart    = "start"
	MessageStream   = "stream"
	MessageComplete = "complete"
	MessageError    = "error"
)

// Emitter delivers events to connected clients. Delivery is fire-and-forget
// and at-least-once; clients deduplicate by message ID.
type Emitter interface {
	EmitToUser(userID, event string, data any)
	EmitToConversation(conversationID, event string, data any)
}

// noopEmitter is used when no realtime layer is wired in (tests, CLI)
type noopEmitter struct{}

func (noopEmitter) EmitToUser(string, string, any)         {}
func (noopEmitter) EmitToConversation(string, string, any) {}

// Service orchestrates chat: it creates tasks, drives engine runs, persists
// the streamed messages, and emits realtime events along the way.
type Service struct {
	tasks   *task.Service
	runner  *engine.Runner
	engine  engine.Engine
	emitter Emitter
	logger  *slog.Logger
}

// New creates a chat Service. Pass nil emitter to disable realtime events.
func New(tasks *task.Service, runner *engine.Runner, eng engine.Engine, emitter Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Service{
		tasks:   tasks,
		runner:  runner,
		engine:  eng,
		emitter: emitter,
		logger:  logger.With("component", "chat"),
	}
}

// Response is what a chat call hands back to the client: the task that was
// created, where it lives, and the messages so far.
type Response struct {
	TaskID             string               `json:"task_id"`
	ConversationID     string               `json:"conversation_id"`
	UserMessage        *store.ChatMessage   `json:"user_message"`
	AssistantResponses []*store.ChatMessage `json:"assistant_responses"`
}

func buildResponse(t *store.Task) *Response {
	resp := &Response{
		TaskID:             t.ID,
		ConversationID:     t.ConversationID,
		AssistantResponses: []*store.ChatMessage{},
	}
	for _, msg := range t.Messages {
		switch msg.Role {
		case store.RoleUser:
			if resp.UserMessage == nil {
				resp.UserMessage = msg
			}
		case store.RoleAssistant:
			resp.AssistantResponses = append(resp.AssistantResponses, msg)
		}
	}
	return resp
}

// ProcessMessage records a plain chat message as a pending task. Background
// workers pick pending tasks up later; nothing streams here.
func (s *Service) ProcessMessage(ctx context.Context, userID, conversationID, message string, metadata map[string]any) (*Response, error) {
	t, err := s.tasks.CreateTask(ctx, userID, conversationID, message, task.CreateOptions{Metadata: metadata})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUser(userID, "task_created", taskEventData(t))
	return buildResponse(t), nil
}

// ProcessAgentMessage runs the conversation engine for one user message:
// create the task, load any prior dialogue state, stream the run, persist
// every streamed message, and make exactly one terminal state write. The
// returned response reflects the finished task.
func (s *Service) ProcessAgentMessage(ctx context.Context, userID, conversationID, message string, metadata map[string]any) (*Response, error) {
	// Prior state, if the dialogue has any
	var state json.RawMessage
	if conversationID != "" {
		var err error
		state, err = s.tasks.ResumableState(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
	}

	t, err := s.tasks.CreateAgentTask(ctx, userID, conversationID, message, s.engine.Name(), metadata)
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUser(userID, "task_created", taskEventData(t))
	s.emitMessage(userID, t.ConversationID, messageEventData(t.ID, MessageStart, "", s.engine.Name()))

	events, err := s.runner.Start(ctx, s.engine, &engine.RunRequest{
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		UserID:         userID,
		Message:        message,
		State:          state,
	})
	if err != nil {
		// The run never started; fail the task so it doesn't hang in_progress
		failed, ferr := s.finishTask(userID, t.ID, &engine.Event{
			Type:  engine.EventTerminal,
			Error: err.Error(),
		})
		if ferr != nil {
			s.logger.Error("failed to record run-start failure", "task_id", t.ID, "error", ferr)
			return nil, err
		}
		return buildResponse(failed), nil
	}

	final := t
	var saveErr error
	for ev := range events {
		switch ev.Type {
		case engine.EventStream:
			updated, aerr := s.appendMessage(userID, t.ID, store.RoleAssistant, ev.Text,
				map[string]any{"agent": ev.Agent})
			if aerr != nil {
				s.logger.Error("failed to persist assistant message", "task_id", t.ID, "error", aerr)
			} else {
				final = updated
			}
			s.emitMessage(userID, t.ConversationID,
				messageEventData(t.ID, MessageStream, ev.Text, ev.Agent))

		case engine.EventToolResult:
			content := ev.Tool.Name + ": " + ev.Tool.Output
			updated, aerr := s.appendMessage(userID, t.ID, store.RoleSystem, content,
				map[string]any{"tool": ev.Tool.Name, "is_error": ev.Tool.IsError})
			if aerr != nil {
				s.logger.Error("failed to persist tool result", "task_id", t.ID, "error", aerr)
			} else {
				final = updated
			}
			s.emitMessage(userID, t.ConversationID,
				messageEventData(t.ID, MessageStream, content, ev.Tool.Name))

		case engine.EventTerminal:
			finished, ferr := s.finishTask(userID, t.ID, ev)
			if ferr != nil {
				// The run's outcome never landed; the caller must see the
				// failure rather than a task still marked in_progress.
				s.logger.Error("terminal state write failed", "task_id", t.ID, "error", ferr)
				s.emitMessage(userID, t.ConversationID,
					messageEventData(t.ID, MessageError, "failed to record run result", s.engine.Name()))
				saveErr = fmt.Errorf("recording run result for task %s: %w", t.ID, ferr)
				continue
			}
			final = finished

			kind := MessageComplete
			text := ""
			if !ev.Success {
				kind = MessageError
				text = terminalError(ev)
			}
			s.emitMessage(userID, t.ConversationID,
				messageEventData(t.ID, kind, text, s.engine.Name()))
			s.emitter.EmitToConversation(t.ConversationID, "task_updated", taskEventData(finished))
			s.emitter.EmitToUser(userID, "task_updated", taskEventData(finished))
		}
	}

	if saveErr != nil {
		return nil, saveErr
	}
	return buildResponse(final), nil
}

// emitMessage sends a task_message to both the acting user's room and the
// conversation room. Clients in both receive it twice; message payloads are
// idempotent so duplicates are harmless, and it keeps a client streaming on
// a brand-new conversation it hasn't joined yet.
func (s *Service) emitMessage(userID, conversationID string, data map[string]any) {
	s.emitter.EmitToUser(userID, "task_message", data)
	s.emitter.EmitToConversation(conversationID, "task_message", data)
}

// CancelTask requests cancellation of the task's engine run. Idempotent;
// ownership is checked before touching the runner.
func (s *Service) CancelTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.tasks.GetTask(ctx, userID, taskID); err != nil {
		return err
	}
	s.runner.Cancel(taskID)
	return nil
}

// ConversationAccessible reports whether the user owns the conversation.
// Used by the realtime layer to gate conversation room joins.
func (s *Service) ConversationAccessible(ctx context.Context, userID, conversationID string) error {
	_, _, err := s.tasks.GetConversation(ctx, userID, conversationID, false)
	return err
}

// finishTask applies the terminal transition with a detached context so the
// write lands even when the request context is already cancelled.
func (s *Service) finishTask(userID, taskID string, ev *engine.Event) (*store.Task, error) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := store.TaskStatusCompleted
	errMsg := ""
	if !ev.Success {
		status = store.TaskStatusFailed
		errMsg = terminalError(ev)
	}
	return s.tasks.UpdateTaskState(saveCtx, userID, taskID, task.StateUpdate{
		Status:       status,
		AgentState:   ev.State,
		ErrorMessage: errMsg,
	})
}

// appendMessage persists a streamed message with a detached context
func (s *Service) appendMessage(userID, taskID, role, content string, metadata map[string]any) (*store.Task, error) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.tasks.AppendMessage(saveCtx, userID, taskID, role, content, metadata)
}

func terminalError(ev *engine.Event) string {
	if ev.Error != "" {
		return ev.Error
	}
	return "run failed"
}

// taskEventData is the task payload shape for task_created/task_updated events
func taskEventData(t *store.Task) map[string]any {
	return map[string]any{
		"task_id":         t.ID,
		"conversation_id": t.ConversationID,
		"status":          t.Status,
		"agent_type":      t.AgentType,
	}
}

// messageEventData is the payload shape for task_message events
func messageEventData(taskID, kind, message, agent string) map[string]any {
	return map[string]any{
		"task_id": taskID,
		"type":    kind,
		"data": map[string]any{
			"message": message,
			"agent":   agent,
		},
	}
}
