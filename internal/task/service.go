// ABOUTME: Task and conversation lifecycle management
// ABOUTME: All task state transitions flow through here - the store holds data, this holds the rules

package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/attune/internal/store"
)

// Service errors
var (
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrInvalidRole     = errors.New("invalid message role")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
	// ErrAlreadyTerminal is returned when a terminal task receives a second,
	// conflicting terminal transition. An identical retry is a no-op instead.
	ErrAlreadyTerminal = errors.New("task already in a terminal state")
)

// Title shaping for auto-created conversations and tasks.
const (
	titleMaxLen      = 50
	agentTitleMaxLen = 40
	agentTitlePrefix = "Care session: "
)

// TaskStore defines what the service needs from storage
type TaskStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetUserConversation(ctx context.Context, id, userID string) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter, page store.Page) ([]*store.Conversation, int, error)
	UpdateConversation(ctx context.Context, id string, upd store.ConversationUpdate) (*store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	CreateTask(ctx context.Context, task *store.Task) error
	GetUserTask(ctx context.Context, id, userID string) (*store.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*store.Task, int, error)
	UpdateTask(ctx context.Context, id string, upd store.TaskUpdate) (*store.Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteConversationTasks(ctx context.Context, conversationID string) (int, error)

	AppendMessage(ctx context.Context, taskID string, msg *store.ChatMessage) (*store.Task, error)
	LatestAgentState(ctx context.Context, conversationID string) (json.RawMessage, error)
}

// Service owns the task lifecycle rules: who may touch what, which status
// transitions are legal, and how conversations get synthesized around tasks.
type Service struct {
	store  TaskStore
	logger *slog.Logger
}

// New creates a new task Service
func New(st TaskStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "task"),
	}
}

// truncateTitle shortens a message into a display title
func truncateTitle(msg string, max int) string {
	msg = strings.TrimSpace(msg)
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max]) + "..."
}

// CreateOptions carries the optional attributes of a new task. Zero values
// fall back to defaults (medium priority, no category/tags/metadata).
type CreateOptions struct {
	Priority string
	Category string
	Tags     []string
	Metadata map[string]any
}

// CreateTask records a plain chat task. If conversationID is empty a new
// conversation is synthesized with a title derived from the message. The
// user message is stored as the task's first message; the task starts pending.
func (s *Service) CreateTask(ctx context.Context, userID, conversationID, message string, opts CreateOptions) (*store.Task, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	priority := opts.Priority
	if priority == "" {
		priority = store.TaskPriorityMedium
	}
	if !store.ValidTaskPriority(priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	conv, err := s.ensureConversation(ctx, userID, conversationID, truncateTitle(message, titleMaxLen))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         userID,
		UserMessage:    message,
		Status:         store.TaskStatusPending,
		Priority:       priority,
		Category:       opts.Category,
		Tags:           opts.Tags,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		Messages: []*store.ChatMessage{{
			ID:        uuid.New().String(),
			Role:      store.RoleUser,
			Content:   message,
			CreatedAt: now,
		}},
	}
	task.Messages[0].TaskID = task.ID

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"conversation_id", conv.ID,
		"user_id", userID)
	return task, nil
}

// CreateAgentTask records a task that a conversation engine will process.
// The task starts in_progress with started_at set, carries the engine type,
// and is tagged for the care workflow.
func (s *Service) CreateAgentTask(ctx context.Context, userID, conversationID, message, agentType string, metadata map[string]any) (*store.Task, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	title := agentTitlePrefix + truncateTitle(message, agentTitleMaxLen)
	conv, err := s.ensureConversation(ctx, userID, conversationID, title)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         userID,
		UserMessage:    message,
		Status:         store.TaskStatusInProgress,
		Priority:       store.TaskPriorityMedium,
		Category:       "care",
		Tags:           []string{"care", "life-advice"},
		Metadata:       metadata,
		AgentType:      agentType,
		StartedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Messages: []*store.ChatMessage{{
			ID:        uuid.New().String(),
			Role:      store.RoleUser,
			Content:   message,
			CreatedAt: now,
		}},
	}
	task.Messages[0].TaskID = task.ID

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating agent task: %w", err)
	}

	s.logger.Info("agent task created",
		"task_id", task.ID,
		"conversation_id", conv.ID,
		"user_id", userID,
		"agent_type", agentType)
	return task, nil
}

// ensureConversation resolves an existing conversation (ownership-checked) or
// creates a new one with the given title.
func (s *Service) ensureConversation(ctx context.Context, userID, conversationID, title string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := s.store.GetUserConversation(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// AppendMessage adds an assistant or system message to a task owned by the
// user. User messages only enter at task creation.
func (s *Service) AppendMessage(ctx context.Context, userID, taskID, role, content string, metadata map[string]any) (*store.Task, error) {
	if role != store.RoleAssistant && role != store.RoleSystem {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	// Ownership check before the write
	if _, err := s.store.GetUserTask(ctx, taskID, userID); err != nil {
		return nil, err
	}

	msg := &store.ChatMessage{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	return s.store.AppendMessage(ctx, taskID, msg)
}

// StateUpdate is the terminal write a conversation engine hands back when a
// run ends: the resulting status, the resumable state blob, and the error
// message if the run failed.
type StateUpdate struct {
	Status       string
	AgentState   json.RawMessage
	ErrorMessage string
}

// UpdateTaskState applies the terminal transition for a task. A non-empty
// error message forces failed regardless of the requested status; completed
// sets completion to 100%. Retrying an identical terminal write is a no-op
// that returns the stored task; a conflicting terminal write is rejected.
func (s *Service) UpdateTaskState(ctx context.Context, userID, taskID string, upd StateUpdate) (*store.Task, error) {
	status := upd.Status
	if upd.ErrorMessage != "" {
		status = store.TaskStatusFailed
	}
	if !store.TerminalStatus(status) {
		return nil, fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, status)
	}

	current, err := s.store.GetUserTask(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		// An identical retry (same status, same state blob) is a no-op; any
		// other second terminal write is a conflict.
		if current.Status == status && bytes.Equal(current.AgentState, upd.AgentState) {
			s.logger.Debug("terminal update retry ignored", "task_id", taskID, "status", status)
			return current, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, current.Status)
	}

	now := time.Now().UTC()
	storeUpd := store.TaskUpdate{
		Status:      &status,
		AgentState:  upd.AgentState,
		CompletedAt: &now,
	}
	if upd.ErrorMessage != "" {
		storeUpd.ErrorMessage = &upd.ErrorMessage
	}
	if status == store.TaskStatusCompleted {
		pct := 100
		storeUpd.CompletionPercentage = &pct
	}
	if current.StartedAt != nil {
		minutes := int(now.Sub(*current.StartedAt).Minutes())
		storeUpd.ActualDuration = &minutes
	}

	task, err := s.store.UpdateTask(ctx, taskID, storeUpd)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task finished",
		"task_id", taskID,
		"status", status,
		"has_state", len(upd.AgentState) > 0,
		"error", upd.ErrorMessage != "")
	return task, nil
}

// MarkInProgress moves a pending task into in_progress with started_at set.
func (s *Service) MarkInProgress(ctx context.Context, userID, taskID string) (*store.Task, error) {
	current, err := s.store.GetUserTask(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, current.Status)
	}
	if current.Status == store.TaskStatusInProgress {
		return current, nil
	}

	now := time.Now().UTC()
	status := store.TaskStatusInProgress
	return s.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:    &status,
		StartedAt: &now,
	})
}

// ResumableState returns the engine state of the most recently completed task
// in the conversation, or nil if the dialogue has no resumable state yet.
// The conversation must belong to the user.
func (s *Service) ResumableState(ctx context.Context, userID, conversationID string) (json.RawMessage, error) {
	if _, err := s.store.GetUserConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	state, err := s.store.LatestAgentState(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetTask returns a task owned by the user
func (s *Service) GetTask(ctx context.Context, userID, taskID string) (*store.Task, error) {
	return s.store.GetUserTask(ctx, taskID, userID)
}

// ListTasks returns a page of the user's tasks
func (s *Service) ListTasks(ctx context.Context, userID string, filter store.TaskFilter, page store.Page) ([]*store.Task, int, error) {
	filter.UserID = userID
	return s.store.ListTasks(ctx, filter, page)
}

// UpdateTask applies a caller-supplied partial update to a task owned by the
// user: priority, category, tags, completion percentage, durations, metadata,
// and non-terminal status moves. Terminal transitions go through
// UpdateTaskState instead.
func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, upd store.TaskUpdate) (*store.Task, error) {
	if upd.Status != nil {
		if !store.ValidTaskStatus(*upd.Status) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
		}
		if store.TerminalStatus(*upd.Status) {
			return nil, fmt.Errorf("%w: use the state update path for terminal transitions", ErrInvalidStatus)
		}
	}
	if upd.Priority != nil && !store.ValidTaskPriority(*upd.Priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *upd.Priority)
	}
	if upd.CompletionPercentage != nil && (*upd.CompletionPercentage < 0 || *upd.CompletionPercentage > 100) {
		return nil, fmt.Errorf("completion_percentage must be 0-100, got %d", *upd.CompletionPercentage)
	}

	current, err := s.store.GetUserTask(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if upd.Status != nil && current.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, current.Status)
	}

	return s.store.UpdateTask(ctx, taskID, upd)
}

// DeleteTask removes a task owned by the user
func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.store.GetUserTask(ctx, taskID, userID); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, taskID)
}

// CreateConversation creates an empty conversation for the user
func (s *Service) CreateConversation(ctx context.Context, userID, title, description string) (*store.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("conversation title is required")
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:          uuid.New().String(),
		UserID:      userID,
		Title:       title,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// GetConversation returns a conversation owned by the user. When includeTasks
// is set the full task records are loaded alongside the ID list.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string, includeTasks bool) (*store.Conversation, []*store.Task, error) {
	conv, err := s.store.GetUserConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !includeTasks {
		return conv, nil, nil
	}

	tasks, _, err := s.store.ListTasks(ctx,
		store.TaskFilter{UserID: userID, ConversationID: conversationID},
		store.Page{Limit: 100, SortOrder: store.SortAsc})
	if err != nil {
		return nil, nil, err
	}
	return conv, tasks, nil
}

// ListConversations returns a page of the user's conversations
func (s *Service) ListConversations(ctx context.Context, userID string, filter store.ConversationFilter, page store.Page) ([]*store.Conversation, int, error) {
	filter.UserID = userID
	return s.store.ListConversations(ctx, filter, page)
}

// UpdateConversation applies a partial update (title, description, archive
// state, metadata) to a conversation owned by the user.
func (s *Service) UpdateConversation(ctx context.Context, userID, conversationID string, upd store.ConversationUpdate) (*store.Conversation, error) {
	if _, err := s.store.GetUserConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.UpdateConversation(ctx, conversationID, upd)
}

// DeleteConversation removes a conversation and all its tasks. Tasks are
// deleted first so a failure never leaves orphaned tasks pointing at a
// missing conversation.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.store.GetUserConversation(ctx, conversationID, userID); err != nil {
		return err
	}

	n, err := s.store.DeleteConversationTasks(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation tasks: %w", err)
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted",
		"conversation_id", conversationID,
		"user_id", userID,
		"tasks_deleted", n)
	return nil
}
