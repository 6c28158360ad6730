// ABOUTME: Store interface and data types for attune persistence
// ABOUTME: Defines Conversation, Task, ChatMessage structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Task status constants. A task moves pending -> in_progress -> completed/failed;
// completed and failed are terminal.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task priority constants.
const (
	TaskPriorityLow    = "low"
	TaskPriorityMedium = "medium"
	TaskPriorityHigh   = "high"
	TaskPriorityUrgent = "urgent"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// TerminalStatus reports whether s is a terminal task status.
func TerminalStatus(s string) bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ValidTaskPriority reports whether p is a known task priority.
func ValidTaskPriority(p string) bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// ValidRole reports whether r is a known message role.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation groups related tasks for one user. TaskIDs is derived from the
// tasks table in insertion (created_at) order, not stored as its own column.
type Conversation struct {
	ID          string
	UserID      string
	Title       string
	Description string
	TaskIDs     []string
	IsActive    bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatMessage is a single message within a task. Messages are append-only and
// immutable once written; CreatedAt doubles as the logical sequence position.
type ChatMessage struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Role      string         `json:"role"` // "user", "assistant", "system"
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Task is one unit of work within a conversation: a single user message plus
// the assistant/system messages produced while processing it. AgentState is an
// opaque blob owned by the conversation engine; the store never interprets it.
type Task struct {
	ID                   string
	ConversationID       string
	UserID               string
	UserMessage          string
	Messages             []*ChatMessage
	Status               string
	Priority             string
	Category             string
	Tags                 []string
	CompletionPercentage int
	EstimatedDuration    *int // minutes
	ActualDuration       *int // minutes
	Metadata             map[string]any
	AgentType            string
	AgentState           json.RawMessage
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	return TerminalStatus(t.Status)
}

// Sort direction constants for list queries.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Page holds pagination parameters. The store clamps Limit to [1,100] and
// Skip to >= 0 before running the query.
type Page struct {
	Skip      int
	Limit     int
	SortBy    string // column name; defaults to created_at
	SortOrder string // "asc" or "desc"; defaults to desc
}

// TaskFilter selects tasks for list queries. UserID is required; the rest are
// optional narrowing filters.
type TaskFilter struct {
	UserID         string
	ConversationID string
	Status         string
	Priority       string
	Category       string
}

// ConversationFilter selects conversations for list queries.
type ConversationFilter struct {
	UserID   string
	IsActive *bool
}

// TaskUpdate holds a partial task update. Nil fields are left untouched.
type TaskUpdate struct {
	Status               *string
	Priority             *string
	Category             *string
	Tags                 []string
	CompletionPercentage *int
	EstimatedDuration    *int
	ActualDuration       *int
	Metadata             map[string]any
	AgentState           json.RawMessage
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         *string
}

// ConversationUpdate holds a partial conversation update. Nil fields are left
// untouched.
type ConversationUpdate struct {
	Title       *string
	Description *string
	IsActive    *bool
	Metadata    map[string]any
}

// Store defines the interface for conversation/task/message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetUserConversation(ctx context.Context, id, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter, page Page) ([]*Conversation, int, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetUserTask(ctx context.Context, id, userID string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteConversationTasks(ctx context.Context, conversationID string) (int, error)

	// AppendMessage atomically pushes a message onto the task's sequence and
	// returns the updated task. Concurrent appends to the same task must not
	// lose writes.
	AppendMessage(ctx context.Context, taskID string, msg *ChatMessage) (*Task, error)

	// LatestAgentState returns the agent_state of the most recently completed
	// task in the conversation, or ErrNotFound if no completed task has state.
	LatestAgentState(ctx context.Context, conversationID string) (json.RawMessage, error)

	// FailStale marks in_progress tasks whose processing started before the
	// cutoff as failed with the given message. Returns the number of tasks
	// transitioned.
	FailStale(ctx context.Context, cutoff time.Time, errorMessage string) (int, error)

	// Close releases any resources held by the store
	Close() error
}
