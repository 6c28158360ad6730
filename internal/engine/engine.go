// ABOUTME: Conversation engine boundary - typed event stream and the Engine interface
// ABOUTME: Engines consume one user message plus prior state and stream events back

package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Engine errors
var (
	// ErrRunActive indicates a run is already processing this task.
	ErrRunActive = errors.New("run already active for task")
)

// EventType indicates the kind of event an engine emitted.
type EventType int

const (
	// EventStream is an incremental assistant message from one team member.
	EventStream EventType = iota
	// EventToolResult reports the outcome of an external lookup.
	EventToolResult
	// EventTerminal is the final event of a run. Exactly one is emitted per
	// run; it carries the outcome and the resumable state blob.
	EventTerminal
)

// Event is a single occurrence in an engine run.
type Event struct {
	Type  EventType
	Agent string // team member that produced the event
	Text  string

	// Tool result fields (EventToolResult)
	Tool *ToolResult

	// Terminal fields (EventTerminal)
	Success bool
	State   json.RawMessage // opaque resumable state; persisted as the task's agent_state
	Error   string          // non-empty when Success is false
}

// ToolResult is the outcome of an external lookup made during a run.
type ToolResult struct {
	Name    string
	Output  string
	IsError bool
}

// RunRequest carries everything an engine needs to process one user message.
type RunRequest struct {
	TaskID         string
	ConversationID string
	UserID         string
	Message        string

	// State is the blob a previous run handed back through its terminal
	// event, or nil for a fresh dialogue. Engines must treat an unreadable
	// blob as fresh rather than failing the run.
	State json.RawMessage
}

// Engine processes user messages into streamed events. Run returns a channel
// that delivers events in order and closes after the terminal event. Prior
// state enters via the request; new state leaves in the terminal event, so
// engines hold no dialogue state between runs.
type Engine interface {
	// Name identifies the engine; it is recorded as the task's agent type.
	Name() string
	Run(ctx context.Context, req *RunRequest) (<-chan *Event, error)
}

// failure builds a terminal failure event
func failure(msg string) *Event {
	return &Event{
		Type:    EventTerminal,
		Success: false,
		Error:   msg,
	}
}
