// Package store provides persistent storage for attune using SQLite.
//
// # Data Models
//
//   - Conversation: Groups related tasks for one user. The task ID list is
//     derived from the tasks table in insertion order rather than stored.
//   - Task: One unit of work inside a conversation — a single user message
//     plus the assistant/system messages produced while processing it, along
//     with lifecycle status, priority, tags, and an opaque agent_state blob.
//   - ChatMessage: Append-only, immutable message rows belonging to a task.
//
// # Lifecycle
//
// Tasks move pending -> in_progress -> completed/failed. The store enforces
// the value domain via CHECK constraints; transition rules live in the task
// service. AppendMessage runs in a single transaction so concurrent appends
// to the same task never lose writes.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 TEXT in UTC. Metadata and tags are stored
// as JSON TEXT columns.
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. The
// user-scoped getters (GetUserTask, GetUserConversation) also return
// ErrNotFound when the entity exists but belongs to a different user, so
// callers cannot distinguish the two cases.
//
// All methods accept context.Context for cancellation support.
package store
