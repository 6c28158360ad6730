// Package task manages the conversation and task lifecycle.
//
// A Task is one unit of work: a single user message plus the assistant and
// system messages produced while processing it. Tasks live inside
// Conversations and move pending -> in_progress -> completed/failed, with
// exactly one terminal transition per task.
//
// The Service enforces the rules the store does not:
//
//   - Ownership: every read and mutation is scoped to the requesting user,
//     and a row owned by someone else is indistinguishable from a missing
//     row (store.ErrNotFound).
//   - Title shaping: tasks without a conversation synthesize one, titled
//     from the user message (truncated), agent tasks with a care prefix.
//   - Terminal writes: UpdateTaskState forces failed when an error message
//     is present, sets completion to 100% on success, and treats an
//     identical retry as a no-op.
//   - Cascades: deleting a conversation deletes its tasks first.
//
// The engine's resumable state blob is carried through opaquely; see
// ResumableState and the engine package.
package task
