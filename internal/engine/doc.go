// Package engine defines the conversation engine boundary and ships the
// built-in care team engine.
//
// # Contract
//
// An Engine consumes one user message plus an opaque prior-state blob and
// streams Events back: incremental assistant text (EventStream), external
// lookup outcomes (EventToolResult), and exactly one EventTerminal carrying
// the run's outcome and the new state blob. State only travels through the
// request and the terminal event; engines hold nothing between runs, which
// is what makes dialogues resumable across tasks and process restarts.
//
// # Runner
//
// The Runner supervises runs: one active run per task, idempotent
// cancellation with a bounded grace period, and containment of engine
// panics and silent channel closes - consumers always observe a terminal
// event, so a started task can always reach a terminal status.
//
// # Care Team
//
// Team is the built-in engine: a small turn machine (advisor-turn,
// responder-turn, user-turn) where an advisor frames the user's message and
// a responder writes the reply, using keyword and message-count heuristics.
// Music mentions route through the SongFinder boundary; StaticSongFinder is
// the zero-dependency default.
package engine
