// Package chat orchestrates inbound messages into tasks and engine runs.
//
// ProcessMessage records a plain chat message as a pending task.
// ProcessAgentMessage is the streaming path: it creates an in_progress task,
// loads the conversation's resumable state, drives the engine run through
// the runner, persists every streamed message, makes exactly one terminal
// state write, and emits task_created / task_message / task_updated events
// through the Emitter.
//
// Both the HTTP API and WebSocket sessions call into this package, so the
// lifecycle rules live in one place regardless of transport.
package chat
