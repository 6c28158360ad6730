// Package realtime delivers live events to connected clients over WebSocket.
//
// # Rooms
//
// The Hub is process-local pub/sub over named rooms. Every authenticated
// session joins its user room (user_<id>) for the lifetime of the
// connection; conversation rooms (conversation_<id>) are joined explicitly
// and gated on ownership. Publishing never blocks: slow subscribers drop
// events and clients reconcile through the REST API. Delivery is
// at-least-once; payloads carry stable IDs so duplicates are harmless.
//
// # Sessions
//
// Connections authenticate with a first-frame token:
//
//	-> {"type": "auth", "data": {"token": "<jwt>"}}
//	<- {"event": "connected", "data": {"user": "<id>"}}
//
// Anything else as the first frame, or silence past the deadline, closes
// the connection. After that, inbound frames are chat, agent_chat,
// join_conversation, and leave_conversation; outbound events are
// task_created, task_message, task_updated, joined_conversation,
// left_conversation, and error. Error events only go to the connection
// that caused them.
package realtime
