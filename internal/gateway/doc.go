// Package gateway wires the attune server together and exposes its HTTP API.
//
// The Gateway owns component lifecycle: it opens the SQLite store, builds the
// task and chat services, the engine runner, the realtime hub, and the
// optional stale-task janitor, then serves three surfaces on one listener:
//
//   - GET /healthz, unauthenticated
//   - /api/v1/*, JWT bearer auth, JSON request/response
//   - /ws, WebSocket sessions with first-frame token auth
//
// All /api/v1 reads and writes are scoped to the authenticated user; an
// entity owned by someone else is indistinguishable from one that does not
// exist (404 either way).
package gateway
