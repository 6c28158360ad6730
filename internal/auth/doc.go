// Package auth provides JWT-based authentication for HTTP and WebSocket access.
//
// # Token Verification
//
// Tokens are HS256-signed JWTs carrying the user ID in the "sub" claim.
// JWTVerifier validates signatures and expiry; Generate mints tokens for
// development and testing via the CLI.
//
// # Context Propagation
//
// HTTPAuthMiddleware validates the Authorization bearer header and attaches
// the user ID to the request context. Handlers read it back with
// UserFromContext. WebSocket sessions authenticate with a first-frame token
// instead of a header, then use the same context helpers.
//
// Authorization beyond identity (which conversations and tasks a user may
// touch) is enforced by the task service through user-scoped store reads,
// not here.
package auth
