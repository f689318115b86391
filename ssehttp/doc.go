// Package ssehttp serves many concurrent MCP sessions over HTTP using the
// Server-Sent Events transport.
//
// A client opens a session with GET on the connection path. The first event
// on the stream is "endpoint", whose data is the message path carrying the
// new session id as the sessionId query parameter. The client then POSTs
// JSON-RPC messages there; the POST is acknowledged with 202 and responses
// arrive as "message" events on the stream. Each POST's headers are the
// credential source for the invocations it carries, so a single session may
// switch credentials between calls.
//
// A read-only health endpoint reports the server identity and the number of
// live sessions.
package ssehttp
