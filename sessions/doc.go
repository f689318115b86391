// Package sessions remembers what each connected peer said about itself
// during the initialize handshake.
//
// Single-session transports register under StdioSessionID. Multi-session
// transports use one generated id per connection and Forget it when the
// connection closes. PeerFor consults the StdioSessionID entry whenever the
// requested id has no peer information of its own.
//
// Nothing here is persisted. A Registry is safe for concurrent use.
package sessions
