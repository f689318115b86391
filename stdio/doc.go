// Package stdio implements the single-session MCP transport over
// stdin/stdout. It is intended for running the server as a subprocess of a
// desktop client.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Session id       : sessions.StdioSessionID
//	Credentials      : none on the wire; calls use the default client
//	Framing          : newline-delimited JSON-RPC
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	h := stdio.NewHandler(eng)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// Logs must never be written to stdout while Serve runs; stdout carries the
// protocol stream.
package stdio
