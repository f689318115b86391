package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist or is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters, including a
	// call that could not be bound to a credential.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates a failure inside the server or an
	// operation handler.
	ErrorCodeInternalError ErrorCode = -32603
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "parse_error"
	case ErrorCodeInvalidRequest:
		return "invalid_request"
	case ErrorCodeMethodNotFound:
		return "method_not_found"
	case ErrorCodeInvalidParams:
		return "invalid_params"
	case ErrorCodeInternalError:
		return "internal_error"
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a JSON-RPC error object. It doubles as a Go error so that
// handlers can return protocol-shaped failures which are passed through to
// the caller unchanged.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %s (%d): %s", e.Code, int(e.Code), e.Message)
}

// NewError returns a protocol error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns a protocol error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
