package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	LoggingSetLevelMethod            Method = "logging/setLevel"
	LoggingMessageNotificationMethod Method = "notifications/message"

	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsRequest requests the set of available tools.
type ListToolsRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
	BaseMetadata
}

// CallToolRequestReceived is the server-received representation for a tool call.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError,omitzero"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	BaseMetadata
}

// SetLevelRequest sets the session's logging threshold.
type SetLevelRequest struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageNotification conveys a structured log message.
type LoggingMessageNotification struct {
	Level  LoggingLevel `json:"level"`
	Data   any          `json:"data"`
	Logger string       `json:"logger,omitzero"`
}

// EmptyResult is returned for operations that do not return data.
type EmptyResult struct {
	BaseMetadata
}
