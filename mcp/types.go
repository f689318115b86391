package mcp

// LoggingLevel is a syslog severity used by logging/setLevel and
// notifications/message.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingSeverity = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// IsValidLoggingLevel reports whether the provided level is one of the
// protocol-defined syslog severities.
func IsValidLoggingLevel(level LoggingLevel) bool {
	_, ok := loggingSeverity[level]
	return ok
}

// Allows reports whether a message at level msg passes a threshold of l.
// Unknown thresholds allow everything.
func (l LoggingLevel) Allows(msg LoggingLevel) bool {
	threshold, ok := loggingSeverity[l]
	if !ok {
		return true
	}
	return loggingSeverity[msg] >= threshold
}

// ClientCapabilities advertises client features. Only the fields the
// server inspects are modeled.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Logging *struct{}        `json:"logging,omitempty"`
	Tools   *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the only content block type produced by this server.
const ContentTypeText = "text"

// ContentBlock is a typed content part of a result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitzero"`
}

// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitzero"`
	Description string           `json:"description,omitempty"`
	InputSchema ToolInputSchema  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaProperty is a simplified schema node.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Format      string                    `json:"format,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Minimum     *float64                  `json:"minimum,omitempty"`
	Maximum     *float64                  `json:"maximum,omitempty"`
}

// ToolAnnotations are behavioral hints for clients. A nil hint means the
// tool makes no claim either way.
type ToolAnnotations struct {
	Title           string `json:"title,omitzero"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the versions the server will echo back
// during initialize. Anything else is answered with LatestProtocolVersion.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}
