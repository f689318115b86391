package operations

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/relay-mcp/mcp"
)

// TextResult wraps plain text as a successful result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}},
	}
}

// Errorf builds a result flagged isError. Use it for failures the model
// should see and react to rather than protocol errors.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	res := TextResult(fmt.Sprintf(format, args...))
	res.IsError = true
	return res
}

// JSONResult renders v as indented JSON text. Objects are also attached as
// structuredContent.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	res := TextResult(string(b))

	var m map[string]any
	if json.Unmarshal(b, &m) == nil && m != nil {
		res.StructuredContent = m
	}
	return res, nil
}
