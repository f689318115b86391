package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/invopop/jsonschema"
)

// Call carries what the dispatch pipeline resolved for one invocation.
type Call struct {
	// Client is bound to the credential that applies to this invocation.
	Client *backend.Client
	// Headers is a copy of the inbound request metadata with the user agent
	// replaced by the remembered peer name when one is known.
	Headers   http.Header
	SessionID string
}

// Handler runs an operation with raw JSON arguments.
type Handler func(ctx context.Context, call *Call, args json.RawMessage) (*mcp.CallToolResult, error)

// Descriptor is an immutable operation definition.
type Descriptor struct {
	Name        string
	Title       string
	Description string
	InputSchema mcp.ToolInputSchema
	Annotations *mcp.ToolAnnotations
	Tier        Tier
	Handler     Handler
}

// Tool returns the listing form of d.
func (d Descriptor) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		InputSchema: d.InputSchema,
		Annotations: d.Annotations,
	}
}

// Option configures New.
type Option func(*config)

type config struct {
	title                     string
	description               string
	tier                      Tier
	readOnly                  bool
	destructive               bool
	idempotent                bool
	allowAdditionalProperties bool
}

// WithDescription sets the description shown in tools/list.
func WithDescription(desc string) Option {
	return func(c *config) { c.description = desc }
}

// WithTitle sets a human readable title.
func WithTitle(title string) Option {
	return func(c *config) { c.title = title }
}

// WithTier places the operation in a tier. The default is TierFull.
func WithTier(t Tier) Option {
	return func(c *config) { c.tier = t }
}

// ReadOnly marks an operation that does not modify backend state.
func ReadOnly() Option {
	return func(c *config) { c.readOnly = true }
}

// Destructive marks an operation that may delete or overwrite data.
func Destructive() Option {
	return func(c *config) { c.destructive = true }
}

// Idempotent marks an operation whose repeated calls have no extra effect.
func Idempotent() Option {
	return func(c *config) { c.idempotent = true }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. When false (default), the schema sets additionalProperties=false
// and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *config) { c.allowAdditionalProperties = allow }
}

// New builds a Descriptor from a typed argument struct A. The input schema
// is reflected from A and arguments are decoded into A before fn runs.
// Decoding failures are reported as invalid-params protocol errors.
func New[A any](name string, fn func(ctx context.Context, call *Call, args A) (*mcp.CallToolResult, error), opts ...Option) Descriptor {
	cfg := config{tier: TierFull}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := Descriptor{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		Annotations: cfg.annotations(),
		Tier:        cfg.tier,
	}

	d.Handler = func(ctx context.Context, call *Call, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid arguments for %s: %v", name, err)
			}
		}
		if err := checkRequired(d.InputSchema.Required, raw); err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid arguments for %s: %v", name, err)
		}
		return fn(ctx, call, a)
	}

	return d
}

func (c config) annotations() *mcp.ToolAnnotations {
	if !c.readOnly && !c.destructive && !c.idempotent && c.title == "" {
		return nil
	}
	a := &mcp.ToolAnnotations{Title: c.title}
	a.ReadOnlyHint = boolPtr(c.readOnly)
	if !c.readOnly {
		a.DestructiveHint = boolPtr(c.destructive)
		a.IdempotentHint = boolPtr(c.idempotent)
	}
	return a
}

func boolPtr(b bool) *bool { return &b }

// checkRequired verifies that every required top-level key is present and
// not null.
func checkRequired(required []string, raw json.RawMessage) error {
	if len(required) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}
	for _, key := range required {
		v, ok := m[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("missing required argument %q", key)
		}
	}
	return nil
}

func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	// The reflector only expands named structs; anything else is described
	// as an open or closed object with no declared properties.
	t := reflect.TypeFor[A]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional || t.Kind() == reflect.Map,
		}
	}

	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if f, err := s.Minimum.Float64(); s.Minimum != "" && err == nil {
		p.Minimum = &f
	}
	if f, err := s.Maximum.Float64(); s.Maximum != "" && err == nil {
		p.Maximum = &f
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
