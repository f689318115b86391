package operations

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ggoodman/relay-mcp/mcp"
)

// Tier selects how much of the catalog is exposed.
type Tier string

const (
	// TierMinimal exposes only the operations tagged minimal.
	TierMinimal Tier = "minimal"
	// TierFull exposes every operation.
	TierFull Tier = "full"
)

// ErrUnknownTier is wrapped by ParseTier failures.
var ErrUnknownTier = errors.New("unknown tool tier")

// ParseTier parses a tier name case-insensitively. An empty name selects
// TierFull.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierFull:
		return TierFull, nil
	case TierMinimal:
		return TierMinimal, nil
	}
	return "", fmt.Errorf("%w %q: expected %q or %q", ErrUnknownTier, s, TierMinimal, TierFull)
}

// Includes reports whether an operation tagged op is exposed when t is
// active.
func (t Tier) Includes(op Tier) bool {
	switch t {
	case TierFull:
		return op == TierMinimal || op == TierFull
	case TierMinimal:
		return op == TierMinimal
	}
	return false
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Validate checks the shape of a single descriptor.
func Validate(d Descriptor) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("operation %q: name must match %s", d.Name, namePattern)
	}
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("operation %q: description is required", d.Name)
	}
	if d.InputSchema.Type != "object" {
		return fmt.Errorf("operation %q: input schema must be an object, got %q", d.Name, d.InputSchema.Type)
	}
	for _, req := range d.InputSchema.Required {
		if _, ok := d.InputSchema.Properties[req]; !ok {
			return fmt.Errorf("operation %q: required argument %q has no schema", d.Name, req)
		}
	}
	if d.Handler == nil {
		return fmt.Errorf("operation %q: handler is required", d.Name)
	}
	if d.Tier != TierMinimal && d.Tier != TierFull {
		return fmt.Errorf("operation %q: %w %q", d.Name, ErrUnknownTier, d.Tier)
	}
	return nil
}

// Registry is the immutable set of operations exposed by the active tier.
type Registry struct {
	tier   Tier
	ops    []Descriptor
	byName map[string]int
	total  int
}

// NewRegistry validates every descriptor, rejects duplicate names and keeps
// the operations included in tier, preserving their order.
func NewRegistry(tier Tier, descs ...Descriptor) (*Registry, error) {
	if tier != TierMinimal && tier != TierFull {
		return nil, fmt.Errorf("%w %q", ErrUnknownTier, tier)
	}

	r := &Registry{
		tier:   tier,
		byName: make(map[string]int, len(descs)),
		total:  len(descs),
	}
	seen := make(map[string]struct{}, len(descs))

	var errs []error
	for _, d := range descs {
		if err := Validate(d); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("operation %q: duplicate name", d.Name))
			continue
		}
		seen[d.Name] = struct{}{}

		if !tier.Includes(d.Tier) {
			continue
		}
		r.byName[d.Name] = len(r.ops)
		r.ops = append(r.ops, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid operation catalog: %w", err)
	}
	return r, nil
}

// Tier returns the active tier.
func (r *Registry) Tier() Tier { return r.tier }

// Len returns the number of active operations.
func (r *Registry) Len() int { return len(r.ops) }

// Total returns the catalog size before tier filtering.
func (r *Registry) Total() int { return r.total }

// Lookup finds an active operation by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.ops[i], true
}

// List returns the active descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.ops))
	copy(out, r.ops)
	return out
}

// Tools returns the active operations in tools/list form.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.ops))
	for _, d := range r.ops {
		out = append(out, d.Tool())
	}
	return out
}
