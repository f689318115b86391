package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us"

// ErrUnknownRegion is wrapped by errors returned from ResolveRegion.
var ErrUnknownRegion = errors.New("unknown region")

var regions = map[string]string{
	"us": "https://api.relayhq.io",
	"eu": "https://api.eu.relayhq.io",
	"au": "https://api.au.relayhq.io",
}

// SupportedRegions returns the known region codes in sorted order.
func SupportedRegions() []string {
	codes := make([]string, 0, len(regions))
	for code := range regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ResolveRegion maps a short region code to the backend base URL. Codes are
// matched case-insensitively; an empty code selects DefaultRegion.
func ResolveRegion(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		code = DefaultRegion
	}
	if base, ok := regions[code]; ok {
		return base, nil
	}
	return "", fmt.Errorf("%w %q: supported regions are %s", ErrUnknownRegion, code, strings.Join(SupportedRegions(), ", "))
}
