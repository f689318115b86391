package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmptyCredential is returned when a client is requested for a blank
// credential.
var ErrEmptyCredential = errors.New("backend: credential must not be empty")

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether the backend rejected the credential.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// The backend answers errors either as {"error":{"code","message"}} or as a
// flat {"code","message"} object.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var nested struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	var flat struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	switch {
	case json.Unmarshal(body, &nested) == nil && nested.Error.Message != "":
		apiErr.Code, apiErr.Message = nested.Error.Code, nested.Error.Message
	case json.Unmarshal(body, &flat) == nil && flat.Message != "":
		apiErr.Code, apiErr.Message = flat.Code, flat.Message
	default:
		msg := strings.TrimSpace(string(body))
		if msg == "" || len(msg) > 512 {
			msg = http.StatusText(status)
		}
		apiErr.Message = msg
	}
	return apiErr
}
