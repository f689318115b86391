package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id, either a string or a number.
type RequestID struct {
	value any
}

// NewRequestID wraps a string or integer id. Other types produce a nil id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	case float64:
		return &RequestID{value: v}
	default:
		return &RequestID{}
	}
}

func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(id.value)
}

// Value returns the underlying string, int64 or float64.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("jsonrpc id must be a string or number, got: %s", string(data))
}
