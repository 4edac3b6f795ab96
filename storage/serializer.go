package storage

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Serializer defines the interface for serialization.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrEmptyPayload is returned when an empty byte slice is decoded.
var ErrEmptyPayload = errors.New("empty payload")

// ErrInvalidText is returned when stored bytes are not UTF-8 text.
var ErrInvalidText = errors.New("payload is not valid UTF-8 text")

// JSONSerializer implements Serializer using JSON.
type JSONSerializer struct{}

// Marshal serializes a value to JSON text.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes JSON text. Empty or non-UTF-8 input is rejected
// before decoding so callers can report it as corruption.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if !utf8.Valid(data) {
		return ErrInvalidText
	}
	return json.Unmarshal(data, v)
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}
