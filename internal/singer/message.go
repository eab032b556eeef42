// Package singer implements the target-side Singer protocol surface: the
// message model and a line-oriented reader for SCHEMA, RECORD and STATE
// messages.
package singer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types per the Singer specification.
const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

// Parse errors
var (
	ErrInvalidJSON   = errors.New("message is not valid JSON")
	ErrMissingType   = errors.New("message has no type")
	ErrUnknownType   = errors.New("unknown message type")
	ErrMissingStream = errors.New("message has no stream")
	ErrMissingSchema = errors.New("SCHEMA message has no schema")
	ErrMissingRecord = errors.New("RECORD message has no record")
	ErrMissingValue  = errors.New("STATE message has no value")
)

// Message is one parsed Singer message. Exactly one of Schema, Record and
// State is populated depending on Type. Immutable once parsed.
type Message struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream,omitempty"`
	Schema        *Schema                `json:"schema,omitempty"`
	Record        map[string]interface{} `json:"record,omitempty"`
	State         map[string]interface{} `json:"value,omitempty"`
	KeyProperties []string               `json:"key_properties,omitempty"`
	TimeExtracted string                 `json:"time_extracted,omitempty"`
}

// Schema is the JSON-schema-like shape carried by SCHEMA messages.
type Schema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one declared record field.
type Property struct {
	// Type is a single JSON schema type or a list (e.g. ["null","string"]).
	Type TypeList `json:"type"`
	// Format refines string types, e.g. "date-time".
	Format string `json:"format,omitempty"`
}

// TypeList accepts both the string and array forms of a JSON schema type.
type TypeList []string

func (t *TypeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema property type must be a string or string array: %w", err)
	}
	*t = TypeList(many)
	return nil
}

func (t TypeList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Primary returns the first non-"null" entry, or "" if there is none.
// JSON schema expresses nullability as an extra "null" entry in the list.
func (t TypeList) Primary() string {
	for _, s := range t {
		if s != "null" {
			return s
		}
	}
	return ""
}

// IsRequired reports whether name appears in the schema's required list.
func (s *Schema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// ParseMessage parses one newline-delimited Singer message and validates
// that the fields its type demands are present.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch msg.Type {
	case TypeSchema:
		if msg.Stream == "" {
			return nil, ErrMissingStream
		}
		if msg.Schema == nil {
			return nil, ErrMissingSchema
		}
	case TypeRecord:
		if msg.Stream == "" {
			return nil, ErrMissingStream
		}
		if msg.Record == nil {
			return nil, ErrMissingRecord
		}
	case TypeState:
		if msg.State == nil {
			return nil, ErrMissingValue
		}
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}
