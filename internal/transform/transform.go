// Package transform converts raw Singer records into delivery-ready shapes
// using coercion rules compiled once per stream schema.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"targetoic/internal/singer"
)

// ValidationError marks a record that fails schema validation or type
// coercion. It is local to one record; callers decide whether to skip it
// or abort the run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record validation failed on field %q: %s", e.Field, e.Reason)
}

// rule is the closed set of coercions a schema property can compile to.
type rule int

const (
	ruleAny rule = iota
	ruleString
	ruleInteger
	ruleNumber
	ruleBoolean
	ruleDateTime
)

// SupportedTimestampFormats lists the formats attempted when normalizing
// date-time fields. Output is always RFC3339 UTC.
var SupportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
	time.UnixDate,
}

// Transformer applies a compiled schema to records. It holds no mutable
// state: the same record always yields the same output.
type Transformer struct {
	rules    map[string]rule
	required []string
}

// Compile builds a Transformer from a stream schema. Properties with an
// unrecognized or absent type pass through untouched.
func Compile(schema *singer.Schema) *Transformer {
	t := &Transformer{
		rules:    make(map[string]rule, len(schema.Properties)),
		required: append([]string(nil), schema.Required...),
	}
	for name, prop := range schema.Properties {
		t.rules[name] = compileRule(prop)
	}
	return t
}

func compileRule(prop singer.Property) rule {
	switch prop.Type.Primary() {
	case "string":
		if prop.Format == "date-time" {
			return ruleDateTime
		}
		return ruleString
	case "integer":
		return ruleInteger
	case "number":
		return ruleNumber
	case "boolean":
		return ruleBoolean
	default:
		return ruleAny
	}
}

// Transform validates and coerces one record. The input map is not
// mutated. Undeclared properties pass through unchanged; explicit nulls
// and empty strings are preserved as-is.
func (t *Transformer) Transform(record map[string]interface{}) (map[string]interface{}, error) {
	for _, name := range t.required {
		if _, ok := record[name]; !ok {
			return nil, &ValidationError{Field: name, Reason: "required property is missing"}
		}
	}

	out := make(map[string]interface{}, len(record))
	for name, value := range record {
		r, declared := t.rules[name]
		if !declared || value == nil {
			out[name] = value
			continue
		}
		coerced, err := coerce(r, value)
		if err != nil {
			return nil, &ValidationError{Field: name, Reason: err.Error()}
		}
		out[name] = coerced
	}
	return out, nil
}

func coerce(r rule, value interface{}) (interface{}, error) {
	switch r {
	case ruleString:
		return value, nil

	case ruleInteger:
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("value %v is not an integer", v)
			}
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not numeric", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to integer", value)
		}

	case ruleNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not numeric", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to number", value)
		}

	case ruleBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("value %q is not a boolean", v)
		default:
			return nil, fmt.Errorf("cannot coerce %T to boolean", value)
		}

	case ruleDateTime:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to date-time", value)
		}
		if s == "" {
			// Empty strings are preserved, not promoted to null.
			return s, nil
		}
		ts, err := parseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return ts.UTC().Format(time.RFC3339), nil

	default:
		return value, nil
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, format := range SupportedTimestampFormats {
		if ts, err := time.Parse(format, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("value %q is not a recognized timestamp", s)
}
