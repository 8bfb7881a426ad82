// Package schema describes the payload shape accepted by one version of a
// task type.
//
// A Descriptor wraps a JSON Schema document in canonical form. Descriptors
// are immutable, comparable with ==, and usable as map keys; editing a
// schema always produces a new Descriptor with a new fingerprint.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSchema is returned when a document cannot be used as a schema.
var ErrInvalidSchema = errors.New("invalid schema")

// Descriptor is an immutable JSON Schema document.
type Descriptor struct {
	doc         string
	fingerprint string
}

// Parse builds a Descriptor from a JSON Schema document.
func Parse(raw []byte) (Descriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Descriptor{}, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return FromValue(v)
}

// ParseYAML builds a Descriptor from a JSON Schema document written as YAML.
func ParseYAML(raw []byte) (Descriptor, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if v == nil {
		return Descriptor{}, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}
	return FromValue(v)
}

// FromValue builds a Descriptor from an already decoded document, such as a
// map[string]any produced by a JSON or YAML decoder.
func FromValue(v any) (Descriptor, error) {
	v = normalize(v)
	switch v.(type) {
	case map[string]any, bool:
	default:
		return Descriptor{}, fmt.Errorf("%w: document must be an object or boolean, got %T", ErrInvalidSchema, v)
	}

	// encoding/json writes map keys in sorted order, which gives the
	// canonical form.
	canonical, err := json.Marshal(v)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, err := compile(canonical); err != nil {
		return Descriptor{}, err
	}

	sum := sha256.Sum256(canonical)
	return Descriptor{
		doc:         string(canonical),
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level schema literals.
func MustParse(raw string) Descriptor {
	d, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the zero Descriptor.
func (d Descriptor) IsZero() bool {
	return d.fingerprint == ""
}

// Equal reports whether d and other describe the same document.
func (d Descriptor) Equal(other Descriptor) bool {
	return d == other
}

// Fingerprint returns the hex SHA-256 of the canonical document.
func (d Descriptor) Fingerprint() string {
	return d.fingerprint
}

// Short returns an abbreviated fingerprint for logs.
func (d Descriptor) Short() string {
	if len(d.fingerprint) < 12 {
		return d.fingerprint
	}
	return d.fingerprint[:12]
}

// String returns the canonical JSON document.
func (d Descriptor) String() string {
	return d.doc
}

// Bytes returns a copy of the canonical JSON document.
func (d Descriptor) Bytes() []byte {
	return []byte(d.doc)
}

// Value decodes the canonical document into generic JSON values.
func (d Descriptor) Value() any {
	if d.IsZero() {
		return nil
	}
	var v any
	_ = json.Unmarshal([]byte(d.doc), &v)
	return v
}

// MarshalJSON emits the schema document itself.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(d.doc), nil
}

// UnmarshalJSON parses a schema document.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*d = Descriptor{}
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML emits the schema document as a YAML mapping.
func (d Descriptor) MarshalYAML() (any, error) {
	return d.Value(), nil
}

// UnmarshalYAML parses a schema document written inline in YAML.
func (d *Descriptor) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if v == nil {
		*d = Descriptor{}
		return nil
	}
	parsed, err := FromValue(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// compile resolves a canonical document with jsonschema-go.
func compile(canonical []byte) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(canonical, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return resolved, nil
}

// normalize converts YAML-decoded values into JSON-compatible ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
