package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrMismatch is returned when a payload does not satisfy a Descriptor.
var ErrMismatch = errors.New("payload does not match schema")

// Matcher reports whether a payload satisfies a Descriptor.
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match returns nil when payload satisfies d, and an error wrapping
	// ErrMismatch when it does not.
	Match(d Descriptor, payload []byte) error
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(d Descriptor, payload []byte) error

// Match calls f(d, payload).
func (f MatcherFunc) Match(d Descriptor, payload []byte) error {
	return f(d, payload)
}

// JSONSchemaMatcher validates JSON payloads with jsonschema-go.
// Resolved schemas are cached by fingerprint; the cache only grows.
type JSONSchemaMatcher struct {
	resolved sync.Map // fingerprint -> *jsonschema.Resolved
}

// NewJSONSchemaMatcher creates a matcher with an empty cache.
func NewJSONSchemaMatcher() *JSONSchemaMatcher {
	return &JSONSchemaMatcher{}
}

// Match implements Matcher.
func (m *JSONSchemaMatcher) Match(d Descriptor, payload []byte) error {
	if d.IsZero() {
		return fmt.Errorf("%w: empty descriptor", ErrInvalidSchema)
	}

	rs, err := m.resolve(d)
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrMismatch, err)
	}
	if err := rs.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	return nil
}

// Cached returns the number of resolved schemas held by the matcher.
func (m *JSONSchemaMatcher) Cached() int {
	n := 0
	m.resolved.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *JSONSchemaMatcher) resolve(d Descriptor) (*jsonschema.Resolved, error) {
	if v, ok := m.resolved.Load(d.fingerprint); ok {
		return v.(*jsonschema.Resolved), nil
	}
	rs, err := compile([]byte(d.doc))
	if err != nil {
		return nil, err
	}
	actual, _ := m.resolved.LoadOrStore(d.fingerprint, rs)
	return actual.(*jsonschema.Resolved), nil
}
