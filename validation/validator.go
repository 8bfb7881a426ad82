// Package validation checks task payloads against a pinned registry
// snapshot and schema version.
//
// The Validator never reads the live registry. Callers hand it the
// snapshot to use, so a schema change committed between submission and
// validation cannot reinterpret a payload.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
)

// Validator validates payloads. It holds no registry state and is safe for
// concurrent use.
type Validator struct {
	matcher schema.Matcher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithMatcher replaces the default JSON Schema matcher.
func WithMatcher(m schema.Matcher) Option {
	return func(v *Validator) {
		if m != nil {
			v.matcher = m
		}
	}
}

// WithMetrics records validation outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a Validator backed by a JSONSchemaMatcher unless
// WithMatcher is given.
func New(opts ...Option) *Validator {
	v := &Validator{
		matcher: schema.NewJSONSchemaMatcher(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks payload against schema version of task type id as they
// exist in snap. Retired task types still validate so that historical
// tasks can be inspected and replayed.
func (v *Validator) Validate(snap *tasktype.Snapshot, id tasktype.ID, version tasktype.Version, payload []byte) (*ValidatedTask, error) {
	start := v.now()

	rec, ok := snap.LookupByID(id)
	if !ok {
		return nil, v.reject(start, &Error{Kind: ErrUnknownType, TypeID: id, Version: version})
	}
	return v.check(start, snap, rec, version, payload)
}

// ValidateLatest validates payload against the newest schema version of an
// active task type in snap. Retired task types are rejected with
// ErrRetiredType; new work must not be created for them.
func (v *Validator) ValidateLatest(snap *tasktype.Snapshot, id tasktype.ID, payload []byte) (*ValidatedTask, error) {
	start := v.now()

	rec, ok := snap.LookupByID(id)
	if !ok {
		return nil, v.reject(start, &Error{Kind: ErrUnknownType, TypeID: id})
	}
	if rec.Retired() {
		return nil, v.reject(start, &Error{Kind: ErrRetiredType, TypeID: id})
	}
	return v.check(start, snap, rec, rec.LatestVersion(), payload)
}

func (v *Validator) check(start time.Time, snap *tasktype.Snapshot, rec tasktype.TaskType, version tasktype.Version, payload []byte) (*ValidatedTask, error) {
	d, ok := rec.Schema(version)
	if !ok {
		return nil, v.reject(start, &Error{
			Kind:    ErrUnknownVersion,
			TypeID:  rec.ID(),
			Version: version,
			Cause:   fmt.Errorf("latest is v%d", rec.LatestVersion()),
		})
	}

	if err := v.matcher.Match(d, payload); err != nil {
		if !errors.Is(err, schema.ErrMismatch) {
			v.metrics.ObserveValidation("error", v.now().Sub(start))
			return nil, fmt.Errorf("match %s v%d: %w", rec.ID(), version, err)
		}
		return nil, v.reject(start, &Error{
			Kind:    ErrSchemaMismatch,
			TypeID:  rec.ID(),
			Version: version,
			Cause:   err,
		})
	}

	task := &ValidatedTask{
		typeID:      rec.ID(),
		version:     version,
		payload:     bytes.Clone(payload),
		fingerprint: d.Fingerprint(),
		revision:    snap.Revision(),
		validatedAt: v.now(),
	}
	v.metrics.ObserveValidation(metrics.ResultOK, task.validatedAt.Sub(start))
	return task, nil
}

func (v *Validator) reject(start time.Time, err *Error) error {
	v.metrics.ObserveValidation(Reason(err), v.now().Sub(start))
	v.logger.Debug("Rejected task payload",
		"type_id", err.TypeID.String(),
		"version", err.Version,
		"reason", Reason(err),
		"error", err.Cause)
	return err
}
