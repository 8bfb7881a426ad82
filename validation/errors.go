package validation

import (
	"errors"
	"fmt"

	"github.com/c360studio/taskreg/tasktype"
)

// Validation error kinds. Each one is a caller-correctable precondition;
// resubmitting the same input against the same snapshot fails the same way.
var (
	// ErrUnknownType is returned when the task type id is absent from the snapshot.
	ErrUnknownType = errors.New("unknown task type")
	// ErrUnknownVersion is returned when the schema version is not present
	// for the task type in the snapshot.
	ErrUnknownVersion = errors.New("unknown schema version")
	// ErrSchemaMismatch is returned when the payload does not satisfy the
	// schema of the resolved version.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrRetiredType is returned by ValidateLatest for retired task types.
	ErrRetiredType = errors.New("task type retired")
)

// Error describes a rejected payload.
type Error struct {
	Kind    error
	TypeID  tasktype.ID
	Version tasktype.Version
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("validate %s", e.TypeID)
	if e.Version > 0 {
		msg += fmt.Sprintf(" v%d", e.Version)
	}
	msg += ": " + e.Kind.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

// Reason returns a short, stable label for err, suitable for metrics labels
// and NATS subject tokens. Errors that are not validation errors map to
// "error".
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrUnknownVersion):
		return "unknown_version"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrRetiredType):
		return "retired_type"
	default:
		return "error"
	}
}

// IsRejection reports whether err is a validation rejection rather than an
// internal failure.
func IsRejection(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}
