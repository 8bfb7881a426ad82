package tasktype

import (
	"errors"
	"fmt"
)

// Registry error kinds. All are caller-correctable; the registry never
// retries.
var (
	// ErrDuplicateName is returned when an active task type already uses the name.
	ErrDuplicateName = errors.New("duplicate task type name")
	// ErrNotFound is returned when no task type has the given id.
	ErrNotFound = errors.New("task type not found")
	// ErrRetired is returned when mutating a retired task type.
	ErrRetired = errors.New("task type retired")
	// ErrAlreadyExists is returned when restoring a task type whose id is taken.
	ErrAlreadyExists = errors.New("task type already exists")
	// ErrInvalidName is returned for blank task type names.
	ErrInvalidName = errors.New("invalid task type name")
	// ErrInvalidSchema is returned when a schema descriptor is missing.
	ErrInvalidSchema = errors.New("invalid task type schema")
)

// Error describes a failed registry operation.
type Error struct {
	Op   Op
	Kind error
	ID   ID
	Name string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case !e.ID.IsZero() && e.Name != "":
		return fmt.Sprintf("%s %s (%q): %v", e.Op, e.ID, e.Name, e.Kind)
	case !e.ID.IsZero():
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Kind)
	case e.Name != "":
		return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Kind)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Kind }

func opError(op Op, kind error, id ID, name string) error {
	return &Error{Op: op, Kind: kind, ID: id, Name: name}
}

// resultLabel maps an operation error onto a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRetired):
		return "retired"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrInvalidSchema):
		return "invalid_schema"
	default:
		return "error"
	}
}
