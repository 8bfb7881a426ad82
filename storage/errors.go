package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a task status change is not allowed,
	// such as leaving a terminal status.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrAlreadyExists is returned when a task already has a result.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrRequestConflict is returned when a request id is reused for a
	// different submission.
	ErrRequestConflict = errors.New("request id already recorded for a different task")
)
