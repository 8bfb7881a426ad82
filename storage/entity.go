// Package storage provides the task ledger for taskreg using NATS KV.
//
// Every accepted submission is recorded with the exact type id, schema
// version and payload it was validated against, so it can be inspected or
// replayed after the task type has moved on.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeTask   EntityType = "task"
	EntityTypeResult EntityType = "result"
)

// Bucket names for each entity type.
const (
	BucketTasks   = "TASKREG_TASKS"
	BucketResults = "TASKREG_RESULTS"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return EntityID{}, fmt.Errorf("invalid entity ID format: %s", s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypeTask, EntityTypeResult:
		return EntityID{Type: entityType, ID: parts[1]}, nil
	default:
		return EntityID{}, fmt.Errorf("unknown entity type: %s", parts[0])
	}
}

// requestNamespace derives stable task ids from submission request ids.
var requestNamespace = uuid.MustParse("6f0d5c1e-8a4b-4d2f-9c3e-2b7a1e5f4d90")

// TaskIDForRequest returns the task id recorded for a submission carrying
// requestID, so redelivered submissions map to the same ledger record.
func TaskIDForRequest(requestID string) EntityID {
	return EntityID{
		Type: EntityTypeTask,
		ID:   uuid.NewSHA1(requestNamespace, []byte(requestID)).String(),
	}
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{
		Type: t,
		ID:   uuid.New().String(),
	}
}

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further status changes are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusDispatched, TaskStatusInProgress, TaskStatusComplete, TaskStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a task in status s may move to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return next.Valid() && !s.Terminal() && s != next
}

// Task is a ledger record for one validated submission.
type Task struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id,omitempty"`
	TypeID            string         `json:"type_id"`
	TypeName          string         `json:"type_name"`
	Version           uint32         `json:"version"`
	Payload           []byte         `json:"payload"`
	SchemaFingerprint string         `json:"schema_fingerprint"`
	SnapshotRevision  uint64         `json:"snapshot_revision"`
	Status            TaskStatus     `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	StatusChange      []StatusChange `json:"status_changes,omitempty"`
}

// TaskType returns the task type id the task was validated against.
func (t *Task) TaskType() (tasktype.ID, error) {
	return tasktype.ParseID(t.TypeID)
}

// SchemaVersion returns the pinned schema version.
func (t *Task) SchemaVersion() tasktype.Version {
	return tasktype.Version(t.Version)
}

// StatusChange records a status transition.
type StatusChange struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Result represents a task execution result reported by a worker. A task
// has at most one result, stored under the task's id.
type Result struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store provides ledger operations backed by NATS KV.
type Store struct {
	tasks   jetstream.KeyValue
	results jetstream.KeyValue
	now     func() time.Time
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	results, err := getOrCreateBucket(ctx, js, BucketResults)
	if err != nil {
		return nil, fmt.Errorf("create results bucket: %w", err)
	}

	return &Store{
		tasks:   tasks,
		results: results,
		now:     time.Now,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("taskreg %s ledger", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// NewTask builds the ledger record for a validated task. The record is not
// stored. A non-empty requestID fixes the task id; see TaskIDForRequest.
func NewTask(vt *validation.ValidatedTask, typeName, requestID string, now time.Time) *Task {
	id := NewEntityID(EntityTypeTask)
	if requestID != "" {
		id = TaskIDForRequest(requestID)
	}
	return &Task{
		ID:                id.String(),
		RequestID:         requestID,
		TypeID:            vt.TypeID().String(),
		TypeName:          typeName,
		Version:           uint32(vt.Version()),
		Payload:           vt.Payload(),
		SchemaFingerprint: vt.Fingerprint(),
		SnapshotRevision:  vt.SnapshotRevision(),
		Status:            TaskStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CreateTask records a validated task in pending status.
//
// Tasks with a request id are recorded once: a second call for the same
// request returns the existing record, in whatever status it has reached,
// when it carries the same (type id, version, payload), and
// ErrRequestConflict otherwise.
func (s *Store) CreateTask(ctx context.Context, vt *validation.ValidatedTask, typeName, requestID string) (*Task, error) {
	if vt == nil {
		return nil, errors.New("validated task required")
	}
	t := NewTask(vt, typeName, requestID, s.now())
	id, _ := ParseEntityID(t.ID)

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.tasks.Create(ctx, id.ID, data); err != nil {
		if requestID != "" && errors.Is(err, jetstream.ErrKeyExists) {
			return s.existingTask(ctx, id, t)
		}
		return nil, fmt.Errorf("store task: %w", err)
	}

	return t, nil
}

func (s *Store) existingTask(ctx context.Context, id EntityID, want *Task) (*Task, error) {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !SameSubmission(existing, want) {
		return nil, fmt.Errorf("%w: %s", ErrRequestConflict, want.RequestID)
	}
	return existing, nil
}

// SameSubmission reports whether a and b record the same validated
// (type id, version, payload) triple.
func SameSubmission(a, b *Task) bool {
	return a.TypeID == b.TypeID &&
		a.Version == b.Version &&
		bytes.Equal(a.Payload, b.Payload)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id EntityID) (*Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

func (s *Store) getTask(ctx context.Context, id EntityID) (*Task, uint64, error) {
	if id.Type != EntityTypeTask {
		return nil, 0, fmt.Errorf("invalid entity type: expected task, got %s", id.Type)
	}

	entry, err := s.tasks.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, entry.Revision(), nil
}

// UpdateTaskStatus updates a task's status and records the change.
// The write is conditional on the revision read, so concurrent updates
// cannot silently overwrite each other.
func (s *Store) UpdateTaskStatus(ctx context.Context, id EntityID, newStatus TaskStatus) (*Task, error) {
	task, revision, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := applyStatus(task, newStatus, s.now()); err != nil {
		return nil, err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.tasks.Update(ctx, id.ID, data, revision); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	return task, nil
}

// applyStatus moves task to newStatus in memory.
func applyStatus(task *Task, newStatus TaskStatus, now time.Time) error {
	oldStatus := task.Status
	if !oldStatus.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
	}

	task.Status = newStatus
	task.UpdatedAt = now
	task.StatusChange = append(task.StatusChange, StatusChange{
		From:      oldStatus,
		To:        newStatus,
		Timestamp: now,
	})

	// Track start/completion times
	if newStatus == TaskStatusInProgress && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if newStatus.Terminal() {
		task.CompletedAt = &now
	}
	return nil
}

// ListTasksByType returns all tasks created against a task type.
func (s *Store) ListTasksByType(ctx context.Context, typeID tasktype.ID) ([]*Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	want := typeID.String()
	tasks := make([]*Task, 0)
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.TypeID == want {
			tasks = append(tasks, &t)
		}
	}

	return tasks, nil
}

// ResultIDForTask returns the id a task's result is stored under.
func ResultIDForTask(taskID EntityID) EntityID {
	return EntityID{Type: EntityTypeResult, ID: taskID.ID}
}

// CreateResult records a worker result for an existing task and returns
// its ID. The first result for a task wins; later ones return the same ID
// with ErrAlreadyExists.
func (s *Store) CreateResult(ctx context.Context, r *Result) (EntityID, error) {
	taskID, err := ParseEntityID(r.TaskID)
	if err != nil {
		return EntityID{}, fmt.Errorf("parse task ID: %w", err)
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return EntityID{}, err
	}

	id := ResultIDForTask(taskID)
	r.ID = id.String()
	r.CreatedAt = s.now()

	data, err := json.Marshal(r)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal result: %w", err)
	}

	if _, err := s.results.Create(ctx, id.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return id, ErrAlreadyExists
		}
		return EntityID{}, fmt.Errorf("store result: %w", err)
	}

	return id, nil
}

// GetResult retrieves a result by ID.
func (s *Store) GetResult(ctx context.Context, id EntityID) (*Result, error) {
	if id.Type != EntityTypeResult {
		return nil, fmt.Errorf("invalid entity type: expected result, got %s", id.Type)
	}

	entry, err := s.results.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}

	var r Result
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}

	return &r, nil
}

// GetResultByTask retrieves the result for a given task.
func (s *Store) GetResultByTask(ctx context.Context, taskID EntityID) (*Result, error) {
	if taskID.Type != EntityTypeTask {
		return nil, fmt.Errorf("invalid entity type: expected task, got %s", taskID.Type)
	}
	return s.GetResult(ctx, ResultIDForTask(taskID))
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
