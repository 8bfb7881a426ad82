// Package dispatch hands validated tasks to the worker layer.
//
// A Dispatcher resolves a submission against one registry snapshot,
// validates it, records it in the ledger and publishes it to JetStream.
// Everything downstream receives the exact (type id, version, payload)
// triple that was checked.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/storage"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

// DefaultSubjectPrefix is the subject prefix for dispatched tasks.
const DefaultSubjectPrefix = "task.validated"

const defaultSource = "taskreg-dispatch"

var (
	// ErrInvalidSubmission is returned for malformed submissions.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNoLedger is returned by Replay when no ledger is configured.
	ErrNoLedger = errors.New("no task ledger configured")
	// ErrPublish is returned when a validated task could not be published.
	ErrPublish = errors.New("publish validated task")
)

// Snapshotter provides registry snapshots.
type Snapshotter interface {
	Snapshot() *tasktype.Snapshot
}

// Ledger records dispatched tasks. *storage.Store implements it.
type Ledger interface {
	CreateTask(ctx context.Context, vt *validation.ValidatedTask, typeName, requestID string) (*storage.Task, error)
	GetTask(ctx context.Context, id storage.EntityID) (*storage.Task, error)
	UpdateTaskStatus(ctx context.Context, id storage.EntityID, status storage.TaskStatus) (*storage.Task, error)
}

// Publisher sends encoded messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// JetStreamPublisher publishes through JetStream and waits for the ack.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

// NewJetStreamPublisher wraps js.
func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Publish implements Publisher.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// Receipt describes an accepted submission.
type Receipt struct {
	TaskID           string           `json:"task_id"`
	TypeID           tasktype.ID      `json:"type_id"`
	TypeName         string           `json:"type_name"`
	Version          tasktype.Version `json:"version"`
	Subject          string           `json:"subject"`
	SnapshotRevision uint64           `json:"snapshot_revision"`
}

// Dispatcher validates and dispatches submissions.
type Dispatcher struct {
	registry      Snapshotter
	validator     *validation.Validator
	publisher     Publisher
	ledger        Ledger
	subjectPrefix string
	source        string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLedger records every accepted task.
func WithLedger(l Ledger) Option {
	return func(d *Dispatcher) {
		d.ledger = l
	}
}

// WithSubjectPrefix sets the subject prefix for dispatched tasks.
func WithSubjectPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if prefix != "" {
			d.subjectPrefix = prefix
		}
	}
}

// WithSource sets the source recorded on published messages.
func WithSource(source string) Option {
	return func(d *Dispatcher) {
		if source != "" {
			d.source = source
		}
	}
}

// WithMetrics counts submissions by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(registry Snapshotter, validator *validation.Validator, publisher Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		validator:     validator,
		publisher:     publisher,
		subjectPrefix: DefaultSubjectPrefix,
		source:        defaultSource,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subject returns the subject tasks of type id are published on.
func (d *Dispatcher) Subject(id tasktype.ID) string {
	return d.subjectPrefix + "." + id.String()
}

// Submit validates sub against the latest registry snapshot and dispatches
// it. Validation failures are returned as *validation.Error; a malformed
// submission wraps ErrInvalidSubmission.
func (d *Dispatcher) Submit(ctx context.Context, sub *Submission) (*Receipt, error) {
	receipt, err := d.submit(ctx, sub)
	d.metrics.ObserveSubmission(outcome(err))
	return receipt, err
}

func (d *Dispatcher) submit(ctx context.Context, sub *Submission) (*Receipt, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil submission", ErrInvalidSubmission)
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	// One snapshot for the whole submission: name resolution and schema
	// lookup must agree.
	snap := d.registry.Snapshot()

	rec, err := resolve(snap, sub)
	if err != nil {
		return nil, err
	}
	if rec.Retired() {
		return nil, &validation.Error{Kind: validation.ErrRetiredType, TypeID: rec.ID()}
	}

	var vt *validation.ValidatedTask
	if sub.Version == 0 {
		vt, err = d.validator.ValidateLatest(snap, rec.ID(), sub.Payload)
	} else {
		vt, err = d.validator.Validate(snap, rec.ID(), tasktype.Version(sub.Version), sub.Payload)
	}
	if err != nil {
		return nil, err
	}

	// A redelivered submission with a request id gets its earlier task back,
	// so a failed publish does not leave one pending record per attempt.
	task, err := d.record(ctx, vt, rec.Name(), sub.RequestID)
	if err != nil {
		return nil, err
	}
	taskID := task.ID

	receipt, err := d.publish(ctx, newDispatchedTask(taskID, sub.RequestID, rec.Name(), vt))
	if err != nil {
		return nil, err
	}
	receipt.SnapshotRevision = snap.Revision()

	if task.Status == storage.TaskStatusPending {
		d.markDispatched(ctx, taskID)
	}

	d.logger.Info("Dispatched task",
		"task_id", taskID,
		"type", rec.Name(),
		"type_id", rec.ID().String(),
		"version", vt.Version(),
		"subject", receipt.Subject,
		"revision", snap.Revision())
	return receipt, nil
}

// Replay re-validates a recorded task against the latest snapshot, using
// the schema version pinned when it was first accepted, and publishes it
// again. Retired task types can be replayed.
func (d *Dispatcher) Replay(ctx context.Context, taskID string) (*Receipt, error) {
	if d.ledger == nil {
		return nil, ErrNoLedger
	}

	id, err := storage.ParseEntityID(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	task, err := d.ledger.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	typeID, err := task.TaskType()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	snap := d.registry.Snapshot()
	vt, err := d.validator.Validate(snap, typeID, task.SchemaVersion(), task.Payload)
	if err != nil {
		return nil, err
	}
	if vt.Fingerprint() != task.SchemaFingerprint {
		// Schema versions are append-only, so this only happens if the
		// registry was rebuilt from a different catalog.
		d.logger.Warn("Schema fingerprint changed since task was recorded",
			"task_id", taskID,
			"recorded", task.SchemaFingerprint,
			"current", vt.Fingerprint())
	}

	typeName := task.TypeName
	if rec, ok := snap.LookupByID(typeID); ok {
		typeName = rec.Name()
	}

	env := newDispatchedTask(task.ID, task.RequestID, typeName, vt)
	env.Replay = true
	receipt, err := d.publish(ctx, env)
	if err != nil {
		return nil, err
	}
	receipt.SnapshotRevision = snap.Revision()

	if task.Status == storage.TaskStatusPending {
		d.markDispatched(ctx, task.ID)
	}

	d.logger.Info("Replayed task",
		"task_id", task.ID,
		"type_id", typeID.String(),
		"version", vt.Version(),
		"subject", receipt.Subject)
	return receipt, nil
}

func resolve(snap *tasktype.Snapshot, sub *Submission) (tasktype.TaskType, error) {
	if sub.TypeID != "" {
		id, err := tasktype.ParseID(sub.TypeID)
		if err != nil {
			return tasktype.TaskType{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		rec, ok := snap.LookupByID(id)
		if !ok {
			return tasktype.TaskType{}, &validation.Error{Kind: validation.ErrUnknownType, TypeID: id}
		}
		return rec, nil
	}

	id, ok := snap.LookupByName(sub.TypeName)
	if !ok {
		return tasktype.TaskType{}, &validation.Error{
			Kind:  validation.ErrUnknownType,
			Cause: fmt.Errorf("no active task type named %q", sub.TypeName),
		}
	}
	rec, _ := snap.LookupByID(id)
	return rec, nil
}

// record stores the task in the ledger. Without a ledger the record is
// built locally and never stored.
func (d *Dispatcher) record(ctx context.Context, vt *validation.ValidatedTask, typeName, requestID string) (*storage.Task, error) {
	if d.ledger == nil {
		return storage.NewTask(vt, typeName, requestID, vt.ValidatedAt()), nil
	}
	task, err := d.ledger.CreateTask(ctx, vt, typeName, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrRequestConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		return nil, fmt.Errorf("record task: %w", err)
	}
	return task, nil
}

func (d *Dispatcher) publish(ctx context.Context, task *DispatchedTask) (*Receipt, error) {
	baseMsg := message.NewBaseMessage(task.Schema(), task, d.source)

	data, err := json.Marshal(baseMsg)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	typeID, err := tasktype.ParseID(task.TypeID)
	if err != nil {
		return nil, err
	}
	subject := d.Subject(typeID)
	if err := d.publisher.Publish(ctx, subject, data); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrPublish, task.TaskID, err)
	}

	return &Receipt{
		TaskID:   task.TaskID,
		TypeID:   typeID,
		TypeName: task.TypeName,
		Version:  tasktype.Version(task.Version),
		Subject:  subject,
	}, nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, taskID string) {
	if d.ledger == nil {
		return
	}
	id, err := storage.ParseEntityID(taskID)
	if err != nil {
		return
	}
	if _, err := d.ledger.UpdateTaskStatus(ctx, id, storage.TaskStatusDispatched); err != nil {
		d.logger.Warn("Failed to mark task dispatched",
			"task_id", taskID,
			"error", err)
	}
}

// Reason labels err for rejection subjects and metrics.
func Reason(err error) string {
	if errors.Is(err, ErrInvalidSubmission) {
		return "invalid_submission"
	}
	return validation.Reason(err)
}

// IsRejection reports whether err is caller-correctable. Rejections must
// not be retried; other errors may be transient.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidSubmission) || validation.IsRejection(err)
}

func outcome(err error) string {
	if err == nil {
		return "accepted"
	}
	return Reason(err)
}
