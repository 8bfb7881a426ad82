package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/taskreg/validation"
)

// Submission asks for a task to be validated and dispatched. The task type
// is named either by id or by its active name; Version 0 selects the
// latest schema version.
type Submission struct {
	RequestID string          `json:"request_id,omitempty"`
	TypeID    string          `json:"type_id,omitempty"`
	TypeName  string          `json:"type_name,omitempty"`
	Version   uint32          `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Schema implements message.Payload.
func (p *Submission) Schema() message.Type {
	return SubmissionType
}

// Validate implements message.Payload.
func (p *Submission) Validate() error {
	if p.TypeID == "" && p.TypeName == "" {
		return errors.New("type_id or type_name is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *Submission) MarshalJSON() ([]byte, error) {
	type Alias Submission
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Submission) UnmarshalJSON(data []byte) error {
	type Alias Submission
	return json.Unmarshal(data, (*Alias)(p))
}

// DispatchedTask is published to <prefix>.<type-id> for workers. It carries
// the exact type id, schema version and payload that were validated.
type DispatchedTask struct {
	TaskID            string          `json:"task_id"`
	RequestID         string          `json:"request_id,omitempty"`
	TypeID            string          `json:"type_id"`
	TypeName          string          `json:"type_name"`
	Version           uint32          `json:"version"`
	Payload           json.RawMessage `json:"payload"`
	SchemaFingerprint string          `json:"schema_fingerprint"`
	SnapshotRevision  uint64          `json:"snapshot_revision"`
	ValidatedAt       time.Time       `json:"validated_at"`
	Replay            bool            `json:"replay,omitempty"`
}

func newDispatchedTask(taskID, requestID, typeName string, vt *validation.ValidatedTask) *DispatchedTask {
	return &DispatchedTask{
		TaskID:            taskID,
		RequestID:         requestID,
		TypeID:            vt.TypeID().String(),
		TypeName:          typeName,
		Version:           uint32(vt.Version()),
		Payload:           vt.Payload(),
		SchemaFingerprint: vt.Fingerprint(),
		SnapshotRevision:  vt.SnapshotRevision(),
		ValidatedAt:       vt.ValidatedAt(),
	}
}

// Schema implements message.Payload.
func (p *DispatchedTask) Schema() message.Type {
	return DispatchedTaskType
}

// Validate implements message.Payload.
func (p *DispatchedTask) Validate() error {
	if p.TaskID == "" {
		return errors.New("task_id is required")
	}
	if p.TypeID == "" {
		return errors.New("type_id is required")
	}
	if p.Version == 0 {
		return errors.New("version is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *DispatchedTask) MarshalJSON() ([]byte, error) {
	type Alias DispatchedTask
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *DispatchedTask) UnmarshalJSON(data []byte) error {
	type Alias DispatchedTask
	return json.Unmarshal(data, (*Alias)(p))
}

// Rejection reports a submission that failed validation.
type Rejection struct {
	RequestID string `json:"request_id,omitempty"`
	TypeID    string `json:"type_id,omitempty"`
	TypeName  string `json:"type_name,omitempty"`
	Version   uint32 `json:"version,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

// NewRejection describes why sub was rejected.
func NewRejection(sub *Submission, err error) *Rejection {
	r := &Rejection{Reason: Reason(err), Error: err.Error()}
	if sub != nil {
		r.RequestID = sub.RequestID
		r.TypeID = sub.TypeID
		r.TypeName = sub.TypeName
		r.Version = sub.Version
	}
	var ve *validation.Error
	if errors.As(err, &ve) && !ve.TypeID.IsZero() {
		r.TypeID = ve.TypeID.String()
		if ve.Version > 0 {
			r.Version = uint32(ve.Version)
		}
	}
	return r
}

// Schema implements message.Payload.
func (p *Rejection) Schema() message.Type {
	return RejectionType
}

// Validate implements message.Payload.
func (p *Rejection) Validate() error {
	if p.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *Rejection) MarshalJSON() ([]byte, error) {
	type Alias Rejection
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Rejection) UnmarshalJSON(data []byte) error {
	type Alias Rejection
	return json.Unmarshal(data, (*Alias)(p))
}

// StatusUpdate is sent by workers on <status_prefix>.<task-id> as they
// pick up and finish tasks.
type StatusUpdate struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Schema implements message.Payload.
func (p *StatusUpdate) Schema() message.Type {
	return StatusUpdateType
}

// Validate implements message.Payload.
func (p *StatusUpdate) Validate() error {
	if p.TaskID == "" {
		return errors.New("task_id is required")
	}
	if p.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *StatusUpdate) MarshalJSON() ([]byte, error) {
	type Alias StatusUpdate
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *StatusUpdate) UnmarshalJSON(data []byte) error {
	type Alias StatusUpdate
	return json.Unmarshal(data, (*Alias)(p))
}

// TaskResult is sent by workers on <result_prefix>.<task-id> when a task
// finishes. It completes or fails the task in the ledger.
type TaskResult struct {
	TaskID  string          `json:"task_id"`
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Schema implements message.Payload.
func (p *TaskResult) Schema() message.Type {
	return TaskResultType
}

// Validate implements message.Payload.
func (p *TaskResult) Validate() error {
	if p.TaskID == "" {
		return errors.New("task_id is required")
	}
	if !p.Success && p.Error == "" {
		return errors.New("error is required for a failed task")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TaskResult) MarshalJSON() ([]byte, error) {
	type Alias TaskResult
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TaskResult) UnmarshalJSON(data []byte) error {
	type Alias TaskResult
	return json.Unmarshal(data, (*Alias)(p))
}

// SubmissionType is the message type for task submissions.
var SubmissionType = message.Type{
	Domain:   "task",
	Category: "submission",
	Version:  "v1",
}

// DispatchedTaskType is the message type for validated tasks.
var DispatchedTaskType = message.Type{
	Domain:   "task",
	Category: "validated",
	Version:  "v1",
}

// RejectionType is the message type for rejected submissions.
var RejectionType = message.Type{
	Domain:   "task",
	Category: "rejected",
	Version:  "v1",
}

// StatusUpdateType is the message type for worker status reports.
var StatusUpdateType = message.Type{
	Domain:   "task",
	Category: "status",
	Version:  "v1",
}

// TaskResultType is the message type for worker results.
var TaskResultType = message.Type{
	Domain:   "task",
	Category: "result",
	Version:  "v1",
}

func init() {
	for _, reg := range []*component.PayloadRegistration{
		{
			Domain:      SubmissionType.Domain,
			Category:    SubmissionType.Category,
			Version:     SubmissionType.Version,
			Description: "Task submission awaiting schema validation",
			Factory:     func() any { return &Submission{} },
		},
		{
			Domain:      DispatchedTaskType.Domain,
			Category:    DispatchedTaskType.Category,
			Version:     DispatchedTaskType.Version,
			Description: "Task validated against a pinned schema version",
			Factory:     func() any { return &DispatchedTask{} },
		},
		{
			Domain:      RejectionType.Domain,
			Category:    RejectionType.Category,
			Version:     RejectionType.Version,
			Description: "Task submission rejected by validation",
			Factory:     func() any { return &Rejection{} },
		},
		{
			Domain:      StatusUpdateType.Domain,
			Category:    StatusUpdateType.Category,
			Version:     StatusUpdateType.Version,
			Description: "Worker report of a dispatched task's progress",
			Factory:     func() any { return &StatusUpdate{} },
		},
		{
			Domain:      TaskResultType.Domain,
			Category:    TaskResultType.Category,
			Version:     TaskResultType.Version,
			Description: "Worker result for a dispatched task",
			Factory:     func() any { return &TaskResult{} },
		},
	} {
		if err := component.RegisterPayload(reg); err != nil {
			panic(fmt.Sprintf("failed to register %s.%s payload: %v", reg.Domain, reg.Category, err))
		}
	}
}
