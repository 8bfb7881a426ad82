package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

func TestEntityID(t *testing.T) {
	t.Run("NewEntityID generates valid ID", func(t *testing.T) {
		id := NewEntityID(EntityTypeTask)
		if id.Type != EntityTypeTask {
			t.Errorf("expected type %s, got %s", EntityTypeTask, id.Type)
		}
		if id.ID == "" {
			t.Error("expected non-empty ID")
		}
	})

	t.Run("String returns correct format", func(t *testing.T) {
		id := EntityID{Type: EntityTypeTask, ID: "abc123"}
		expected := "task:abc123"
		if id.String() != expected {
			t.Errorf("expected %s, got %s", expected, id.String())
		}
	})

	t.Run("ParseEntityID handles all types", func(t *testing.T) {
		tests := []struct {
			input    string
			expected EntityType
		}{
			{"task:456", EntityTypeTask},
			{"result:789", EntityTypeResult},
		}

		for _, tc := range tests {
			id, err := ParseEntityID(tc.input)
			if err != nil {
				t.Errorf("unexpected error for %s: %v", tc.input, err)
				continue
			}
			if id.Type != tc.expected {
				t.Errorf("for %s: expected type %s, got %s", tc.input, tc.expected, id.Type)
			}
		}
	})

	t.Run("ParseEntityID rejects invalid format", func(t *testing.T) {
		invalidIDs := []string{
			"invalid",
			"no-colon",
			"",
			"task:",
			"proposal:123",
		}

		for _, input := range invalidIDs {
			_, err := ParseEntityID(input)
			if err == nil {
				t.Errorf("expected error for %q, got nil", input)
			}
		}
	})

	t.Run("Round trip ID conversion", func(t *testing.T) {
		original := NewEntityID(EntityTypeResult)
		parsed, err := ParseEntityID(original.String())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed != original {
			t.Errorf("round trip mismatch: expected %v, got %v", original, parsed)
		}
	})
}

func TestTaskStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusDispatched, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusDispatched, TaskStatusInProgress, true},
		{TaskStatusInProgress, TaskStatusComplete, true},
		{TaskStatusInProgress, TaskStatusInProgress, false},
		{TaskStatusComplete, TaskStatusInProgress, false},
		{TaskStatusFailed, TaskStatusPending, false},
		{TaskStatusPending, TaskStatus("archived"), false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func validatedTask(t *testing.T) *validation.ValidatedTask {
	t.Helper()
	return validatedTasks(t, `{"url": "https://example.com/a.png"}`)[0]
}

// validatedTasks validates each payload against one resize-image type.
func validatedTasks(t *testing.T, payloads ...string) []*validation.ValidatedTask {
	t.Helper()
	reg := tasktype.NewRegistry()
	id, err := reg.Register("resize-image", schema.MustParse(`{"type":"object","required":["url"]}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	out := make([]*validation.ValidatedTask, 0, len(payloads))
	for _, p := range payloads {
		vt, err := validation.New().Validate(reg.Snapshot(), id, 1, []byte(p))
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		out = append(out, vt)
	}
	return out
}

func TestNewTask(t *testing.T) {
	vt := validatedTask(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := NewTask(vt, "resize-image", "", now)

	id, err := ParseEntityID(task.ID)
	if err != nil || id.Type != EntityTypeTask {
		t.Fatalf("expected task entity ID, got %q (%v)", task.ID, err)
	}
	typeID, err := task.TaskType()
	if err != nil {
		t.Fatalf("TaskType: %v", err)
	}
	if typeID != vt.TypeID() {
		t.Errorf("expected type %s, got %s", vt.TypeID(), typeID)
	}
	if task.SchemaVersion() != vt.Version() {
		t.Errorf("expected version %d, got %d", vt.Version(), task.SchemaVersion())
	}
	if !bytes.Equal(task.Payload, vt.Payload()) {
		t.Errorf("payload changed: %s", task.Payload)
	}
	if task.Status != TaskStatusPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.SchemaFingerprint != vt.Fingerprint() {
		t.Errorf("fingerprint mismatch")
	}
}

func TestNewTask_RequestIDFixesTaskID(t *testing.T) {
	vt := validatedTask(t)

	a := NewTask(vt, "resize-image", "req-1", time.Now())
	b := NewTask(vt, "resize-image", "req-1", time.Now())
	c := NewTask(vt, "resize-image", "req-2", time.Now())

	if a.ID != b.ID {
		t.Errorf("same request id gave different task ids: %s, %s", a.ID, b.ID)
	}
	if a.ID == c.ID {
		t.Errorf("different request ids gave the same task id %s", a.ID)
	}
	if a.ID != TaskIDForRequest("req-1").String() {
		t.Errorf("ID = %s, want %s", a.ID, TaskIDForRequest("req-1"))
	}
	if a.RequestID != "req-1" {
		t.Errorf("RequestID = %q", a.RequestID)
	}
	if !SameSubmission(a, b) {
		t.Error("expected identical submissions to match")
	}

	other := NewTask(vt, "resize-image", "req-1", time.Now())
	other.Payload = []byte(`{"url":"https://example.com/b.png"}`)
	if SameSubmission(a, other) {
		t.Error("different payloads must not match")
	}
}

func TestResultIDForTask(t *testing.T) {
	taskID := NewEntityID(EntityTypeTask)
	id := ResultIDForTask(taskID)
	if id.Type != EntityTypeResult || id.ID != taskID.ID {
		t.Errorf("ResultIDForTask(%s) = %s", taskID, id)
	}
}

func TestTask_JSONKeepsPayloadBytes(t *testing.T) {
	task := NewTask(validatedTask(t), "resize-image", "", time.Now())

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(decoded.Payload, task.Payload) {
		t.Errorf("payload bytes changed: %q vs %q", decoded.Payload, task.Payload)
	}
}

func TestApplyStatus(t *testing.T) {
	task := NewTask(validatedTask(t), "resize-image", "", time.Now())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, next := range []TaskStatus{TaskStatusDispatched, TaskStatusInProgress, TaskStatusComplete} {
		if err := applyStatus(task, next, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("applyStatus(%s): %v", next, err)
		}
	}

	if len(task.StatusChange) != 3 {
		t.Fatalf("expected 3 status changes, got %d", len(task.StatusChange))
	}
	if task.StatusChange[0].From != TaskStatusPending {
		t.Errorf("expected first change from pending, got %s", task.StatusChange[0].From)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("unexpected StartedAt: %v", task.StartedAt)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("unexpected CompletedAt: %v", task.CompletedAt)
	}

	err := applyStatus(task, TaskStatusFailed, t0.Add(time.Hour))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if task.Status != TaskStatusComplete {
		t.Errorf("rejected transition changed status to %s", task.Status)
	}
}
