//go:build integration

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/taskreg/tasktype"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("Failed to get JetStream: %v", err)
	}
	store, err := NewStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestStore_TaskLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vt := validatedTask(t)

	task, err := store.CreateTask(ctx, vt, "resize-image", "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	id, err := ParseEntityID(task.ID)
	if err != nil {
		t.Fatalf("ParseEntityID() error = %v", err)
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.TypeID != vt.TypeID().String() || got.Version != uint32(vt.Version()) {
		t.Errorf("stored triple mismatch: %s v%d", got.TypeID, got.Version)
	}
	if string(got.Payload) != string(vt.Payload()) {
		t.Errorf("Payload = %s, want %s", got.Payload, vt.Payload())
	}

	for _, status := range []TaskStatus{TaskStatusDispatched, TaskStatusInProgress, TaskStatusComplete} {
		if _, err := store.UpdateTaskStatus(ctx, id, status); err != nil {
			t.Fatalf("UpdateTaskStatus(%s) error = %v", status, err)
		}
	}
	if _, err := store.UpdateTaskStatus(ctx, id, TaskStatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	got, err = store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != TaskStatusComplete || len(got.StatusChange) != 3 {
		t.Errorf("Status = %s with %d changes", got.Status, len(got.StatusChange))
	}

	tasks, err := store.ListTasksByType(ctx, vt.TypeID())
	if err != nil {
		t.Fatalf("ListTasksByType() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("ListTasksByType() returned %d tasks, want 1", len(tasks))
	}

	other, err := store.ListTasksByType(ctx, tasktype.NewID())
	if err != nil {
		t.Fatalf("ListTasksByType() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no tasks for unknown type, got %d", len(other))
	}
}

func TestStore_Results(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, validatedTask(t), "resize-image", "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	taskID, _ := ParseEntityID(task.ID)

	resultID, err := store.CreateResult(ctx, &Result{
		TaskID:  task.ID,
		Success: true,
		Output:  json.RawMessage(`{"width":640}`),
	})
	if err != nil {
		t.Fatalf("CreateResult() error = %v", err)
	}

	r, err := store.GetResult(ctx, resultID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if !r.Success || r.TaskID != task.ID {
		t.Errorf("unexpected result: %+v", r)
	}

	byTask, err := store.GetResultByTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetResultByTask() error = %v", err)
	}
	if byTask.ID != resultID.String() {
		t.Errorf("GetResultByTask() ID = %s, want %s", byTask.ID, resultID)
	}

	again, err := store.CreateResult(ctx, &Result{TaskID: task.ID, Success: false, Error: "late"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateResult() error = %v, want ErrAlreadyExists", err)
	}
	if again != resultID {
		t.Errorf("second CreateResult() ID = %s, want %s", again, resultID)
	}
	r, err = store.GetResultByTask(ctx, taskID)
	if err != nil || !r.Success {
		t.Errorf("first result was overwritten: %+v, %v", r, err)
	}

	_, err = store.CreateResult(ctx, &Result{TaskID: NewEntityID(EntityTypeTask).String()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func TestStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetTask(ctx, NewEntityID(EntityTypeTask)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetResult(ctx, NewEntityID(EntityTypeResult)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResult() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetResultByTask(ctx, NewEntityID(EntityTypeTask)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResultByTask() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetTask(ctx, NewEntityID(EntityTypeResult)); err == nil {
		t.Error("GetTask() with result ID should fail")
	}
}

func TestStore_CreateTaskIsIdempotentPerRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vts := validatedTasks(t, `{"url":"https://example.com/a.png"}`, `{"url":"https://example.com/b.png"}`)
	vt, other := vts[0], vts[1]

	first, err := store.CreateTask(ctx, vt, "resize-image", "req-1")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	id, _ := ParseEntityID(first.ID)
	if _, err := store.UpdateTaskStatus(ctx, id, TaskStatusDispatched); err != nil {
		t.Fatalf("UpdateTaskStatus() error = %v", err)
	}

	second, err := store.CreateTask(ctx, vt, "resize-image", "req-1")
	if err != nil {
		t.Fatalf("second CreateTask() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second CreateTask() ID = %s, want %s", second.ID, first.ID)
	}
	if second.Status != TaskStatusDispatched {
		t.Errorf("second CreateTask() Status = %s, want the stored status", second.Status)
	}

	tasks, err := store.ListTasksByType(ctx, vt.TypeID())
	if err != nil {
		t.Fatalf("ListTasksByType() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("ListTasksByType() returned %d tasks, want 1", len(tasks))
	}

	if _, err := store.CreateTask(ctx, other, "resize-image", "req-1"); !errors.Is(err, ErrRequestConflict) {
		t.Errorf("CreateTask() with reused request id error = %v, want ErrRequestConflict", err)
	}
}
