package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskreg/dispatch"
	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/storage"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

// memLedger serves both the dispatcher and the read-only task commands.
type memLedger struct {
	mu      sync.Mutex
	tasks   map[string]*storage.Task
	results map[string]*storage.Result
}

func newMemLedger() *memLedger {
	return &memLedger{
		tasks:   make(map[string]*storage.Task),
		results: make(map[string]*storage.Result),
	}
}

func (l *memLedger) CreateTask(_ context.Context, vt *validation.ValidatedTask, typeName, requestID string) (*storage.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := storage.NewTask(vt, typeName, requestID, time.Now())
	cp := *t
	l.tasks[t.ID] = &cp
	return t, nil
}

func (l *memLedger) GetTask(_ context.Context, id storage.EntityID) (*storage.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id.String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *memLedger) UpdateTaskStatus(_ context.Context, id storage.EntityID, status storage.TaskStatus) (*storage.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id.String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return nil, storage.ErrInvalidTransition
	}
	t.Status = status
	cp := *t
	return &cp, nil
}

func (l *memLedger) ListTasksByType(_ context.Context, typeID tasktype.ID) ([]*storage.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*storage.Task
	for _, t := range l.tasks {
		if t.TypeID == typeID.String() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *memLedger) GetResultByTask(_ context.Context, taskID storage.EntityID) (*storage.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[taskID.String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type taskFixture struct {
	reg    *tasktype.Registry
	typeID tasktype.ID
	ledger *memLedger
	pub    *capturePublisher
	d      *dispatch.Dispatcher
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	reg := tasktype.NewRegistry()
	id, err := reg.Register("resize-image", schema.MustParse(`{"type":"object","required":["url"]}`))
	require.NoError(t, err)

	f := &taskFixture{reg: reg, typeID: id, ledger: newMemLedger(), pub: &capturePublisher{}}
	f.d = dispatch.New(reg, validation.New(), f.pub, dispatch.WithLedger(f.ledger))
	return f
}

func (f *taskFixture) submit(t *testing.T, payload string) string {
	t.Helper()
	receipt, err := f.d.Submit(context.Background(), &dispatch.Submission{
		TypeName: "resize-image",
		Payload:  json.RawMessage(payload),
	})
	require.NoError(t, err)
	return receipt.TaskID
}

func TestShowTask(t *testing.T) {
	f := newTaskFixture(t)
	taskID := f.submit(t, `{"url":"https://example.com/a.png"}`)

	var out bytes.Buffer
	require.NoError(t, showTask(context.Background(), &out, f.ledger, taskID))

	var shown struct {
		Task struct {
			ID      string          `json:"id"`
			Status  string          `json:"status"`
			Payload json.RawMessage `json:"payload"`
		} `json:"task"`
		Result *storage.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, taskID, shown.Task.ID)
	assert.Equal(t, "dispatched", shown.Task.Status)
	assert.JSONEq(t, `{"url":"https://example.com/a.png"}`, string(shown.Task.Payload))
	assert.Nil(t, shown.Result)

	id, _ := storage.ParseEntityID(taskID)
	f.ledger.results[id.String()] = &storage.Result{TaskID: taskID, Success: true, Output: json.RawMessage(`{"width":64}`)}
	out.Reset()
	require.NoError(t, showTask(context.Background(), &out, f.ledger, taskID))
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	require.NotNil(t, shown.Result)
	assert.True(t, shown.Result.Success)

	err := showTask(context.Background(), &out, f.ledger, storage.NewEntityID(storage.EntityTypeTask).String())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Error(t, showTask(context.Background(), &out, f.ledger, "garbage"))
}

func TestListTasks(t *testing.T) {
	f := newTaskFixture(t)
	first := f.submit(t, `{"url":"a"}`)
	second := f.submit(t, `{"url":"b"}`)
	f.ledger.tasks[first].CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.ledger.tasks[second].CreatedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	snap := f.reg.Snapshot()

	t.Run("by name", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, listTasks(context.Background(), &out, f.ledger, snap, "resize-image", false))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], first))
		assert.Contains(t, lines[0], "dispatched")
		assert.True(t, strings.HasPrefix(lines[1], second))
	})

	t.Run("by id as json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, listTasks(context.Background(), &out, f.ledger, snap, f.typeID.String(), true))
		var tasks []struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &tasks))
		require.Len(t, tasks, 2)
		assert.Equal(t, first, tasks[0].ID)
		assert.JSONEq(t, `{"url":"a"}`, string(tasks[0].Payload))
	})

	t.Run("unknown name", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, listTasks(context.Background(), &out, f.ledger, snap, "crop-image", false))
	})
}

func TestReplayTask(t *testing.T) {
	f := newTaskFixture(t)
	taskID := f.submit(t, `{"url":"a"}`)
	require.NoError(t, f.reg.Retire(f.typeID))

	var out bytes.Buffer
	require.NoError(t, replayTask(context.Background(), &out, f.d, taskID))

	var receipt dispatch.Receipt
	require.NoError(t, json.Unmarshal(out.Bytes(), &receipt))
	assert.Equal(t, taskID, receipt.TaskID)
	assert.Equal(t, []string{receipt.Subject, receipt.Subject}, f.pub.subjects)

	out.Reset()
	stranger := dispatch.New(tasktype.NewRegistry(), validation.New(), f.pub, dispatch.WithLedger(f.ledger))
	err := replayTask(context.Background(), &out, stranger, taskID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, validation.ErrUnknownType))
	assert.Contains(t, out.String(), "rejected (unknown_type)")
}

func TestTaskCommand_LedgerDisabled(t *testing.T) {
	cfg := testEnv(t)
	t.Setenv("TASKREG_DISPATCH_LEDGER", "false")

	_, err := execute(t, "", "--config", cfg, "task", "show", storage.NewEntityID(storage.EntityTypeTask).String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger is disabled")
}
