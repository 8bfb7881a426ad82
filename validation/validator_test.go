package validation

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
)

var (
	// S1 needs a url; S2 additionally needs a positive width.
	resizeV1 = schema.MustParse(`{
		"type": "object",
		"required": ["url"],
		"properties": {"url": {"type": "string"}}
	}`)
	resizeV2 = schema.MustParse(`{
		"type": "object",
		"required": ["url", "width"],
		"properties": {
			"url": {"type": "string"},
			"width": {"type": "integer", "minimum": 1}
		}
	}`)

	matchesV1Only = []byte(`{"url": "https://example.com/cat.png"}`)
	matchesBoth   = []byte(`{"url": "https://example.com/cat.png", "width": 640}`)
)

func newResizeRegistry(t *testing.T) (*tasktype.Registry, tasktype.ID) {
	t.Helper()
	reg := tasktype.NewRegistry()
	id, err := reg.Register("resize-image", resizeV1)
	require.NoError(t, err)
	v, err := reg.AddSchemaVersion(id, resizeV2)
	require.NoError(t, err)
	require.Equal(t, tasktype.Version(2), v)
	return reg, id
}

func TestValidate_ResizeImageScenario(t *testing.T) {
	reg, id := newResizeRegistry(t)
	snap := reg.Snapshot()
	v := New()

	task, err := v.Validate(snap, id, 1, matchesV1Only)
	require.NoError(t, err)
	assert.Equal(t, id, task.TypeID())
	assert.Equal(t, tasktype.Version(1), task.Version())

	_, err = v.Validate(snap, id, 2, matchesV1Only)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, id, ve.TypeID)
	assert.Equal(t, tasktype.Version(2), ve.Version)
	assert.ErrorIs(t, ve.Cause, schema.ErrMismatch)
}

func TestValidate_Errors(t *testing.T) {
	reg, id := newResizeRegistry(t)
	snap := reg.Snapshot()
	v := New()

	tests := []struct {
		name    string
		id      tasktype.ID
		version tasktype.Version
		payload []byte
		wantErr error
	}{
		{"unknown type", tasktype.NewID(), 1, matchesBoth, ErrUnknownType},
		{"version zero", id, 0, matchesBoth, ErrUnknownVersion},
		{"version beyond latest", id, 3, matchesBoth, ErrUnknownVersion},
		{"missing required field", id, 1, []byte(`{"width": 10}`), ErrSchemaMismatch},
		{"wrong field type", id, 2, []byte(`{"url": "x", "width": "wide"}`), ErrSchemaMismatch},
		{"below minimum", id, 2, []byte(`{"url": "x", "width": 0}`), ErrSchemaMismatch},
		{"not json", id, 1, []byte(`url=x`), ErrSchemaMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := v.Validate(snap, tt.id, tt.version, tt.payload)
			assert.Nil(t, task)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsRejection(err))
		})
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	reg, id := newResizeRegistry(t)
	snap := reg.Snapshot()
	v := New()

	payload := []byte("{\n  \"url\": \"https://example.com/a.png\",\n  \"width\": 32\n}")
	task, err := v.Validate(snap, id, 2, payload)
	require.NoError(t, err)

	assert.Equal(t, id, task.TypeID())
	assert.Equal(t, tasktype.Version(2), task.Version())
	assert.Equal(t, payload, task.Payload(), "payload bytes are carried unchanged")
	assert.Equal(t, resizeV2.Fingerprint(), task.Fingerprint())
	assert.Equal(t, snap.Revision(), task.SnapshotRevision())

	// Mutating the caller's buffer or the returned copy must not leak in.
	payload[3] = 'X'
	got := task.Payload()
	got[0] = '['
	assert.Equal(t, byte(' '), task.Payload()[3])
	assert.Equal(t, byte('{'), task.Payload()[0])
}

func TestValidate_SnapshotPinsVersions(t *testing.T) {
	reg := tasktype.NewRegistry()
	id, err := reg.Register("resize-image", resizeV1)
	require.NoError(t, err)

	before := reg.Snapshot()
	_, err = reg.AddSchemaVersion(id, resizeV2)
	require.NoError(t, err)
	v := New()

	_, err = v.Validate(before, id, 2, matchesBoth)
	assert.ErrorIs(t, err, ErrUnknownVersion, "old snapshot never sees version 2")

	latest, err := v.ValidateLatest(before, id, matchesV1Only)
	require.NoError(t, err)
	assert.Equal(t, tasktype.Version(1), latest.Version())

	_, err = v.ValidateLatest(reg.Snapshot(), id, matchesV1Only)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestValidate_RetiredType(t *testing.T) {
	reg, id := newResizeRegistry(t)
	require.NoError(t, reg.Retire(id))

	_, err := reg.AddSchemaVersion(id, resizeV1)
	assert.ErrorIs(t, err, tasktype.ErrRetired)

	snap := reg.Snapshot()
	rec, ok := snap.LookupByID(id)
	require.True(t, ok)
	assert.True(t, rec.Retired())

	v := New()
	task, err := v.Validate(snap, id, 2, matchesBoth)
	require.NoError(t, err, "historical tasks stay validatable")
	assert.Equal(t, tasktype.Version(2), task.Version())

	_, err = v.ValidateLatest(snap, id, matchesBoth)
	assert.ErrorIs(t, err, ErrRetiredType)
}

func TestValidate_MatcherFailureIsNotRejection(t *testing.T) {
	reg, id := newResizeRegistry(t)
	boom := errors.New("matcher unavailable")
	v := New(WithMatcher(schema.MatcherFunc(func(schema.Descriptor, []byte) error {
		return boom
	})))

	_, err := v.Validate(reg.Snapshot(), id, 1, matchesBoth)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRejection(err))
	assert.Equal(t, "error", Reason(err))
}

func TestValidate_Metrics(t *testing.T) {
	reg, id := newResizeRegistry(t)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	v := New(WithMetrics(m))
	snap := reg.Snapshot()

	_, err := v.Validate(snap, id, 1, matchesV1Only)
	require.NoError(t, err)
	_, err = v.Validate(snap, id, 2, matchesV1Only)
	require.Error(t, err)
	_, err = v.Validate(snap, tasktype.NewID(), 1, matchesV1Only)
	require.Error(t, err)

	count, err := testutil.GatherAndCount(promReg, "taskreg_validator_validations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per result label")
}

func TestValidate_ConcurrentWithMutations(t *testing.T) {
	reg, id := newResizeRegistry(t)
	snap := reg.Snapshot()
	v := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := v.Validate(snap, id, 2, matchesBoth); err != nil {
					t.Errorf("Validate: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := reg.AddSchemaVersion(id, resizeV1)
		require.NoError(t, err)
	}
	wg.Wait()

	rec, _ := snap.LookupByID(id)
	assert.Equal(t, tasktype.Version(2), rec.LatestVersion())
}

func TestValidatedTask_JSON(t *testing.T) {
	reg, id := newResizeRegistry(t)
	task, err := New().Validate(reg.Snapshot(), id, 2, matchesBoth)
	require.NoError(t, err)

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded ValidatedTask
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task.TypeID(), decoded.TypeID())
	assert.Equal(t, task.Version(), decoded.Version())
	assert.JSONEq(t, string(matchesBoth), string(decoded.Payload()))
	assert.Equal(t, task.Fingerprint(), decoded.Fingerprint())
	assert.Equal(t, task.SnapshotRevision(), decoded.SnapshotRevision())

	var bad ValidatedTask
	assert.Error(t, json.Unmarshal([]byte(`{"version":1}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"type_id":"`+id.String()+`"}`), &bad))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "unknown_type", Reason(&Error{Kind: ErrUnknownType}))
	assert.Equal(t, "unknown_version", Reason(&Error{Kind: ErrUnknownVersion}))
	assert.Equal(t, "schema_mismatch", Reason(&Error{Kind: ErrSchemaMismatch}))
	assert.Equal(t, "retired_type", Reason(&Error{Kind: ErrRetiredType}))
	assert.Equal(t, "error", Reason(errors.New("other")))
}
