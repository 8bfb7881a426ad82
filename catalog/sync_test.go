package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
)

var (
	objV1 = schema.MustParse(`{"type":"object","required":["a"]}`)
	objV2 = schema.MustParse(`{"type":"object","required":["a","b"]}`)
	objV3 = schema.MustParse(`{"type":"object","required":["a","b","c"]}`)
)

func entry(name string, schemas ...schema.Descriptor) Entry {
	e := Entry{Name: name, Source: "test.yaml"}
	for _, s := range schemas {
		e.Versions = append(e.Versions, VersionEntry{Schema: s})
	}
	return e
}

func TestSync_RegistersNewEntries(t *testing.T) {
	reg := tasktype.NewRegistry()
	cat := &Catalog{Entries: []Entry{
		entry("resize-image", objV1, objV2),
		entry("thumbnail", objV1),
	}}

	report, err := Sync(reg, cat, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Registered)
	assert.Equal(t, 1, report.VersionsAdded)
	assert.True(t, report.Changed())

	id, ok := reg.LookupByName("resize-image")
	require.True(t, ok)
	rec, _ := reg.LookupByID(id)
	assert.Equal(t, tasktype.Version(2), rec.LatestVersion())
}

func TestSync_Idempotent(t *testing.T) {
	reg := tasktype.NewRegistry()
	cat := &Catalog{Entries: []Entry{entry("resize-image", objV1, objV2)}}

	_, err := Sync(reg, cat, nil)
	require.NoError(t, err)
	rev := reg.Snapshot().Revision()

	report, err := Sync(reg, cat, nil)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, rev, reg.Snapshot().Revision())
}

func TestSync_AppendsVersions(t *testing.T) {
	reg := tasktype.NewRegistry()
	_, err := Sync(reg, &Catalog{Entries: []Entry{entry("resize-image", objV1)}}, nil)
	require.NoError(t, err)

	report, err := Sync(reg, &Catalog{Entries: []Entry{entry("resize-image", objV1, objV2, objV3)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.VersionsAdded)

	id, _ := reg.LookupByName("resize-image")
	rec, _ := reg.LookupByID(id)
	assert.Equal(t, tasktype.Version(3), rec.LatestVersion())
}

func TestSync_RenameByID(t *testing.T) {
	reg := tasktype.NewRegistry()
	id, err := reg.Register("resize-image", objV1)
	require.NoError(t, err)

	e := entry("scale-image", objV1)
	e.ID = id
	report, err := Sync(reg, &Catalog{Entries: []Entry{e}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renamed)

	got, ok := reg.LookupByName("scale-image")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestSync_RestoresKnownIDs(t *testing.T) {
	reg := tasktype.NewRegistry()
	id := tasktype.MustParseID("4c7f9a4e-0f7c-4b5e-9d7e-6f1f6a0f2b11")
	e := entry("resize-image", objV1, objV2)
	e.ID = id

	report, err := Sync(reg, &Catalog{Entries: []Entry{e}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)

	rec, ok := reg.LookupByID(id)
	require.True(t, ok)
	assert.Equal(t, tasktype.Version(2), rec.LatestVersion())
}

func TestSync_Retire(t *testing.T) {
	reg := tasktype.NewRegistry()
	_, err := Sync(reg, &Catalog{Entries: []Entry{entry("resize-image", objV1)}}, nil)
	require.NoError(t, err)
	id, _ := reg.LookupByName("resize-image")

	retired := entry("resize-image", objV1)
	retired.Retired = true
	report, err := Sync(reg, &Catalog{Entries: []Entry{retired}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retired)

	rec, ok := reg.LookupByID(id)
	require.True(t, ok)
	assert.True(t, rec.Retired())
	_, ok = reg.LookupByName("resize-image")
	assert.False(t, ok)
}

func TestSync_Conflicts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, reg *tasktype.Registry) tasktype.ID
		entry func(id tasktype.ID) Entry
	}{
		{
			name: "rewritten version",
			setup: func(t *testing.T, reg *tasktype.Registry) tasktype.ID {
				id, err := reg.Register("resize-image", objV1)
				require.NoError(t, err)
				return id
			},
			entry: func(tasktype.ID) Entry { return entry("resize-image", objV2) },
		},
		{
			name: "dropped version",
			setup: func(t *testing.T, reg *tasktype.Registry) tasktype.ID {
				id, err := reg.Register("resize-image", objV1)
				require.NoError(t, err)
				_, err = reg.AddSchemaVersion(id, objV2)
				require.NoError(t, err)
				return id
			},
			entry: func(tasktype.ID) Entry { return entry("resize-image", objV1) },
		},
		{
			name: "reactivate retired",
			setup: func(t *testing.T, reg *tasktype.Registry) tasktype.ID {
				id, err := reg.Register("resize-image", objV1)
				require.NoError(t, err)
				require.NoError(t, reg.Retire(id))
				return id
			},
			entry: func(id tasktype.ID) Entry {
				e := entry("resize-image", objV1)
				e.ID = id
				return e
			},
		},
		{
			name: "rename onto active name",
			setup: func(t *testing.T, reg *tasktype.Registry) tasktype.ID {
				id, err := reg.Register("resize-image", objV1)
				require.NoError(t, err)
				_, err = reg.Register("crop-image", objV1)
				require.NoError(t, err)
				return id
			},
			entry: func(id tasktype.ID) Entry {
				e := entry("crop-image", objV1)
				e.ID = id
				return e
			},
		},
		{
			name: "restore id onto active name",
			setup: func(t *testing.T, reg *tasktype.Registry) tasktype.ID {
				_, err := reg.Register("resize-image", objV1)
				require.NoError(t, err)
				return tasktype.NewID()
			},
			entry: func(id tasktype.ID) Entry {
				e := entry("resize-image", objV1)
				e.ID = id
				return e
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := tasktype.NewRegistry()
			id := tt.setup(t, reg)
			before := reg.Snapshot()

			report, err := Sync(reg, &Catalog{Entries: []Entry{tt.entry(id)}}, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConflict)
			require.Len(t, report.Conflicts, 1)
			assert.NotEmpty(t, report.Conflicts[0].Reason)
			assert.False(t, report.Changed())
			assert.Equal(t, before.Revision(), reg.Snapshot().Revision(), "conflicts leave the registry untouched")
		})
	}
}

func TestSync_ConflictDoesNotStopOtherEntries(t *testing.T) {
	reg := tasktype.NewRegistry()
	_, err := reg.Register("resize-image", objV1)
	require.NoError(t, err)

	cat := &Catalog{Entries: []Entry{
		entry("resize-image", objV2),
		entry("thumbnail", objV1),
	}}
	report, err := Sync(reg, cat, nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, report.Conflicts, 1)
	assert.Equal(t, 1, report.Registered)

	_, ok := reg.LookupByName("thumbnail")
	assert.True(t, ok)
}

func TestSync_NilCatalog(t *testing.T) {
	report, err := Sync(tasktype.NewRegistry(), nil, nil)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}
