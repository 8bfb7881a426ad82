// Package tasktype owns task type definitions: identity, name, and the
// append-only history of schema versions.
//
// The Registry serializes mutations and publishes immutable Snapshots.
// Readers, including the validator, only ever see Snapshots, so a schema
// change committed after a snapshot was taken can never change how that
// snapshot resolves a (type, version) pair.
package tasktype

import (
	"encoding/json"
	"time"

	"github.com/c360studio/taskreg/schema"
)

// Version numbers a schema within one task type. The first version is 1.
type Version uint32

// SchemaVersion is one entry in a task type's schema history.
type SchemaVersion struct {
	Number  Version           `json:"version" yaml:"version"`
	Schema  schema.Descriptor `json:"schema" yaml:"schema"`
	AddedAt time.Time         `json:"added_at" yaml:"added_at"`
}

// TaskType is a read-only view of a task type record.
//
// Values are immutable once published. The version slice is shared with
// later records through a full slice expression, so appends by the
// registry always copy and never write into a published backing array.
type TaskType struct {
	id        ID
	name      string
	versions  []SchemaVersion
	retired   bool
	createdAt time.Time
	updatedAt time.Time
	retiredAt time.Time
}

// ID returns the task type id.
func (t TaskType) ID() ID { return t.id }

// Name returns the current name.
func (t TaskType) Name() string { return t.name }

// Retired reports whether the task type was retired.
func (t TaskType) Retired() bool { return t.retired }

// CreatedAt returns when the task type was registered.
func (t TaskType) CreatedAt() time.Time { return t.createdAt }

// UpdatedAt returns when the task type last changed.
func (t TaskType) UpdatedAt() time.Time { return t.updatedAt }

// RetiredAt returns when the task type was retired, or the zero time.
func (t TaskType) RetiredAt() time.Time { return t.retiredAt }

// Versions returns a copy of the schema history, oldest first.
func (t TaskType) Versions() []SchemaVersion {
	out := make([]SchemaVersion, len(t.versions))
	copy(out, t.versions)
	return out
}

// LatestVersion returns the highest version number.
func (t TaskType) LatestVersion() Version {
	return Version(len(t.versions))
}

// Latest returns the newest schema version.
func (t TaskType) Latest() SchemaVersion {
	if len(t.versions) == 0 {
		return SchemaVersion{}
	}
	return t.versions[len(t.versions)-1]
}

// Schema returns the descriptor for version v.
func (t TaskType) Schema(v Version) (schema.Descriptor, bool) {
	if v == 0 || int(v) > len(t.versions) {
		return schema.Descriptor{}, false
	}
	return t.versions[v-1].Schema, true
}

// MarshalJSON implements json.Marshaler.
func (t TaskType) MarshalJSON() ([]byte, error) {
	var retiredAt *time.Time
	if t.retired {
		ra := t.retiredAt
		retiredAt = &ra
	}
	return json.Marshal(struct {
		ID        ID              `json:"id"`
		Name      string          `json:"name"`
		Retired   bool            `json:"retired"`
		Versions  []SchemaVersion `json:"versions"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
		RetiredAt *time.Time      `json:"retired_at,omitempty"`
	}{
		ID:        t.id,
		Name:      t.name,
		Retired:   t.retired,
		Versions:  t.versions,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
		RetiredAt: retiredAt,
	})
}

// Definition seeds a task type with a known id and full schema history.
// Used by Registry.Restore.
type Definition struct {
	// ID is kept when set; a fresh id is allocated otherwise.
	ID ID
	// Name must be unique among active task types unless Retired is set.
	Name string
	// Schemas lists every version in order; Schemas[0] is version 1.
	Schemas []schema.Descriptor
	// Retired restores the record in the retired state.
	Retired bool
}
