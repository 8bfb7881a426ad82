package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/taskreg/tasktype"
)

// ValidatedTask is a payload proven to satisfy one specific schema version
// of one task type. It is immutable: the triple it carries is exactly the
// one that was checked.
type ValidatedTask struct {
	typeID      tasktype.ID
	version     tasktype.Version
	payload     []byte
	fingerprint string
	revision    uint64
	validatedAt time.Time
}

// TypeID returns the task type id the payload was validated against.
func (t *ValidatedTask) TypeID() tasktype.ID { return t.typeID }

// Version returns the schema version the payload was validated against.
func (t *ValidatedTask) Version() tasktype.Version { return t.version }

// Payload returns a copy of the validated payload bytes.
func (t *ValidatedTask) Payload() []byte {
	return bytes.Clone(t.payload)
}

// Fingerprint returns the fingerprint of the schema that was applied.
func (t *ValidatedTask) Fingerprint() string { return t.fingerprint }

// SnapshotRevision returns the revision of the snapshot used.
func (t *ValidatedTask) SnapshotRevision() uint64 { return t.revision }

// ValidatedAt returns when validation succeeded.
func (t *ValidatedTask) ValidatedAt() time.Time { return t.validatedAt }

type validatedTaskJSON struct {
	TypeID           tasktype.ID      `json:"type_id"`
	Version          tasktype.Version `json:"version"`
	Payload          json.RawMessage  `json:"payload"`
	SchemaHash       string           `json:"schema_fingerprint"`
	SnapshotRevision uint64           `json:"snapshot_revision"`
	ValidatedAt      time.Time        `json:"validated_at"`
}

// MarshalJSON encodes the task for transport. The payload is embedded as
// JSON, so insignificant whitespace is not preserved.
func (t *ValidatedTask) MarshalJSON() ([]byte, error) {
	return json.Marshal(validatedTaskJSON{
		TypeID:           t.typeID,
		Version:          t.version,
		Payload:          t.payload,
		SchemaHash:       t.fingerprint,
		SnapshotRevision: t.revision,
		ValidatedAt:      t.validatedAt,
	})
}

// UnmarshalJSON decodes a task produced by MarshalJSON. Decoding does not
// re-validate; consumers that do not trust the producer should call
// Validator.Validate with the decoded triple.
func (t *ValidatedTask) UnmarshalJSON(data []byte) error {
	var raw validatedTaskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.TypeID.IsZero() {
		return errors.New("validated task: missing type_id")
	}
	if raw.Version == 0 {
		return fmt.Errorf("validated task %s: missing version", raw.TypeID)
	}
	*t = ValidatedTask{
		typeID:      raw.TypeID,
		version:     raw.Version,
		payload:     bytes.Clone(raw.Payload),
		fingerprint: raw.SchemaHash,
		revision:    raw.SnapshotRevision,
		validatedAt: raw.ValidatedAt,
	}
	return nil
}
