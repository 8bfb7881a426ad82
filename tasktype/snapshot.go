package tasktype

import (
	"encoding/json"
	"maps"
	"sort"
	"time"
)

// Snapshot is an immutable point-in-time view of the registry.
// It needs no synchronization to read and may be held indefinitely;
// later mutations publish new snapshots and never touch this one.
// A nil *Snapshot behaves as an empty one.
type Snapshot struct {
	revision uint64
	takenAt  time.Time
	byID     map[ID]*TaskType
	byName   map[string]ID // active task types only
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		byID:   make(map[ID]*TaskType),
		byName: make(map[string]ID),
	}
}

// next copies the index maps for the following revision. Records are
// shared; they are replaced, never modified.
func (s *Snapshot) next(at time.Time) *Snapshot {
	return &Snapshot{
		revision: s.revision + 1,
		takenAt:  at,
		byID:     maps.Clone(s.byID),
		byName:   maps.Clone(s.byName),
	}
}

// Revision increases by one with every committed mutation.
func (s *Snapshot) Revision() uint64 {
	if s == nil {
		return 0
	}
	return s.revision
}

// TakenAt returns when the snapshot was published.
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// LookupByName resolves an active task type name. Retired names do not
// resolve. Matching is case-sensitive; surrounding whitespace is ignored,
// as it is when names are registered.
func (s *Snapshot) LookupByName(name string) (ID, bool) {
	if s == nil {
		return ID{}, false
	}
	id, ok := s.byName[normalizeName(name)]
	return id, ok
}

// LookupByID returns the record for id, retired or not.
func (s *Snapshot) LookupByID(id ID) (TaskType, bool) {
	if s == nil {
		return TaskType{}, false
	}
	rec, ok := s.byID[id]
	if !ok {
		return TaskType{}, false
	}
	return *rec, true
}

// Len returns the number of records, including retired ones.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byID)
}

// Active returns the number of records that are not retired.
func (s *Snapshot) Active() int {
	if s == nil {
		return 0
	}
	return len(s.byName)
}

// List returns every record ordered by name, then id.
func (s *Snapshot) List() []TaskType {
	if s == nil {
		return nil
	}
	out := make([]TaskType, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].id.String() < out[j].id.String()
	})
	return out
}

// MarshalJSON implements json.Marshaler.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Revision  uint64     `json:"revision"`
		TakenAt   time.Time  `json:"taken_at"`
		TaskTypes []TaskType `json:"task_types"`
	}{
		Revision:  s.Revision(),
		TakenAt:   s.TakenAt(),
		TaskTypes: s.List(),
	})
}
