package catalog

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
)

// ErrConflict is returned by Sync when some entries could not be applied.
var ErrConflict = errors.New("catalog conflicts with registry")

// Conflict describes an entry Sync refused to apply.
type Conflict struct {
	Name   string
	ID     tasktype.ID
	Source string
	Reason string
}

func (c Conflict) String() string {
	if c.ID.IsZero() {
		return fmt.Sprintf("%s: %q: %s", c.Source, c.Name, c.Reason)
	}
	return fmt.Sprintf("%s: %q (%s): %s", c.Source, c.Name, c.ID, c.Reason)
}

// SyncReport summarizes the mutations applied by Sync.
type SyncReport struct {
	Registered    int
	Restored      int
	Renamed       int
	VersionsAdded int
	Retired       int
	Unchanged     int
	Conflicts     []Conflict
}

// Changed reports whether Sync mutated the registry.
func (r SyncReport) Changed() bool {
	return r.Registered+r.Restored+r.Renamed+r.VersionsAdded+r.Retired > 0
}

// Sync brings reg in line with cat using only registry operations, so all
// registry invariants hold throughout. Schema history is append-only:
// entries that rewrite or drop published versions, or try to reactivate a
// retired type, are reported as conflicts and left untouched. Task types
// present in the registry but absent from the catalog are not modified.
//
// The returned error wraps ErrConflict when the report has conflicts.
func Sync(reg *tasktype.Registry, cat *Catalog, logger *slog.Logger) (SyncReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var report SyncReport
	if cat == nil {
		return report, nil
	}

	s := &syncer{reg: reg, logger: logger, report: &report}
	for _, e := range cat.Entries {
		s.apply(e)
	}

	logger.Info("Synced task type catalog",
		"files", len(cat.Files),
		"entries", len(cat.Entries),
		"registered", report.Registered,
		"restored", report.Restored,
		"renamed", report.Renamed,
		"versions_added", report.VersionsAdded,
		"retired", report.Retired,
		"conflicts", len(report.Conflicts),
		"revision", reg.Snapshot().Revision())

	if len(report.Conflicts) > 0 {
		return report, fmt.Errorf("%w: %d entries", ErrConflict, len(report.Conflicts))
	}
	return report, nil
}

type syncer struct {
	reg    *tasktype.Registry
	logger *slog.Logger
	report *SyncReport
}

func (s *syncer) conflict(e Entry, id tasktype.ID, reason string) {
	c := Conflict{Name: e.Name, ID: id, Source: e.Source, Reason: reason}
	s.report.Conflicts = append(s.report.Conflicts, c)
	s.logger.Warn("Catalog entry conflicts with registry",
		"source", e.Source,
		"name", e.Name,
		"id", id.String(),
		"reason", reason)
}

func (s *syncer) apply(e Entry) {
	snap := s.reg.Snapshot()

	if !e.ID.IsZero() {
		rec, ok := snap.LookupByID(e.ID)
		if !ok {
			s.restore(e)
			return
		}
		s.reconcile(e, rec)
		return
	}

	if id, ok := snap.LookupByName(e.Name); ok {
		rec, _ := snap.LookupByID(id)
		s.reconcile(e, rec)
		return
	}
	if e.Retired {
		// Nothing can reference a retired type that never had an id.
		s.report.Unchanged++
		return
	}
	s.register(e)
}

func (s *syncer) restore(e Entry) {
	_, err := s.reg.Restore(tasktype.Definition{
		ID:      e.ID,
		Name:    e.Name,
		Schemas: e.Schemas(),
		Retired: e.Retired,
	})
	if err != nil {
		s.conflict(e, e.ID, err.Error())
		return
	}
	s.report.Restored++
}

func (s *syncer) register(e Entry) {
	schemas := e.Schemas()
	id, err := s.reg.Register(e.Name, schemas[0])
	if err != nil {
		s.conflict(e, tasktype.ID{}, err.Error())
		return
	}
	s.report.Registered++
	s.appendVersions(e, id, schemas[1:])
}

func (s *syncer) reconcile(e Entry, rec tasktype.TaskType) {
	id := rec.ID()
	published := rec.Versions()
	declared := e.Schemas()

	for i := 0; i < len(published) && i < len(declared); i++ {
		if !published[i].Schema.Equal(declared[i]) {
			s.conflict(e, id, fmt.Sprintf("version %d differs from the registered schema; versions are append-only", i+1))
			return
		}
	}
	if len(declared) < len(published) {
		s.conflict(e, id, fmt.Sprintf("declares %d versions but %d are registered", len(declared), len(published)))
		return
	}

	if rec.Retired() {
		if !e.Retired {
			s.conflict(e, id, "task type is retired and cannot be reactivated")
			return
		}
		if len(declared) > len(published) {
			s.conflict(e, id, "cannot add versions to a retired task type")
			return
		}
		s.report.Unchanged++
		return
	}

	changed := false
	if rec.Name() != e.Name {
		if err := s.reg.Rename(id, e.Name); err != nil {
			s.conflict(e, id, err.Error())
			return
		}
		s.report.Renamed++
		changed = true
	}

	if len(declared) > len(published) {
		if !s.appendVersions(e, id, declared[len(published):]) {
			return
		}
		changed = true
	}

	if e.Retired {
		if err := s.reg.Retire(id); err != nil {
			s.conflict(e, id, err.Error())
			return
		}
		s.report.Retired++
		changed = true
	}

	if !changed {
		s.report.Unchanged++
	}
}

func (s *syncer) appendVersions(e Entry, id tasktype.ID, pending []schema.Descriptor) bool {
	for _, d := range pending {
		if _, err := s.reg.AddSchemaVersion(id, d); err != nil {
			s.conflict(e, id, err.Error())
			return false
		}
		s.report.VersionsAdded++
	}
	return true
}
