package tasktype

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/schema"
)

// Op names a registry operation.
type Op string

// Registry operations.
const (
	OpRegister         Op = "register"
	OpAddSchemaVersion Op = "add_schema_version"
	OpRename           Op = "rename"
	OpRetire           Op = "retire"
	OpRestore          Op = "restore"
)

// Event describes a committed mutation.
type Event struct {
	Op       Op
	TypeID   ID
	Name     string
	Version  Version
	Revision uint64
	At       time.Time
}

// Observer is notified after every committed mutation, in commit order.
// Observers run while the registry's write lock is held: they must return
// quickly and must not call registry mutators.
type Observer func(Event)

// Registry manages task type records.
// Mutations are serialized by mu; reads go through the atomically
// published Snapshot and never block on writers.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	logger    *slog.Logger
	metrics   *metrics.Metrics
	observers []Observer
	now       func() time.Time
	newID     func() ID
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records mutations and snapshot shape.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithObserver adds a commit observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDSource overrides id allocation.
func WithIDSource(newID func() ID) Option {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// NewRegistry creates an empty registry. Its first snapshot has revision 0.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
		now:    time.Now,
		newID:  NewID,
	}
	for _, opt := range opts {
		opt(r)
	}
	initial := emptySnapshot()
	initial.takenAt = r.now()
	r.current.Store(initial)
	return r
}

// Snapshot returns the latest published snapshot. It never blocks.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// LookupByName resolves an active name against the latest snapshot.
func (r *Registry) LookupByName(name string) (ID, bool) {
	return r.Snapshot().LookupByName(name)
}

// LookupByID returns a record from the latest snapshot.
func (r *Registry) LookupByID(id ID) (TaskType, bool) {
	return r.Snapshot().LookupByID(id)
}

// Register creates a task type with initial as version 1 and returns its
// newly allocated id.
func (r *Registry) Register(name string, initial schema.Descriptor) (ID, error) {
	name = normalizeName(name)
	if name == "" {
		return ID{}, r.fail(opError(OpRegister, ErrInvalidName, ID{}, name))
	}
	if initial.IsZero() {
		return ID{}, r.fail(opError(OpRegister, ErrInvalidSchema, ID{}, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, taken := cur.byName[name]; taken {
		return ID{}, r.fail(opError(OpRegister, ErrDuplicateName, ID{}, name))
	}

	id := r.newID()
	if _, exists := cur.byID[id]; exists || id.IsZero() {
		return ID{}, r.fail(opError(OpRegister, ErrAlreadyExists, id, name))
	}

	now := r.now()
	rec := &TaskType{
		id:        id,
		name:      name,
		versions:  []SchemaVersion{{Number: 1, Schema: initial, AddedAt: now}},
		createdAt: now,
		updatedAt: now,
	}

	next := cur.next(now)
	next.byID[id] = rec
	next.byName[name] = id
	r.publish(next, Event{Op: OpRegister, TypeID: id, Name: name, Version: 1})

	r.logger.Info("Registered task type",
		"id", id.String(),
		"name", name,
		"schema", initial.Short(),
		"revision", next.revision)
	return id, nil
}

// AddSchemaVersion appends a schema version and returns its number, which
// is always one more than the previous maximum. Earlier versions stay
// resolvable forever.
func (r *Registry) AddSchemaVersion(id ID, s schema.Descriptor) (Version, error) {
	if s.IsZero() {
		return 0, r.fail(opError(OpAddSchemaVersion, ErrInvalidSchema, id, ""))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	rec, ok := cur.byID[id]
	if !ok {
		return 0, r.fail(opError(OpAddSchemaVersion, ErrNotFound, id, ""))
	}
	if rec.retired {
		return 0, r.fail(opError(OpAddSchemaVersion, ErrRetired, id, rec.name))
	}

	now := r.now()
	n := len(rec.versions)
	version := Version(n + 1)

	updated := *rec
	updated.versions = append(rec.versions[:n:n], SchemaVersion{Number: version, Schema: s, AddedAt: now})
	updated.updatedAt = now

	next := cur.next(now)
	next.byID[id] = &updated
	r.publish(next, Event{Op: OpAddSchemaVersion, TypeID: id, Name: rec.name, Version: version})

	r.logger.Info("Added task type schema version",
		"id", id.String(),
		"name", rec.name,
		"version", version,
		"schema", s.Short(),
		"revision", next.revision)
	return version, nil
}

// Rename changes the name of an active task type. The id is unchanged.
// Renaming to the current name is a no-op.
func (r *Registry) Rename(id ID, newName string) error {
	newName = normalizeName(newName)
	if newName == "" {
		return r.fail(opError(OpRename, ErrInvalidName, id, newName))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	rec, ok := cur.byID[id]
	if !ok {
		return r.fail(opError(OpRename, ErrNotFound, id, newName))
	}
	if rec.retired {
		return r.fail(opError(OpRename, ErrRetired, id, rec.name))
	}
	if rec.name == newName {
		return nil
	}
	if _, taken := cur.byName[newName]; taken {
		return r.fail(opError(OpRename, ErrDuplicateName, id, newName))
	}

	now := r.now()
	oldName := rec.name
	updated := *rec
	updated.name = newName
	updated.updatedAt = now

	next := cur.next(now)
	next.byID[id] = &updated
	delete(next.byName, oldName)
	next.byName[newName] = id
	r.publish(next, Event{Op: OpRename, TypeID: id, Name: newName, Version: updated.LatestVersion()})

	r.logger.Info("Renamed task type",
		"id", id.String(),
		"from", oldName,
		"to", newName,
		"revision", next.revision)
	return nil
}

// Retire marks a task type retired. The record stays in every later
// snapshot so tasks created against it remain inspectable, but its name
// becomes available and further mutations fail with ErrRetired.
func (r *Registry) Retire(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	rec, ok := cur.byID[id]
	if !ok {
		return r.fail(opError(OpRetire, ErrNotFound, id, ""))
	}
	if rec.retired {
		return r.fail(opError(OpRetire, ErrRetired, id, rec.name))
	}

	now := r.now()
	updated := *rec
	updated.retired = true
	updated.retiredAt = now
	updated.updatedAt = now

	next := cur.next(now)
	next.byID[id] = &updated
	if next.byName[rec.name] == id {
		delete(next.byName, rec.name)
	}
	r.publish(next, Event{Op: OpRetire, TypeID: id, Name: rec.name, Version: updated.LatestVersion()})

	r.logger.Info("Retired task type",
		"id", id.String(),
		"name", rec.name,
		"revision", next.revision)
	return nil
}

// Restore inserts a task type with a known id and complete schema history,
// as loaded from a catalog. It returns the id used.
func (r *Registry) Restore(def Definition) (ID, error) {
	name := normalizeName(def.Name)
	if name == "" {
		return ID{}, r.fail(opError(OpRestore, ErrInvalidName, def.ID, name))
	}
	if len(def.Schemas) == 0 {
		return ID{}, r.fail(opError(OpRestore, ErrInvalidSchema, def.ID, name))
	}
	for _, s := range def.Schemas {
		if s.IsZero() {
			return ID{}, r.fail(opError(OpRestore, ErrInvalidSchema, def.ID, name))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	id := def.ID
	if id.IsZero() {
		id = r.newID()
	}
	if _, exists := cur.byID[id]; exists {
		return ID{}, r.fail(opError(OpRestore, ErrAlreadyExists, id, name))
	}
	if _, taken := cur.byName[name]; taken && !def.Retired {
		return ID{}, r.fail(opError(OpRestore, ErrDuplicateName, id, name))
	}

	now := r.now()
	versions := make([]SchemaVersion, len(def.Schemas))
	for i, s := range def.Schemas {
		versions[i] = SchemaVersion{Number: Version(i + 1), Schema: s, AddedAt: now}
	}
	rec := &TaskType{
		id:        id,
		name:      name,
		versions:  versions,
		retired:   def.Retired,
		createdAt: now,
		updatedAt: now,
	}
	if def.Retired {
		rec.retiredAt = now
	}

	next := cur.next(now)
	next.byID[id] = rec
	if !def.Retired {
		next.byName[name] = id
	}
	r.publish(next, Event{Op: OpRestore, TypeID: id, Name: name, Version: rec.LatestVersion()})

	r.logger.Info("Restored task type",
		"id", id.String(),
		"name", name,
		"versions", len(versions),
		"retired", def.Retired,
		"revision", next.revision)
	return id, nil
}

// publish makes next visible to readers. Callers hold mu.
func (r *Registry) publish(next *Snapshot, ev Event) {
	r.current.Store(next)

	ev.Revision = next.revision
	ev.At = next.takenAt
	r.metrics.ObserveMutation(string(ev.Op), resultLabel(nil))
	r.metrics.ObserveSnapshot(next.revision, next.Active(), next.Len()-next.Active())

	for _, o := range r.observers {
		o(ev)
	}
}

// fail records a rejected mutation and returns err unchanged.
func (r *Registry) fail(err error) error {
	if e, ok := err.(*Error); ok {
		r.metrics.ObserveMutation(string(e.Op), resultLabel(err))
		r.logger.Debug("Rejected task type mutation",
			"op", e.Op,
			"id", e.ID.String(),
			"name", e.Name,
			"error", e.Kind)
	}
	return err
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
