// Package catalog loads task type definitions from YAML files and
// reconciles a registry with them.
//
// A catalog file looks like:
//
//	task_types:
//	  - id: 4c7f9a4e-0f7c-4b5e-9d7e-6f1f6a0f2b11
//	    name: resize-image
//	    versions:
//	      - schema:
//	          type: object
//	          required: [url]
//	          properties:
//	            url: {type: string}
//
// Entries without an id are matched by name. Versions are listed oldest
// first and may only be appended to.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskreg/schema"
	"github.com/c360studio/taskreg/tasktype"
)

// ErrInvalidCatalog is returned when catalog files are malformed or
// contradict each other.
var ErrInvalidCatalog = errors.New("invalid catalog")

// File is the on-disk layout of one catalog file.
type File struct {
	TaskTypes []Entry `yaml:"task_types"`
}

// Entry declares one task type.
type Entry struct {
	ID       tasktype.ID    `yaml:"id,omitempty"`
	Name     string         `yaml:"name"`
	Retired  bool           `yaml:"retired,omitempty"`
	Versions []VersionEntry `yaml:"versions"`

	// Source is the file the entry was read from.
	Source string `yaml:"-"`
}

// VersionEntry declares one schema version.
type VersionEntry struct {
	Schema schema.Descriptor `yaml:"schema"`
}

// Schemas returns the declared descriptors in version order.
func (e Entry) Schemas() []schema.Descriptor {
	out := make([]schema.Descriptor, len(e.Versions))
	for i, v := range e.Versions {
		out[i] = v.Schema
	}
	return out
}

// Catalog is the merged content of every matched catalog file.
type Catalog struct {
	Entries []Entry
	Files   []string

	digest string
}

// Digest identifies the raw content the catalog was loaded from.
func (c *Catalog) Digest() string {
	return c.digest
}

// Load reads every catalog file matching pattern. The pattern may be a
// file, a directory (all *.yaml and *.yml files below it), or a doublestar
// glob such as "catalog/**/*.yaml".
func Load(pattern string) (*Catalog, error) {
	_, glob, err := splitPattern(pattern)
	if err != nil {
		return nil, err
	}

	files, err := doublestar.FilepathGlob(glob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(files)

	cat := &Catalog{Files: files}
	h := sha256.New()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		h.Write([]byte(path))
		h.Write(data)

		entries, err := Parse(data, path)
		if err != nil {
			return nil, err
		}
		cat.Entries = append(cat.Entries, entries...)
	}
	cat.digest = hex.EncodeToString(h.Sum(nil))

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Parse decodes one catalog document. source is recorded on each entry and
// used in error messages.
func Parse(data []byte, source string) ([]Entry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, source, err)
	}
	for i := range f.TaskTypes {
		e := &f.TaskTypes[i]
		e.Name = strings.TrimSpace(e.Name)
		e.Source = source
		if e.Name == "" {
			return nil, fmt.Errorf("%w: %s: entry %d has no name", ErrInvalidCatalog, source, i)
		}
		if len(e.Versions) == 0 {
			return nil, fmt.Errorf("%w: %s: %q has no versions", ErrInvalidCatalog, source, e.Name)
		}
		for j, v := range e.Versions {
			if v.Schema.IsZero() {
				return nil, fmt.Errorf("%w: %s: %q version %d has no schema", ErrInvalidCatalog, source, e.Name, j+1)
			}
		}
	}
	return f.TaskTypes, nil
}

// Validate checks constraints that span files: ids are unique and no two
// active entries share a name.
func (c *Catalog) Validate() error {
	ids := make(map[tasktype.ID]string)
	names := make(map[string]string)
	for _, e := range c.Entries {
		if !e.ID.IsZero() {
			if prev, ok := ids[e.ID]; ok {
				return fmt.Errorf("%w: id %s declared in %s and %s", ErrInvalidCatalog, e.ID, prev, e.Source)
			}
			ids[e.ID] = e.Source
		}
		if e.Retired {
			continue
		}
		if prev, ok := names[e.Name]; ok {
			return fmt.Errorf("%w: name %q declared in %s and %s", ErrInvalidCatalog, e.Name, prev, e.Source)
		}
		names[e.Name] = e.Source
	}
	return nil
}

// Dump renders snap as a catalog document that Load accepts.
func Dump(snap *tasktype.Snapshot) ([]byte, error) {
	var f File
	for _, rec := range snap.List() {
		e := Entry{ID: rec.ID(), Name: rec.Name(), Retired: rec.Retired()}
		for _, v := range rec.Versions() {
			e.Versions = append(e.Versions, VersionEntry{Schema: v.Schema})
		}
		f.TaskTypes = append(f.TaskTypes, e)
	}
	if f.TaskTypes == nil {
		f.TaskTypes = []Entry{}
	}
	return yaml.Marshal(f)
}

// splitPattern returns the directory to watch and the glob to match.
func splitPattern(pattern string) (base, glob string, err error) {
	if pattern == "" {
		return "", "", fmt.Errorf("%w: empty catalog path", ErrInvalidCatalog)
	}

	if !containsGlob(pattern) {
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return "", "", err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", "", fmt.Errorf("catalog path: %w", err)
		}
		if info.IsDir() {
			return abs, filepath.Join(abs, "**", "*.{yaml,yml}"), nil
		}
		return filepath.Dir(abs), abs, nil
	}

	abs := pattern
	if !filepath.IsAbs(pattern) {
		wd, err := os.Getwd()
		if err != nil {
			return "", "", err
		}
		abs = filepath.Join(wd, pattern)
	}
	if !doublestar.ValidatePathPattern(abs) {
		return "", "", fmt.Errorf("%w: bad pattern %q", ErrInvalidCatalog, pattern)
	}
	base, _ = doublestar.SplitPattern(filepath.ToSlash(abs))
	return filepath.FromSlash(base), abs, nil
}

func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
