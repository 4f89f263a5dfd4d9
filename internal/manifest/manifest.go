// Package manifest reads and writes crsql.manifest.toml, a project-level
// list of tables to promote to CRRs (with an optional tracked-column list
// per table) and a schema_version number. It's a supplemented feature
// (SPEC_FULL.md) layered on top of the in-database state so promotion can
// be driven declaratively from a checked-in file (`crsqlctl
// apply-manifest`) rather than ad hoc as_crr() calls.
package manifest

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/crsql-go/crsql/internal/errs"
)

// Table describes one table's promotion entry in the manifest.
type Table struct {
	Name        string   `toml:"name"`
	TrackedCols []string `toml:"tracked_columns,omitempty"`
}

// Manifest is the top-level crsql.manifest.toml document.
type Manifest struct {
	SchemaVersion int64   `toml:"schema_version"`
	Tables        []Table `toml:"tables"`
}

// Load parses a manifest file at path. A missing file returns an empty
// Manifest, not an error, so a fresh project can call as_crr without
// first hand-authoring a manifest.
func Load(path string) (*Manifest, error) {
	var m Manifest
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &m, nil
	}
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, errs.New(errs.KindMalformed, "manifest.Load", "", err)
	}
	return &m, nil
}

// Save writes m to path, creating or truncating it.
func Save(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New(errs.KindIOFatal, "manifest.Save", "", err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(m); err != nil {
		return errs.New(errs.KindIOFatal, "manifest.Save", "", err)
	}
	return nil
}

// HasTable reports whether table is already recorded as promoted.
func (m *Manifest) HasTable(table string) bool {
	for _, t := range m.Tables {
		if t.Name == table {
			return true
		}
	}
	return false
}

// AddTable records table as promoted, if it isn't already.
func (m *Manifest) AddTable(table string, trackedCols []string) {
	if m.HasTable(table) {
		return
	}
	m.Tables = append(m.Tables, Table{Name: table, TrackedCols: trackedCols})
}
