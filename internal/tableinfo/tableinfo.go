// Package tableinfo is the Table Info Cache (component A): it introspects
// user tables through the host engine's PRAGMA interface, splits columns
// into primary-key and non-primary-key groups, and caches the result per
// schema-version watermark so repeated lookups don't re-query the engine.
package tableinfo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
)

// Column describes one column of a user table.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	HasDflt bool
	PKIndex int // 1-based position within the primary key, 0 if not part of it
}

// Info is the cached description of one user table.
type Info struct {
	Table      string
	PKCols     []Column // in primary-key declaration order
	NonPKCols  []Column
	SchemaVers int64
}

// AllCols returns PKCols followed by NonPKCols. This is grouping order,
// not the table's declaration order: a primary-key column declared after
// a non-PK column still comes first here.
func (i *Info) AllCols() []Column {
	out := make([]Column, 0, len(i.PKCols)+len(i.NonPKCols))
	out = append(out, i.PKCols...)
	out = append(out, i.NonPKCols...)
	return out
}

// Cache holds one *Info per table, invalidated in bulk whenever the host
// engine's schema_version changes.
type Cache struct {
	db dbx.Conn

	mu         sync.Mutex
	schemaVers int64
	loaded     bool
	tables     map[string]*Info
}

// New builds a Cache bound to db. The cache is empty until first use. db
// must be the single connection all of this database's CRR operations
// run through (see internal/dbx), since :memory: databases and the
// scalar-function bindings in internal/sqlitefn both require one pinned
// connection rather than a pool.
func New(db dbx.Conn) *Cache {
	return &Cache{db: db, tables: make(map[string]*Info)}
}

// Invalidate forces the next Get to rebuild, regardless of whether the
// engine's schema_version actually changed. Used by internal/schemawatch
// when an external process modifies the schema out of band.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.tables = make(map[string]*Info)
}

// Get returns the cached Info for table, rebuilding the whole cache first
// if the engine's schema_version watermark has moved since the last build.
func (c *Cache) Get(ctx context.Context, table string) (*Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vers, err := c.currentSchemaVersion(ctx)
	if err != nil {
		return nil, errs.New(errs.KindSchema, "tableinfo.Get", table, err)
	}
	if !c.loaded || vers != c.schemaVers {
		if err := c.rebuildLocked(ctx); err != nil {
			return nil, err
		}
		c.schemaVers = vers
		c.loaded = true
	}

	info, ok := c.tables[table]
	if !ok {
		return nil, errs.New(errs.KindSchema, "tableinfo.Get", table, fmt.Errorf("table %q not found or has no primary key", table))
	}
	return info, nil
}

// AllTables returns the cached Info for every table with a usable primary
// key, rebuilding first under the same schema_version watermark rule as
// Get. Used by internal/changesvtab to enumerate candidate tables without
// the caller naming them in advance.
func (c *Cache) AllTables(ctx context.Context) ([]*Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vers, err := c.currentSchemaVersion(ctx)
	if err != nil {
		return nil, errs.New(errs.KindSchema, "tableinfo.AllTables", "", err)
	}
	if !c.loaded || vers != c.schemaVers {
		if err := c.rebuildLocked(ctx); err != nil {
			return nil, err
		}
		c.schemaVers = vers
		c.loaded = true
	}

	out := make([]*Info, 0, len(c.tables))
	for _, info := range c.tables {
		out = append(out, info)
	}
	return out, nil
}

func (c *Cache) currentSchemaVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := c.db.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// rebuildLocked re-enumerates every user table's columns. Called with mu
// held.
func (c *Cache) rebuildLocked(ctx context.Context) error {
	names, err := c.userTableNames(ctx)
	if err != nil {
		return errs.New(errs.KindSchema, "tableinfo.rebuild", "", err)
	}

	tables := make(map[string]*Info, len(names))
	for _, name := range names {
		info, err := c.loadTable(ctx, name)
		if err != nil {
			// A table without a usable primary key just isn't cached;
			// Compatible() below is what rejects promotion attempts with a
			// descriptive error, so a missing cache entry is enough here.
			continue
		}
		tables[name] = info
	}
	c.tables = tables
	return nil
}

func (c *Cache) userTableNames(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		  AND name NOT LIKE '__crsql_%'
		  AND name NOT LIKE '%__crsql_clock'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *Cache) loadTable(ctx context.Context, table string) (*Info, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	info := &Info{Table: table}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		col := Column{Name: name, Type: ctype, NotNull: notnull != 0, HasDflt: dflt.Valid, PKIndex: pk}
		if pk > 0 {
			info.PKCols = append(info.PKCols, col)
		} else {
			info.NonPKCols = append(info.NonPKCols, col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.PKCols) == 0 {
		return nil, fmt.Errorf("table %q has no primary key", table)
	}
	// PRAGMA table_info reports pk as the 1-based ordinal within the
	// primary key already, but column scan order follows table
	// declaration order, not pk order; sort PKCols by PKIndex so callers
	// see a stable, PK-declaration-ordered slice.
	sortByPKIndex(info.PKCols)
	return info, nil
}

func sortByPKIndex(cols []Column) {
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j].PKIndex < cols[j-1].PKIndex; j-- {
			cols[j], cols[j-1] = cols[j-1], cols[j]
		}
	}
}

// Compatible runs the CRR-compatibility gate of SPEC_FULL.md / spec.md §4.A:
// the table must have an explicit primary key, no NOT NULL columns lacking
// a default, no unique indexes beyond the primary key, and no foreign-key
// declarations.
func Compatible(ctx context.Context, db dbx.Conn, table string) error {
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&exists); err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}
	if exists == 0 {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, fmt.Errorf("table does not exist"))
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}
	hasPK := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
		}
		if pk > 0 {
			hasPK = true
		} else if notnull != 0 && !dflt.Valid {
			rows.Close()
			return errs.New(errs.KindUnsupported, "tableinfo.Compatible", table,
				fmt.Errorf("column %q is NOT NULL without a default", name))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}
	if !hasPK {
		return errs.New(errs.KindUnsupported, "tableinfo.Compatible", table, fmt.Errorf("table has no primary key"))
	}

	idxRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%q)", table))
	if err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}
	for idxRows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			idxRows.Close()
			return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
		}
		if unique != 0 && origin != "pk" {
			idxRows.Close()
			return errs.New(errs.KindUnsupported, "tableinfo.Compatible", table,
				fmt.Errorf("unique index %q beyond the primary key is not supported", name))
		}
	}
	idxRows.Close()
	if err := idxRows.Err(); err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", table))
	if err != nil {
		return errs.New(errs.KindSchema, "tableinfo.Compatible", table, err)
	}
	defer fkRows.Close()
	if fkRows.Next() {
		return errs.New(errs.KindUnsupported, "tableinfo.Compatible", table, fmt.Errorf("table has foreign-key declarations"))
	}
	return fkRows.Err()
}

// CheckEngineVersion fails the compatibility gate early with a clear
// message when the host engine's sqlite_version() is older than
// minVersion (e.g. "3.35.0"), rather than surfacing a cryptic syntax
// error deep inside trigger install the first time it tries the
// UPSERT/RETURNING clauses the generated triggers rely on.
func CheckEngineVersion(ctx context.Context, db dbx.Conn, minVersion string) error {
	var reported string
	if err := db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&reported); err != nil {
		return errs.New(errs.KindSchema, "tableinfo.CheckEngineVersion", "", err)
	}
	have := "v" + strings.TrimPrefix(reported, "v")
	want := "v" + strings.TrimPrefix(minVersion, "v")
	if !semver.IsValid(have) || !semver.IsValid(want) {
		return errs.New(errs.KindSchema, "tableinfo.CheckEngineVersion", "",
			fmt.Errorf("cannot compare sqlite_version() %q against minimum %q", reported, minVersion))
	}
	if semver.Compare(have, want) < 0 {
		return errs.New(errs.KindUnsupported, "tableinfo.CheckEngineVersion", "",
			fmt.Errorf("host engine reports sqlite_version() %s, need >= %s (UPSERT/RETURNING support)", reported, minVersion))
	}
	return nil
}
