// Package changesvtab registers crsql_changes as a genuine SQLite virtual
// table (components G and H's actual external interface, spec.md
// §1/§4.G/§6): an eponymous-only module, backed by internal/changes'
// already-correct read path, so "SELECT ... FROM crsql_changes" works
// from any SQL client the way spec.md §8's scenarios exercise it, not
// just through the Go API internal/changes and cmd/crsqlctl expose.
//
// The write side (component H, MergeOne's seven-step merge algorithm)
// stays a Go API invoked from crsql.PushChanges rather than an xUpdate
// method: §4.H's merge needs a transaction, the Table Info Cache, the
// Peer Tracker, and the Extension State's sync bit all in scope at once,
// none of which a bare xUpdate(argc, argv) callback carries, and nothing
// in spec.md §8 exercises writing through the vtab rather than through
// push_changes. The read side is what S6 actually calls for.
package changesvtab

import (
	"context"
	"fmt"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/vtab"

	"github.com/crsql-go/crsql/internal/changes"
	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/tableinfo"
	"github.com/crsql-go/crsql/internal/value"
)

// Name is the virtual table name spec.md §6 fixes: crsql_changes.
const Name = "crsql_changes"

// schemaSQL is spec.md §6's Change Record column list in DeclareVTab
// form: (table, pk, cid, val, col_version, db_version, site_id, cl, seq).
const schemaSQL = `CREATE TABLE x(
	"table" TEXT NOT NULL,
	pk BLOB NOT NULL,
	cid TEXT NOT NULL,
	val,
	col_version INTEGER NOT NULL,
	db_version INTEGER NOT NULL,
	site_id BLOB,
	cl INTEGER NOT NULL,
	seq INTEGER NOT NULL
)`

// Register installs crsql_changes as an eponymous-only virtual table on
// conn: every query against the name, with no CREATE VIRTUAL TABLE
// statement required, scans cache's CRR-promoted tables through db.
func Register(conn *sqlite3.Conn, db dbx.Conn, cache *tableinfo.Cache) error {
	return vtab.Register(conn, Name, &module{db: db, cache: cache})
}

type module struct {
	db    dbx.Conn
	cache *tableinfo.Cache
}

func (m *module) Connect(c *sqlite3.Conn, arg ...string) (vtab.Table, error) {
	if err := c.DeclareVTab(schemaSQL); err != nil {
		return nil, errs.New(errs.KindIOFatal, "changesvtab.Connect", Name, err)
	}
	return &table{db: m.db, cache: m.cache}, nil
}

type table struct {
	db    dbx.Conn
	cache *tableinfo.Cache
}

// BestIndex never claims a constraint: crsql_changes is small enough
// (it covers a change feed, not primary user data) that a full scan per
// query is cheap, and leaving every constraint unclaimed lets SQLite's
// own VDBE apply the WHERE clause on top of Filter's result — including
// scenario S6's "site_id IS NULL" / "site_id IS NOT NULL" — without this
// module needing to know the exact constraint-operator encoding.
func (t *table) BestIndex(idx *sqlite3.IndexInfo) error {
	idx.EstimatedCost = 1e6
	idx.EstimatedRows = 1000
	return nil
}

func (t *table) Open() (vtab.Cursor, error) {
	return &cursor{table: t}, nil
}

func (t *table) Disconnect() error { return nil }
func (t *table) Destroy() error    { return nil }

type cursor struct {
	table *table
	rows  []changes.Record
	pos   int
}

// Filter reloads every CRR-promoted table's Change Records, ordered by
// (db_version, seq) per spec.md §4.G's ordering contract, on every
// query. No constraint is ever pushed down (see BestIndex), so idxNum,
// idxStr and arg are always empty.
func (c *cursor) Filter(idxNum int, idxStr string, arg ...sqlite3.Value) error {
	ctx := context.Background()

	all, err := c.table.cache.AllTables(ctx)
	if err != nil {
		return err
	}
	tables := make(map[string]*tableinfo.Info, len(all))
	for _, info := range all {
		promoted, err := isPromoted(ctx, c.table.db, info.Table)
		if err != nil {
			return err
		}
		if promoted {
			tables[info.Table] = info
		}
	}

	recs, err := changes.ReadChanges(ctx, c.table.db, tables, 0, nil)
	if err != nil {
		return err
	}
	c.rows = recs
	c.pos = 0
	return nil
}

func (c *cursor) Next() error {
	c.pos++
	return nil
}

func (c *cursor) EOF() bool {
	return c.pos >= len(c.rows)
}

func (c *cursor) Column(res sqlite3.Context, col int) error {
	rec := c.rows[c.pos]
	switch col {
	case 0:
		res.ResultText(rec.Table)
	case 1:
		res.ResultBlob(rec.PK)
	case 2:
		res.ResultText(rec.Cid)
	case 3:
		resultValue(res, rec.Val)
	case 4:
		res.ResultInt64(rec.ColVersion)
	case 5:
		res.ResultInt64(rec.DBVersion)
	case 6:
		if rec.SiteID == nil {
			res.ResultNull()
		} else {
			res.ResultBlob(rec.SiteID)
		}
	case 7:
		res.ResultInt64(rec.CL)
	case 8:
		res.ResultInt64(rec.Seq)
	default:
		return errs.New(errs.KindInvariant, "changesvtab.Column", Name, fmt.Errorf("column index %d out of range", col))
	}
	return nil
}

func (c *cursor) RowID() (int64, error) {
	return int64(c.pos), nil
}

func (c *cursor) Close() error { return nil }

// resultValue reports rec.Val's dynamic variant, matching spec.md §6's
// "val ANY" column: whatever storage class the underlying column held.
func resultValue(res sqlite3.Context, v value.Value) {
	switch v.Kind {
	case value.KindNull:
		res.ResultNull()
	case value.KindInt:
		res.ResultInt64(v.Int)
	case value.KindFloat:
		res.ResultFloat(v.Float)
	case value.KindText:
		res.ResultText(v.Text)
	case value.KindBlob:
		res.ResultBlob(v.Blob)
	}
}

// isPromoted reports whether userTable has been promoted to a CRR (its
// clock shadow table exists). internal/tableinfo can't make this check
// itself: internal/clock already imports internal/tableinfo, so the
// reverse import would cycle.
func isPromoted(ctx context.Context, db dbx.Conn, userTable string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		clock.TableName(userTable),
	).Scan(&n)
	if err != nil {
		return false, errs.New(errs.KindIORetry, "changesvtab.isPromoted", userTable, err)
	}
	return n > 0, nil
}
