package trigger

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/engine"
	"github.com/crsql-go/crsql/internal/sqlitefn"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

func setup(t *testing.T) (context.Context, *sql.Conn, *tableinfo.Info) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	info := &tableinfo.Info{
		Table: "widgets",
		PKCols: []tableinfo.Column{
			{Name: "id", Type: "INTEGER", PKIndex: 1},
		},
		NonPKCols: []tableinfo.Column{
			{Name: "name", Type: "TEXT"},
			{Name: "qty", Type: "INTEGER"},
		},
	}
	if err := clock.EnsureTable(ctx, db, info); err != nil {
		t.Fatalf("clock.EnsureTable: %v", err)
	}

	state := engine.New([]byte("site-a"))
	conn, err := sqlitefn.Bind(ctx, db, state)
	if err != nil {
		t.Fatalf("sqlitefn.Bind: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := Install(ctx, conn, info); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return ctx, conn, info
}

func TestInsertTriggerStampsEveryColumn(t *testing.T) {
	ctx, conn, info := setup(t)
	if _, err := conn.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (1, 'bolt', 10)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var n int
	row := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM "widgets__crsql_clock" WHERE id = 1`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count clock rows: %v", err)
	}
	if n != len(info.NonPKCols) {
		t.Fatalf("expected %d clock rows after insert, got %d", len(info.NonPKCols), n)
	}

	var colVersion int64
	row = conn.QueryRowContext(ctx, `SELECT __crsql_col_version FROM "widgets__crsql_clock" WHERE id = 1 AND __crsql_col_name = 'name'`)
	if err := row.Scan(&colVersion); err != nil {
		t.Fatalf("scan col_version: %v", err)
	}
	if colVersion != 1 {
		t.Fatalf("expected col_version 1 after insert, got %d", colVersion)
	}
}

func TestUpdateTriggerFiresOnlyOnChange(t *testing.T) {
	ctx, conn, _ := setup(t)
	if _, err := conn.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (2, 'nut', 5)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE widgets SET qty = 6 WHERE id = 2`); err != nil {
		t.Fatalf("update qty: %v", err)
	}

	var qtyVersion, nameVersion int64
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_col_version FROM "widgets__crsql_clock" WHERE id = 2 AND __crsql_col_name = 'qty'`).Scan(&qtyVersion); err != nil {
		t.Fatalf("scan qty version: %v", err)
	}
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_col_version FROM "widgets__crsql_clock" WHERE id = 2 AND __crsql_col_name = 'name'`).Scan(&nameVersion); err != nil {
		t.Fatalf("scan name version: %v", err)
	}
	if qtyVersion != 2 {
		t.Fatalf("expected qty col_version 2 after a real change, got %d", qtyVersion)
	}
	if nameVersion != 1 {
		t.Fatalf("name was not touched, col_version should stay 1, got %d", nameVersion)
	}

	// Writing the same value again must not bump col_version.
	if _, err := conn.ExecContext(ctx, `UPDATE widgets SET qty = 6 WHERE id = 2`); err != nil {
		t.Fatalf("update qty (no-op): %v", err)
	}
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_col_version FROM "widgets__crsql_clock" WHERE id = 2 AND __crsql_col_name = 'qty'`).Scan(&qtyVersion); err != nil {
		t.Fatalf("scan qty version: %v", err)
	}
	if qtyVersion != 2 {
		t.Fatalf("writing the same value must not advance col_version, got %d", qtyVersion)
	}
}

func TestDeleteTriggerLeavesOnlySentinel(t *testing.T) {
	ctx, conn, _ := setup(t)
	if _, err := conn.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (3, 'washer', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM widgets WHERE id = 3`); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var colName string
	rows, err := conn.QueryContext(ctx, `SELECT __crsql_col_name FROM "widgets__crsql_clock" WHERE id = 3`)
	if err != nil {
		t.Fatalf("query clock rows: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		if err := rows.Scan(&colName); err != nil {
			t.Fatalf("scan: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one clock row after delete, got %d", count)
	}
	if colName != clock.DeleteSentinel {
		t.Fatalf("expected the remaining row to be the delete sentinel, got %q", colName)
	}
}

func TestDeleteThenRecreateIncreasesCausalLength(t *testing.T) {
	ctx, conn, _ := setup(t)
	if _, err := conn.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (4, 'rivet', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM widgets WHERE id = 4`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var clAfterDelete int64
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_cl FROM "widgets__crsql_clock" WHERE id = 4`).Scan(&clAfterDelete); err != nil {
		t.Fatalf("scan cl after delete: %v", err)
	}
	if clAfterDelete != 2 {
		t.Fatalf("expected cl 2 after first delete, got %d", clAfterDelete)
	}

	if _, err := conn.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (4, 'rivet', 2)`); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	var clAfterRecreate int64
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_cl FROM "widgets__crsql_clock" WHERE id = 4 AND __crsql_col_name = 'name'`).Scan(&clAfterRecreate); err != nil {
		t.Fatalf("scan cl after recreate: %v", err)
	}
	if clAfterRecreate != 2 {
		t.Fatalf("expected the resurrected row's columns to carry forward cl 2, got %d", clAfterRecreate)
	}
}

func setupPKOnly(t *testing.T) (context.Context, *sql.Conn, *tableinfo.Info) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE tags (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	info := &tableinfo.Info{
		Table:  "tags",
		PKCols: []tableinfo.Column{{Name: "id", Type: "INTEGER", PKIndex: 1}},
	}
	if err := clock.EnsureTable(ctx, db, info); err != nil {
		t.Fatalf("clock.EnsureTable: %v", err)
	}

	state := engine.New([]byte("site-a"))
	conn, err := sqlitefn.Bind(ctx, db, state)
	if err != nil {
		t.Fatalf("sqlitefn.Bind: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := Install(ctx, conn, info); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return ctx, conn, info
}

// TestPKOnlyInsertStartsAtCausalLengthOne guards against a regression of
// a stray "+ 1" that once made a PK-only table's very first insert stamp
// cl=2 instead of cl=1, disagreeing with the per-column insert path.
func TestPKOnlyInsertStartsAtCausalLengthOne(t *testing.T) {
	ctx, conn, _ := setupPKOnly(t)
	if _, err := conn.ExecContext(ctx, `INSERT INTO tags (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var cl int64
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_cl FROM "tags__crsql_clock" WHERE id = 1`).Scan(&cl); err != nil {
		t.Fatalf("scan cl: %v", err)
	}
	if cl != 1 {
		t.Fatalf("expected cl 1 on a PK-only table's first insert, got %d", cl)
	}
}
