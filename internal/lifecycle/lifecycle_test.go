package lifecycle

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

func newLifecycleDB(t *testing.T) (context.Context, *sql.DB, *sql.Conn, *tableinfo.Cache, *engine.State) {
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
	if _, err := db.ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (1, 'bolt', 10), (2, 'nut', 3)`); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	state := engine.New([]byte("site-a"))
	conn, err := sqlitefn.Bind(ctx, db, state)
	if err != nil {
		t.Fatalf("sqlitefn.Bind: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return ctx, db, conn, tableinfo.New(conn), state
}

func TestAsCRRBackfillsExistingRows(t *testing.T) {
	ctx, _, conn, cache, state := newLifecycleDB(t)

	if err := AsCRR(ctx, conn, cache, state, "widgets"); err != nil {
		t.Fatalf("AsCRR: %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM "widgets__crsql_clock"`).Scan(&n); err != nil {
		t.Fatalf("count clock rows: %v", err)
	}
	if n != 4 { // 2 rows x 2 non-pk columns
		t.Fatalf("expected 4 backfilled clock rows, got %d", n)
	}

	info, err := cache.Get(ctx, "widgets")
	if err != nil {
		t.Fatalf("cache.Get: %v", err)
	}
	if err := tableinfo.Compatible(ctx, conn, info.Table); err != nil {
		t.Fatalf("table should remain compatible after promotion: %v", err)
	}
}

func TestBeginCommitAlterCompactsStaleColumns(t *testing.T) {
	ctx, _, conn, cache, state := newLifecycleDB(t)
	if err := AsCRR(ctx, conn, cache, state, "widgets"); err != nil {
		t.Fatalf("AsCRR: %v", err)
	}
	info, err := cache.Get(ctx, "widgets")
	if err != nil {
		t.Fatalf("cache.Get: %v", err)
	}

	if err := BeginAlter(ctx, conn, info); err != nil {
		t.Fatalf("BeginAlter: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `ALTER TABLE widgets DROP COLUMN qty`); err != nil {
		t.Fatalf("alter table: %v", err)
	}
	cache.Invalidate()
	freshInfo, err := cache.Get(ctx, "widgets")
	if err != nil {
		t.Fatalf("cache.Get (post-alter): %v", err)
	}

	plan, err := CompactionPlan(ctx, conn, freshInfo)
	if err != nil {
		t.Fatalf("CompactionPlan: %v", err)
	}
	if plan.StaleColumnRows != 2 { // one 'qty' record per row
		t.Fatalf("expected 2 stale rows in the dry-run plan, got %d", plan.StaleColumnRows)
	}

	removed, err := CommitAlter(ctx, conn, freshInfo)
	if err != nil {
		t.Fatalf("CommitAlter: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 stale clock rows removed, got %d", removed)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM "widgets__crsql_clock" WHERE __crsql_col_name = 'qty'`).Scan(&n); err != nil {
		t.Fatalf("count qty rows: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no remaining 'qty' clock rows after compaction, got %d", n)
	}

	// Triggers must be live again after commit_alter.
	if _, err := conn.ExecContext(ctx, `UPDATE widgets SET name = 'renamed' WHERE id = 1`); err != nil {
		t.Fatalf("update after commit_alter: %v", err)
	}
	var colVersion int64
	if err := conn.QueryRowContext(ctx, `SELECT __crsql_col_version FROM "widgets__crsql_clock" WHERE id = 1 AND __crsql_col_name = 'name'`).Scan(&colVersion); err != nil {
		t.Fatalf("scan col_version: %v", err)
	}
	if colVersion != 2 {
		t.Fatalf("expected col_version 2 after a post-commit_alter update, got %d", colVersion)
	}
}
