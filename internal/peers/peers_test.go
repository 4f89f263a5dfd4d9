package peers

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFlushKeepsHighestVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	site := []byte("peer-1")

	tr := New()
	tr.Observe(site, 5)
	tr.Observe(site, 3) // lower, ignored
	if err := tr.Flush(ctx, db, WithTag(1), WithEvent(2)); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	v, ok, err := HighWaterMark(ctx, db, site)
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if !ok || v != 5 {
		t.Fatalf("expected high-water mark 5, got %d (ok=%v)", v, ok)
	}

	// A later flush with a lower version must not regress the stored mark.
	tr2 := New()
	tr2.Observe(site, 2)
	if err := tr2.Flush(ctx, db); err != nil {
		t.Fatalf("Flush (second): %v", err)
	}
	v, ok, err = HighWaterMark(ctx, db, site)
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if !ok || v != 5 {
		t.Fatalf("a lower version must not regress the high-water mark, got %d", v)
	}
}

// TestFlushKeepsSeparateRowsPerTagEvent guards the spec.md §6 composite
// primary key (site_id, tag, event): one site flushed under two different
// (tag, event) pairs must keep both rows rather than the first clobbering
// the second, which a site_id-only primary key would do.
func TestFlushKeepsSeparateRowsPerTagEvent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	site := []byte("peer-3")

	tr := New()
	tr.Observe(site, 10)
	if err := tr.Flush(ctx, db, WithTag(1), WithEvent(1), WithSeq(7)); err != nil {
		t.Fatalf("Flush (tag=1): %v", err)
	}

	tr2 := New()
	tr2.Observe(site, 20)
	if err := tr2.Flush(ctx, db, WithTag(2), WithEvent(2)); err != nil {
		t.Fatalf("Flush (tag=2): %v", err)
	}

	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crsql_tracked_peers WHERE site_id = ?`, site).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 distinct (tag, event) rows for the site, got %d", rows)
	}

	v, ok, err := HighWaterMark(ctx, db, site)
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if !ok || v != 20 {
		t.Fatalf("expected high-water mark 20 across both rows, got %d (ok=%v)", v, ok)
	}
}

func TestObserveIgnoresLocalOrigin(t *testing.T) {
	tr := New()
	tr.Observe(nil, 99)
	if len(tr.seen) != 0 {
		t.Fatal("Observe must ignore nil/local site ids")
	}
}

func TestResetClearsObservations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tr := New()
	tr.Observe([]byte("peer-2"), 1)
	tr.Reset()
	if err := tr.Flush(ctx, db); err != nil {
		t.Fatalf("Flush after reset: %v", err)
	}
	_, ok, err := HighWaterMark(ctx, db, []byte("peer-2"))
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if ok {
		t.Fatal("Reset must discard observations made before a rollback")
	}
}
