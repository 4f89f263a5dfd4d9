package crsql

import (
	"context"
	"testing"

	"github.com/crsql-go/crsql/internal/peers"
)

func openEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), "file::memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEndToEndPullPush(t *testing.T) {
	ctx := context.Background()
	a := openEngine(t)
	b := openEngine(t)

	if _, err := a.Conn().ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)`); err != nil {
		t.Fatalf("create table on a: %v", err)
	}
	if _, err := b.Conn().ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)`); err != nil {
		t.Fatalf("create table on b: %v", err)
	}
	if err := a.AsCRR(ctx, "widgets"); err != nil {
		t.Fatalf("a.AsCRR: %v", err)
	}
	if err := b.AsCRR(ctx, "widgets"); err != nil {
		t.Fatalf("b.AsCRR: %v", err)
	}

	if _, err := a.Conn().ExecContext(ctx, `INSERT INTO widgets (id, name, qty) VALUES (1, 'bolt', 10)`); err != nil {
		t.Fatalf("insert on a: %v", err)
	}

	recs, err := a.PullChanges(ctx, []string{"widgets"}, 0, [][]byte{b.SiteID()})
	if err != nil {
		t.Fatalf("PullChanges: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("expected at least one change record from site a")
	}
	for i := range recs {
		recs[i].SiteID = a.SiteID()
	}

	res, err := b.PushChanges(ctx, recs, peers.WithTag(1))
	if err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
	if res.Applied == 0 {
		t.Fatalf("expected at least one applied record, got %+v", res)
	}

	var name string
	if err := b.Conn().QueryRowContext(ctx, `SELECT name FROM widgets WHERE id = 1`).Scan(&name); err != nil {
		t.Fatalf("select from b: %v", err)
	}
	if name != "bolt" {
		t.Fatalf("expected merged name 'bolt', got %q", name)
	}

	// Pushing the identical batch again must not double-apply or error.
	res2, err := b.PushChanges(ctx, recs)
	if err != nil {
		t.Fatalf("PushChanges (second): %v", err)
	}
	if res2.Applied != 0 {
		t.Fatalf("idempotent re-push should win zero additional records, got %d", res2.Applied)
	}
}

// TestChangesVTabIsQueryable is spec.md §8 scenario S6: after two local
// inserts and zero merges, crsql_changes must be queryable as ordinary
// SQL, not just through PullChanges.
func TestChangesVTabIsQueryable(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	if _, err := e.Conn().ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := e.AsCRR(ctx, "widgets"); err != nil {
		t.Fatalf("AsCRR: %v", err)
	}
	if _, err := e.Conn().ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'bolt'), (2, 'nut')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var localCount int
	if err := e.Conn().QueryRowContext(ctx, `SELECT count(*) FROM crsql_changes WHERE site_id IS NULL`).Scan(&localCount); err != nil {
		t.Fatalf("query crsql_changes (local): %v", err)
	}
	if localCount != 2 {
		t.Fatalf("expected 2 locally originated change rows, got %d", localCount)
	}

	var remoteCount int
	if err := e.Conn().QueryRowContext(ctx, `SELECT count(*) FROM crsql_changes WHERE site_id IS NOT NULL`).Scan(&remoteCount); err != nil {
		t.Fatalf("query crsql_changes (remote): %v", err)
	}
	if remoteCount != 0 {
		t.Fatalf("expected 0 remotely originated change rows, got %d", remoteCount)
	}
}

func TestSiteIDsDiffer(t *testing.T) {
	a := openEngine(t)
	b := openEngine(t)
	if string(a.SiteID()) == string(b.SiteID()) {
		t.Fatal("independently opened databases must get distinct site ids")
	}
}
