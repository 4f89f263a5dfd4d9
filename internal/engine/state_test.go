package engine

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

func primedState(t *testing.T, db *sql.DB, siteID []byte) *State {
	t.Helper()
	s := New(siteID)
	if err := s.Prime(context.Background(), db); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	return s
}

func TestNextDBVersion_MonotoneWithinTx(t *testing.T) {
	db := openTestDB(t)
	s := primedState(t, db, []byte("site-a"))

	v1 := s.NextDBVersion(0)
	if v1 != 1 {
		t.Fatalf("expected first db_version to be 1, got %d", v1)
	}

	v2 := s.NextDBVersion(0)
	if v2 != v1 {
		t.Fatalf("repeated NextDBVersion within a tx must be stable: got %d then %d", v1, v2)
	}

	v3 := s.NextDBVersion(10)
	if v3 != 10 {
		t.Fatalf("a larger explicit arg must win: got %d", v3)
	}
}

func TestCommitRollbackHooks(t *testing.T) {
	db := openTestDB(t)
	s := primedState(t, db, []byte("site-a"))

	s.NextDBVersion(0)
	s.IncrementAndGetSeq()
	s.IncrementAndGetSeq()

	s.Commit()
	if got := s.DBVersion(); got != 1 {
		t.Fatalf("committed db_version should be 1 after commit, got %d", got)
	}
	if s.GetSeq() != 0 {
		t.Fatalf("seq must reset to 0 after commit")
	}

	next := s.NextDBVersion(0)
	if next != 2 {
		t.Fatalf("next db_version after a committed 1 must be 2, got %d", next)
	}
	s.Rollback()
	if got := s.DBVersion(); got != 1 {
		t.Fatalf("rollback must not advance committed db_version, got %d", got)
	}
	if s.GetSeq() != 0 {
		t.Fatalf("seq must reset to 0 after rollback")
	}
}

func TestPrimeLoadsExistingCommittedVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if _, err := db.ExecContext(ctx, createDBVersionTableSQL); err != nil {
		t.Fatalf("create version table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO __crsql_dbversion (version) VALUES (5)`); err != nil {
		t.Fatalf("seed version: %v", err)
	}

	s := primedState(t, db, []byte("site-a"))
	if got := s.DBVersion(); got != 5 {
		t.Fatalf("expected Prime to load committed version 5, got %d", got)
	}
	if next := s.NextDBVersion(0); next != 6 {
		t.Fatalf("expected next db_version 6 after priming at 5, got %d", next)
	}
}

func TestSyncBitScoped(t *testing.T) {
	s := New(nil)
	if s.SyncBit() {
		t.Fatal("sync bit must start clear")
	}
	err := s.WithSyncBit(func() error {
		if !s.SyncBit() {
			t.Fatal("sync bit must be set inside WithSyncBit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSyncBit: %v", err)
	}
	if s.SyncBit() {
		t.Fatal("sync bit must be cleared after WithSyncBit returns")
	}
}
