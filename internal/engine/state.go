// Package engine is Extension State (component E): the per-connection
// structure holding the site id, the committed/pending db_version pair,
// the in-transaction sequence counter, and the Sync Bit, plus the version
// discipline of spec.md §4.E and the commit/rollback/close hooks of §5.
//
// One *State is created per logical connection the caller holds open; it
// is never shared across goroutines (spec.md §5's single-threaded
// cooperative model), so its mutex exists only to make races loud in
// tests, not to serialize real concurrent use.
package engine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
)

const invalid = -1

const createDBVersionTableSQL = `CREATE TABLE IF NOT EXISTS __crsql_dbversion (version INTEGER NOT NULL)`

// State is Extension State for one connection.
type State struct {
	siteID []byte

	mu        sync.Mutex
	committed int64
	pending   int64
	seq       int64
	syncBit   bool
}

// New builds Extension State for the given site id. Committed starts at
// 0; call Prime before binding any scalar functions to a connection if
// storage might already hold a higher committed db_version, since once
// bound those functions run reentrantly from inside SQLite and cannot
// safely touch database/sql themselves.
func New(siteID []byte) *State {
	return &State{
		siteID:    siteID,
		committed: 0,
		pending:   invalid,
	}
}

// SiteID returns this connection's 16-byte site id.
func (s *State) SiteID() []byte { return s.siteID }

// Prime loads the committed db_version from storage through db. Call
// this once, before the connection that will back the engine's scalar
// functions is reserved from the pool — db_version()/next_db_version()
// read committed purely from memory afterward and never touch
// database/sql, since they execute reentrantly inside SQLite's own
// statement evaluation on that connection.
func (s *State) Prime(ctx context.Context, db dbx.Conn) error {
	if _, err := db.ExecContext(ctx, createDBVersionTableSQL); err != nil {
		return errs.New(errs.KindIOFatal, "engine.Prime", "", err)
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM __crsql_dbversion`).Scan(&v); err != nil {
		return errs.New(errs.KindIOFatal, "engine.Prime", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Valid {
		s.committed = v.Int64
	} else {
		s.committed = 0
	}
	return nil
}

// DBVersion returns the last committed db_version, purely from memory.
func (s *State) DBVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// NextDBVersion implements the next_db_version([arg]) contract of
// spec.md §4.E: computes ret = max(committed+1, pending, arg), sets
// pending = ret, returns ret. Repeated calls within one transaction
// return the same value absent a caller-supplied larger arg. Purely
// in-memory: committed must already be primed via Prime.
func (s *State) NextDBVersion(arg int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.committed + 1
	if s.pending > ret {
		ret = s.pending
	}
	if arg > ret {
		ret = arg
	}
	s.pending = ret
	return ret
}

// IncrementAndGetSeq bumps and returns the in-transaction sequence
// counter. Sequence is 0-based within a transaction per spec.md §3.
func (s *State) IncrementAndGetSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seq
	s.seq++
	return v
}

// GetSeq returns the current sequence counter without advancing it.
func (s *State) GetSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetSyncBit sets or clears the Sync Bit, returning its new value. A
// negative v leaves the bit unchanged and just reads it (internal_sync_bit()
// with no argument, per spec.md §6).
func (s *State) SetSyncBit(v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v {
	case 0:
		s.syncBit = false
	case 1:
		s.syncBit = true
	}
	return s.syncBit
}

// SyncBit reports whether the Sync Bit is set.
func (s *State) SyncBit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncBit
}

// WithSyncBit runs fn with the Sync Bit set, always clearing it
// afterwards (step 5.a/5.f of spec.md §4.H) even if fn panics or errors.
func (s *State) WithSyncBit(fn func() error) error {
	s.SetSyncBit(1)
	defer s.SetSyncBit(0)
	return fn()
}

// PendingVersion returns the db_version Commit would persist as
// committed if called right now, without changing any state. Used by
// callers that need to write __crsql_dbversion inside the same SQL
// transaction that is about to commit, ahead of calling Commit itself.
func (s *State) PendingVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != invalid {
		return s.pending
	}
	return s.committed
}

// Commit implements the commit hook of spec.md §4.E/§5:
// committed = pending; pending = invalid; seq = 0.
func (s *State) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != invalid {
		s.committed = s.pending
	}
	s.pending = invalid
	s.seq = 0
}

// Rollback implements the rollback hook: pending = invalid; seq = 0.
// Any Peer Tracker entries accumulated in the aborted transaction are the
// caller's responsibility to discard (internal/peers.Tracker.Reset).
func (s *State) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = invalid
	s.seq = 0
}

// PersistCommit writes the committed db_version to __crsql_dbversion so a
// future connection's Prime call sees it. Call after the row-level writes
// and before the surrounding SQL transaction (or savepoint) commits,
// inside it, so db_version tracking is atomic with the data it describes.
func PersistCommit(ctx context.Context, tx dbx.Conn, version int64) error {
	if _, err := tx.ExecContext(ctx, createDBVersionTableSQL); err != nil {
		return errs.New(errs.KindIOFatal, "engine.PersistCommit", "", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM __crsql_dbversion`); err != nil {
		return errs.New(errs.KindIOFatal, "engine.PersistCommit", "", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO __crsql_dbversion (version) VALUES (?)`, version); err != nil {
		return errs.New(errs.KindIOFatal, "engine.PersistCommit", "", err)
	}
	return nil
}
