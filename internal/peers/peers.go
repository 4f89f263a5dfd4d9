// Package peers is the Peer Tracker (component F): it remembers, for the
// duration of one merge transaction, the highest db_version seen from
// each remote site, then flushes that high-water mark to the persistent
// crsql_tracked_peers table on commit — never lowering a previously
// recorded value, per spec.md §4.F.
package peers

import (
	"context"
	"database/sql"
	"encoding/hex"
	"sync"

	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS crsql_tracked_peers (
	site_id BLOB,
	version INTEGER NOT NULL,
	seq INTEGER DEFAULT 0,
	tag INTEGER NOT NULL DEFAULT 0,
	event INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(site_id, tag, event)
)`

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tracker accumulates per-site high-water marks for one transaction. It
// is not safe for concurrent use, matching the single-threaded-per-
// connection model the rest of this module assumes.
type Tracker struct {
	seen map[string]int64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: make(map[string]int64)}
}

// Observe records that a Change Record from siteID at dbVersion was
// merged in. Only the maximum dbVersion per site is kept.
func (t *Tracker) Observe(siteID []byte, dbVersion int64) {
	if len(siteID) == 0 {
		return // locally originated records aren't peers
	}
	key := hex.EncodeToString(siteID)
	if cur, ok := t.seen[key]; !ok || dbVersion > cur {
		t.seen[key] = dbVersion
	}
}

// Reset discards accumulated observations, for use after a rolled-back
// transaction.
func (t *Tracker) Reset() {
	t.seen = make(map[string]int64)
}

// Option configures the opaque tag/event fields recorded alongside a
// peer's high-water mark (SPEC_FULL.md Open Question 2: callers decide
// what these mean, crsql treats them as opaque int64s).
type Option func(*flushOpts)

type flushOpts struct {
	seq   int64
	tag   int64
	event int64
}

// WithSeq sets the opaque seq value written for every site flushed in
// this call (spec.md §6's crsql_tracked_peers.seq, DEFAULT 0 like tag and
// event: under-specified in the source, so crsql treats it as a caller-
// supplied opaque integer rather than deriving it itself).
func WithSeq(v int64) Option { return func(o *flushOpts) { o.seq = v } }

// WithTag sets the tag value written for every site flushed in this call.
func WithTag(v int64) Option { return func(o *flushOpts) { o.tag = v } }

// WithEvent sets the event value written for every site flushed in this
// call.
func WithEvent(v int64) Option { return func(o *flushOpts) { o.event = v } }

// Flush persists every observed (site_id, db_version) pair to
// crsql_tracked_peers, keeping the larger of the stored and the new
// version on conflict, and discards the in-memory observations
// afterwards. Call once per committed merge transaction.
func (t *Tracker) Flush(ctx context.Context, ex Execer, opts ...Option) error {
	if len(t.seen) == 0 {
		return nil
	}
	var o flushOpts
	for _, fn := range opts {
		fn(&o)
	}

	if _, err := ex.ExecContext(ctx, createTableSQL); err != nil {
		return errs.New(errs.KindIOFatal, "peers.Flush", "", err)
	}

	for hexSite, version := range t.seen {
		siteID, err := hex.DecodeString(hexSite)
		if err != nil {
			return errs.New(errs.KindInvariant, "peers.Flush", "", err)
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO crsql_tracked_peers (site_id, version, seq, tag, event)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (site_id, tag, event) DO UPDATE SET
				version = MAX(version, excluded.version),
				seq = excluded.seq
		`, siteID, version, o.seq, o.tag, o.event)
		if err != nil {
			return errs.New(errs.KindIORetry, "peers.Flush", "", err)
		}
	}
	t.Reset()
	return nil
}

// HighWaterMark returns the highest persisted db_version seen from siteID
// across all (tag, event) rows tracked for it, and whether any record
// exists for it at all. The primary key is (site_id, tag, event), so one
// site can hold more than one tracked-peer row; callers that only care
// about resuming a pull don't need to know which tag/event produced the
// highest value.
func HighWaterMark(ctx context.Context, db dbx.Conn, siteID []byte) (int64, bool, error) {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return 0, false, errs.New(errs.KindIOFatal, "peers.HighWaterMark", "", err)
	}
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM crsql_tracked_peers WHERE site_id = ?`, siteID).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, errs.New(errs.KindIORetry, "peers.HighWaterMark", "", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}
