// Package crsql is the public entry point of the replication core: Open
// a database, promote tables to CRRs, and pull/push Change Records with
// other sites. Everything else lives under internal/ and is reached only
// through the Engine returned here.
package crsql

import (
	"context"
	"database/sql"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/crsql-go/crsql/internal/changes"
	"github.com/crsql-go/crsql/internal/engine"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/lifecycle"
	"github.com/crsql-go/crsql/internal/peers"
	"github.com/crsql-go/crsql/internal/siteid"
	"github.com/crsql-go/crsql/internal/sqlitefn"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

// minEngineVersion is the oldest host engine the generated triggers
// support: they rely on INSERT ... ON CONFLICT DO UPDATE and RETURNING.
const minEngineVersion = "3.35.0"

// Engine is one open, site-identified connection to a crsql-managed
// database. It is not safe for concurrent use from multiple goroutines,
// matching spec.md §5's single-threaded-per-connection model.
type Engine struct {
	db      *sql.DB
	conn    *sql.Conn
	state   *engine.State
	cache   *tableinfo.Cache
	tracker *peers.Tracker
}

// options configures Open.
type options struct {
	siteIDLockPath string
}

// Option configures Open.
type Option func(*options)

// WithSiteIDLock guards first-time site id generation with a cross-
// process file lock at path, useful when multiple processes might open
// the same fresh database concurrently.
func WithSiteIDLock(path string) Option {
	return func(o *options) { o.siteIDLockPath = path }
}

// Open opens dsn (a database/sql DSN understood by the host SQLite
// driver) as a crsql-managed database: it loads or generates this
// database's site id, and binds the scalar functions the Trigger Set and
// CRR Lifecycle rely on to a single pinned connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Engine, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.KindIOFatal, "crsql.Open", "", err)
	}
	db.SetMaxOpenConns(1)

	if err := tableinfo.CheckEngineVersion(ctx, db, minEngineVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	site, err := siteid.Load(ctx, db, o.siteIDLockPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := engine.New(site)
	conn, err := sqlitefn.Bind(ctx, db, st)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	cache := tableinfo.New(conn)
	if err := sqlitefn.RegisterChangesVTab(ctx, conn, conn, cache); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}

	return &Engine{
		db:      db,
		conn:    conn,
		state:   st,
		cache:   cache,
		tracker: peers.New(),
	}, nil
}

// Close releases the engine's pinned connection and underlying database.
func (e *Engine) Close() error {
	connErr := e.conn.Close()
	dbErr := e.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}

// DB returns the underlying *sql.DB. Open pins it to a single
// connection (SetMaxOpenConns(1)) and Engine itself holds that one
// connection reserved for the lifetime of the Engine, so calling
// anything on DB() that needs a connection from the pool (ExecContext,
// QueryContext, BeginTx, ...) will block forever. DB() exists only for
// callers that need the *sql.DB handle itself, e.g. to Close it
// independently; use Conn() for all queries and transactions.
func (e *Engine) DB() *sql.DB { return e.db }

// Conn returns the single connection the engine's scalar functions are
// bound to. All reads and writes against a crsql-managed database,
// promoted table or not, must go through this connection for the
// Trigger Set and CRR Lifecycle functions to see their state.
func (e *Engine) Conn() *sql.Conn { return e.conn }

// SiteID returns this database's 16-byte site id.
func (e *Engine) SiteID() []byte { return e.state.SiteID() }

// Cache returns the engine's Table Info Cache, for callers (such as
// internal/schemawatch) that need to invalidate it directly in response
// to schema changes observed outside of BeginAlter/CommitAlter.
func (e *Engine) Cache() *tableinfo.Cache { return e.cache }

// DBVersion returns the last committed db_version.
func (e *Engine) DBVersion() int64 {
	return e.state.DBVersion()
}

// AsCRR promotes table to a CRR.
func (e *Engine) AsCRR(ctx context.Context, table string) error {
	return lifecycle.AsCRR(ctx, e.conn, e.cache, e.state, table)
}

// BeginAlter drops table's triggers ahead of a schema migration.
func (e *Engine) BeginAlter(ctx context.Context, table string) error {
	info, err := e.cache.Get(ctx, table)
	if err != nil {
		return err
	}
	return lifecycle.BeginAlter(ctx, e.conn, info)
}

// CommitAlter reinstalls table's triggers against its current schema and
// compacts clock records for columns that no longer exist. Call this
// after the migration's DDL has run.
func (e *Engine) CommitAlter(ctx context.Context, table string) (removedStale int64, err error) {
	e.cache.Invalidate()
	info, err := e.cache.Get(ctx, table)
	if err != nil {
		return 0, err
	}
	return lifecycle.CommitAlter(ctx, e.conn, info)
}

// CompactionPlan reports what a compaction pass would remove for table,
// without removing it.
func (e *Engine) CompactionPlan(ctx context.Context, table string) (*lifecycle.Plan, error) {
	info, err := e.cache.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	return lifecycle.CompactionPlan(ctx, e.conn, info)
}

// PullChanges returns every Change Record across tables with db_version
// >= minDBVersion, excluding records originated by any site in
// excludeSiteIDs (typically the requesting peer's own site id, so it
// doesn't receive its own writes echoed back).
func (e *Engine) PullChanges(ctx context.Context, tables []string, minDBVersion int64, excludeSiteIDs [][]byte) ([]changes.Record, error) {
	infos := make(map[string]*tableinfo.Info, len(tables))
	for _, t := range tables {
		info, err := e.cache.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		infos[t] = info
	}
	return changes.ReadChanges(ctx, e.conn, infos, minDBVersion, excludeSiteIDs)
}

// PushResult tallies the outcome of a PushChanges call.
type PushResult struct {
	Applied int
	Lost    int // valid but outranked by a conflicting local write
	Stale   int // from a row incarnation older than what's stored locally
}

// PushChanges applies incoming Change Records inside one transaction,
// following the merge algorithm of spec.md §4.H, then flushes the Peer
// Tracker's high-water marks.
func (e *Engine) PushChanges(ctx context.Context, recs []changes.Record, peerOpts ...peers.Option) (PushResult, error) {
	var res PushResult
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, errs.New(errs.KindIOFatal, "crsql.PushChanges", "", err)
	}

	for _, rec := range recs {
		applied, err := changes.MergeOne(ctx, tx, e.cache, e.state, e.tracker, rec)
		if err != nil {
			_ = tx.Rollback()
			e.state.Rollback()
			e.tracker.Reset()
			return PushResult{}, err
		}
		switch {
		case applied.Stale:
			res.Stale++
		case applied.Won:
			res.Applied++
		default:
			res.Lost++
		}
	}

	if err := engine.PersistCommit(ctx, tx, e.state.PendingVersion()); err != nil {
		_ = tx.Rollback()
		e.state.Rollback()
		e.tracker.Reset()
		return PushResult{}, err
	}

	if err := tx.Commit(); err != nil {
		e.state.Rollback()
		e.tracker.Reset()
		return PushResult{}, errs.New(errs.KindIOFatal, "crsql.PushChanges", "", err)
	}
	e.state.Commit()
	if err := e.tracker.Flush(ctx, e.conn, peerOpts...); err != nil {
		return res, err
	}
	return res, nil
}
