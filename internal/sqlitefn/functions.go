package sqlitefn

import (
	"context"
	"database/sql"

	"github.com/ncruces/go-sqlite3"

	"github.com/crsql-go/crsql/internal/changesvtab"
	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/engine"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/siteid"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

// Bind primes state's committed db_version from db, reserves a single
// connection from db, registers every engine scalar function on that
// connection, and returns it. Priming must happen before the connection
// is reserved: once bound, db_version()/next_db_version() run
// reentrantly from inside SQLite's own statement evaluation and cannot
// safely make their own database/sql calls. SQLite function registration
// is per-connection, so every subsequent statement that relies on these
// functions (the Trigger Set's trigger bodies, and every write the CRR
// Lifecycle makes to a promoted table) must run through the returned
// connection rather than a fresh one from the pool. Callers
// typically pin db to a single connection for the lifetime of one
// logical session (db.SetMaxOpenConns(1)) before calling Bind.
func Bind(ctx context.Context, db *sql.DB, state *engine.State) (*sql.Conn, error) {
	if err := state.Prime(ctx, db); err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errs.New(errs.KindIOFatal, "sqlitefn.Bind", "", err)
	}
	err = WithRawConn(ctx, conn, func(c *sqlite3.Conn) error {
		if err := RegisterEngineFunctions(ctx, c, state); err != nil {
			return err
		}
		return RegisterSiteIDCompare(c)
	})
	if err != nil {
		_ = conn.Close()
		return nil, errs.New(errs.KindIOFatal, "sqlitefn.Bind", "", err)
	}
	return conn, nil
}

// RegisterEngineFunctions installs site_id(), db_version(),
// next_db_version([arg]), increment_and_get_seq(), get_seq() and
// internal_sync_bit([v]) on conn, backed by state. as_crr, begin_alter,
// commit_alter, rows_impacted and finalize are not registered as SQL
// functions; the lifecycle operations are Go calls on crsql.Engine. It
// must be called once per raw connection, since SQLite function
// registration is per-connection.
func RegisterEngineFunctions(ctx context.Context, conn *sqlite3.Conn, state *engine.State) error {
	reg := func(name string, nArg int, deterministic bool, fn Func) error {
		return Register(conn, name, nArg, deterministic, fn)
	}

	if err := reg("site_id", 0, true, func(c sqlite3.Context, args ...sqlite3.Value) {
		c.ResultBlob(state.SiteID())
	}); err != nil {
		return err
	}

	if err := reg("db_version", 0, false, func(c sqlite3.Context, args ...sqlite3.Value) {
		c.ResultInt64(state.DBVersion())
	}); err != nil {
		return err
	}

	if err := reg("next_db_version", -1, false, func(c sqlite3.Context, args ...sqlite3.Value) {
		var arg int64
		if len(args) > 0 {
			arg = args[0].Int64()
		}
		c.ResultInt64(state.NextDBVersion(arg))
	}); err != nil {
		return err
	}

	if err := reg("increment_and_get_seq", 0, false, func(c sqlite3.Context, args ...sqlite3.Value) {
		c.ResultInt64(state.IncrementAndGetSeq())
	}); err != nil {
		return err
	}

	if err := reg("get_seq", 0, false, func(c sqlite3.Context, args ...sqlite3.Value) {
		c.ResultInt64(state.GetSeq())
	}); err != nil {
		return err
	}

	if err := reg("internal_sync_bit", -1, false, func(c sqlite3.Context, args ...sqlite3.Value) {
		v := -1
		if len(args) > 0 {
			v = int(args[0].Int64())
		}
		if state.SetSyncBit(v) {
			c.ResultInt64(1)
		} else {
			c.ResultInt64(0)
		}
	}); err != nil {
		return err
	}

	return nil
}

// RegisterSiteIDCompare exposes internal/siteid.Compare as
// site_id_cmp(a, b), for SQL that needs the tiebreak ordering without
// round-tripping through Go. The generated triggers do not call it.
func RegisterSiteIDCompare(conn *sqlite3.Conn) error {
	return Register(conn, "site_id_cmp", 2, true, func(c sqlite3.Context, args ...sqlite3.Value) {
		c.ResultInt64(int64(siteid.Compare(args[0].Blob(), args[1].Blob())))
	})
}

// RegisterChangesVTab installs crsql_changes (spec.md §6) as a queryable
// virtual table on conn, backed by db (normally the same pinned
// connection) and cache. Called once the Table Info Cache exists, which
// is after Bind has already reserved and returned the connection, so
// this is a separate entry point rather than folded into Bind.
func RegisterChangesVTab(ctx context.Context, conn *sql.Conn, db dbx.Conn, cache *tableinfo.Cache) error {
	err := WithRawConn(ctx, conn, func(c *sqlite3.Conn) error {
		return changesvtab.Register(c, db, cache)
	})
	if err != nil {
		return errs.New(errs.KindIOFatal, "sqlitefn.RegisterChangesVTab", "", err)
	}
	return nil
}
