// Package sqlitefn isolates the low-level ncruces/go-sqlite3 calls needed
// to register the SQL-callable scalar functions the Trigger Set's
// generated trigger bodies invoke (next_db_version(),
// increment_and_get_seq(), internal_sync_bit(), per spec.md §6 "Functions
// exposed to SQL"). Apart from internal/changesvtab, which registers the
// crsql_changes module, every other package talks to the stable Go
// interfaces in internal/engine instead of touching the driver directly;
// this keeps the driver-version-sensitive function registration in this
// one package.
package sqlitefn

import (
	"context"
	"database/sql"

	"github.com/ncruces/go-sqlite3"
)

// Func is a registered scalar function body. It reads args via the Value
// accessors and reports its result (or an error) on ctx.
type Func func(ctx sqlite3.Context, args ...sqlite3.Value)

// WithRawConn unwraps the database/sql connection down to the
// *sqlite3.Conn ncruces's driver hands out, so callers can register
// functions or modules directly against it.
func WithRawConn(ctx context.Context, conn *sql.Conn, fn func(*sqlite3.Conn) error) error {
	return conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.Conn)
		if !ok {
			return errNotSQLite3Conn(driverConn)
		}
		return fn(c)
	})
}

// Register installs a deterministic-or-not scalar SQL function on conn.
func Register(conn *sqlite3.Conn, name string, nArg int, deterministic bool, fn Func) error {
	flags := sqlite3.DIRECTONLY
	if deterministic {
		flags |= sqlite3.DETERMINISTIC
	}
	return conn.CreateFunction(name, nArg, flags, func(c sqlite3.Context, args ...sqlite3.Value) {
		fn(c, args...)
	})
}

func errNotSQLite3Conn(v any) error {
	return &unexpectedConnType{v}
}

type unexpectedConnType struct{ v any }

func (e *unexpectedConnType) Error() string {
	return "sqlitefn: expected *sqlite3.Conn from driver.Raw, got a different type"
}
