// Package clock is the Clock Store (component B): a shadow table per user
// table holding one Clock Record per (row primary key, column), plus the
// db_version-ordered scan the Changes VTab read path depends on.
package clock

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/pk"
	"github.com/crsql-go/crsql/internal/tableinfo"
	"github.com/crsql-go/crsql/internal/value"
)

// Reserved sentinel column names, per spec.md §6.
const (
	DeleteSentinel = "__crsql_del"
	PKOnlySentinel = "__crsql_pko"
)

// Execer is satisfied by *sql.DB, *sql.Conn, and *sql.Tx: whichever the
// caller is already inside, stamping participates in that same
// connection or transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Record is one Clock Record, as defined in spec.md §3, with the row's
// current causal length carried alongside it (CL is stored on every clock
// row rather than derived).
type Record struct {
	Col        string
	ColVersion int64
	DBVersion  int64
	SiteID     []byte // nil means locally originated
	CL         int64
	Seq        int64
}

// TableName returns the shadow table name for a user table.
func TableName(userTable string) string { return userTable + "__crsql_clock" }

// EnsureTable creates the shadow clock table and its db_version index if
// they don't already exist, with PK columns mirroring the user table's
// primary key (types included), per spec.md §6.
func EnsureTable(ctx context.Context, db dbx.Conn, info *tableinfo.Info) error {
	tbl := TableName(info.Table)

	var pkDefs []string
	var pkNames []string
	for _, c := range info.PKCols {
		pkDefs = append(pkDefs, fmt.Sprintf("%q %s", c.Name, pkColType(c.Type)))
		pkNames = append(pkNames, fmt.Sprintf("%q", c.Name))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		%s,
		__crsql_col_name TEXT NOT NULL,
		__crsql_col_version INTEGER NOT NULL,
		__crsql_db_version INTEGER NOT NULL,
		__crsql_site_id BLOB,
		__crsql_cl INTEGER NOT NULL DEFAULT 1,
		__crsql_seq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (%s, __crsql_col_name)
	)`, tbl, strings.Join(pkDefs, ",\n\t\t"), strings.Join(pkNames, ", "))

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errs.New(errs.KindIOFatal, "clock.EnsureTable", info.Table, err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (__crsql_db_version)`,
		tbl+"_dbv", tbl)
	if _, err := db.ExecContext(ctx, idx); err != nil {
		return errs.New(errs.KindIOFatal, "clock.EnsureTable", info.Table, err)
	}
	return nil
}

// pkColType defaults an unrecognized/blank declared type to BLOB, since
// the clock table's pk columns only need to compare equal to the user
// table's, not enforce the same affinity rules.
func pkColType(declared string) string {
	if strings.TrimSpace(declared) == "" {
		return "BLOB"
	}
	return declared
}

func pkWhere(info *tableinfo.Info) (string, []any) {
	var clauses []string
	for _, c := range info.PKCols {
		clauses = append(clauses, fmt.Sprintf("%q = ?", c.Name))
	}
	return strings.Join(clauses, " AND "), nil
}

func pkArgs(pkVals []value.Value) []any {
	args := make([]any, len(pkVals))
	for i, v := range pkVals {
		args[i] = v.Driver()
	}
	return args
}

// StampLocal upserts a Clock Record for a local write (site_id NULL):
// insert at col_version 1 for a brand-new (pk, col), or increment the
// existing col_version by one, per spec.md §4.B stamp().
func StampLocal(ctx context.Context, ex Execer, info *tableinfo.Info, pkVals []value.Value, col string, dbVersion, seq, cl int64) error {
	tbl := TableName(info.Table)
	cols := pkColNames(info)
	placeholders := strings.Repeat("?, ", len(cols))

	stmt := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s?, 1, ?, NULL, ?, ?)
		ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
			__crsql_col_version = __crsql_col_version + 1,
			__crsql_db_version = excluded.__crsql_db_version,
			__crsql_site_id = NULL,
			__crsql_cl = excluded.__crsql_cl,
			__crsql_seq = excluded.__crsql_seq
	`, tbl, strings.Join(cols, ", "), placeholders, strings.Join(cols, ", "))

	args := pkArgs(pkVals)
	args = append(args, col, dbVersion, cl, seq)
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "clock.StampLocal", info.Table, err)
	}
	return nil
}

// SetRemote upserts a Clock Record with an explicit (col_version,
// db_version, site_id) triple taken verbatim from an incoming Change
// Record, replacing whatever was previously stored for (pk, col). This is
// the merge write path's analogue of StampLocal (spec.md §4.H step 5).
func SetRemote(ctx context.Context, ex Execer, info *tableinfo.Info, pkVals []value.Value, col string, colVersion, dbVersion int64, siteID []byte, seq, cl int64) error {
	tbl := TableName(info.Table)
	cols := pkColNames(info)
	placeholders := strings.Repeat("?, ", len(cols))

	stmt := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s?, ?, ?, ?, ?, ?)
		ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
			__crsql_col_version = excluded.__crsql_col_version,
			__crsql_db_version = excluded.__crsql_db_version,
			__crsql_site_id = excluded.__crsql_site_id,
			__crsql_cl = excluded.__crsql_cl,
			__crsql_seq = excluded.__crsql_seq
	`, tbl, strings.Join(cols, ", "), placeholders, strings.Join(cols, ", "))

	args := pkArgs(pkVals)
	args = append(args, col, colVersion, dbVersion, siteID, cl, seq)
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "clock.SetRemote", info.Table, err)
	}
	return nil
}

// ReplaceWithDeleteSentinel removes every per-column Clock Record for pk
// and writes a single DELETE sentinel record in their place, per spec.md
// §4.C step 5 (local delete) and §4.H step 5.b (merge-applied delete).
func ReplaceWithDeleteSentinel(ctx context.Context, ex Execer, info *tableinfo.Info, pkVals []value.Value, colVersion, dbVersion int64, siteID []byte, seq, cl int64) error {
	tbl := TableName(info.Table)
	where, _ := pkWhere(info)

	if _, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %s`, tbl, where), pkArgs(pkVals)...); err != nil {
		return errs.New(errs.KindIORetry, "clock.ReplaceWithDeleteSentinel", info.Table, err)
	}

	cols := pkColNames(info)
	placeholders := strings.Repeat("?, ", len(cols))
	stmt := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s?, ?, ?, ?, ?, ?)
	`, tbl, strings.Join(cols, ", "), placeholders)
	args := pkArgs(pkVals)
	args = append(args, DeleteSentinel, colVersion, dbVersion, siteID, cl, seq)
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "clock.ReplaceWithDeleteSentinel", info.Table, err)
	}
	return nil
}

// InsertPKOnlySentinel records a brand-new row that has no non-PK columns
// to stamp (spec.md §4.C step 3, §3 invariant (a)).
func InsertPKOnlySentinel(ctx context.Context, ex Execer, info *tableinfo.Info, pkVals []value.Value, dbVersion, seq, cl int64) error {
	tbl := TableName(info.Table)
	cols := pkColNames(info)
	placeholders := strings.Repeat("?, ", len(cols))
	stmt := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s?, 1, ?, NULL, ?, ?)
		ON CONFLICT (%s, __crsql_col_name) DO NOTHING
	`, tbl, strings.Join(cols, ", "), placeholders, strings.Join(cols, ", "))
	args := pkArgs(pkVals)
	args = append(args, PKOnlySentinel, dbVersion, cl, seq)
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "clock.InsertPKOnlySentinel", info.Table, err)
	}
	return nil
}

// ReadOne loads the Clock Record for (pk, col), if any.
func ReadOne(ctx context.Context, q Queryer, info *tableinfo.Info, pkVals []value.Value, col string) (*Record, error) {
	tbl := TableName(info.Table)
	where, _ := pkWhere(info)
	args := pkArgs(pkVals)
	args = append(args, col)

	row := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq
		FROM %q WHERE %s AND __crsql_col_name = ?
	`, tbl, where), args...)

	var r Record
	var siteID []byte
	r.Col = col
	err := row.Scan(&r.ColVersion, &r.DBVersion, &siteID, &r.CL, &r.Seq)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, errs.New(errs.KindIORetry, "clock.ReadOne", info.Table, err)
	}
	r.SiteID = siteID
	return &r, nil
}

// ReadCL returns the row's current causal length, and whether any clock
// record exists for it at all (a row with no clock records at all has
// never been seen, so the caller should treat any incoming cl as valid).
func ReadCL(ctx context.Context, q Queryer, info *tableinfo.Info, pkVals []value.Value) (int64, bool, error) {
	tbl := TableName(info.Table)
	where, _ := pkWhere(info)
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT __crsql_cl FROM %q WHERE %s LIMIT 1
	`, tbl, where), pkArgs(pkVals)...)
	var cl int64
	err := row.Scan(&cl)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, errs.New(errs.KindIORetry, "clock.ReadCL", info.Table, err)
	}
	return cl, true, nil
}

// IsTombstoned reports whether the row has a DELETE sentinel clock
// record. It does not check whether other clock records remain beside it.
func IsTombstoned(ctx context.Context, q Queryer, info *tableinfo.Info, pkVals []value.Value) (bool, error) {
	r, err := ReadOne(ctx, q, info, pkVals, DeleteSentinel)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

func pkColNames(info *tableinfo.Info) []string {
	out := make([]string, len(info.PKCols))
	for i, c := range info.PKCols {
		out[i] = fmt.Sprintf("%q", c.Name)
	}
	return out
}

// DeleteStaleColumns removes clock records whose col_name names a column
// no longer present in the table's current non-PK column set, per
// spec.md §4.B delete_stale_columns, preserving DELETE and PK-ONLY
// sentinels unconditionally (SPEC_FULL.md Open Question 1).
func DeleteStaleColumns(ctx context.Context, db dbx.Conn, info *tableinfo.Info) (int64, error) {
	tbl := TableName(info.Table)
	live := make([]string, 0, len(info.NonPKCols)+2)
	live = append(live, DeleteSentinel, PKOnlySentinel)
	for _, c := range info.NonPKCols {
		live = append(live, c.Name)
	}
	placeholders := strings.Repeat("?, ", len(live))
	placeholders = strings.TrimSuffix(placeholders, ", ")

	args := make([]any, len(live))
	for i, l := range live {
		args[i] = l
	}

	res, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %q WHERE __crsql_col_name NOT IN (%s)`, tbl, placeholders), args...)
	if err != nil {
		return 0, errs.New(errs.KindIOFatal, "clock.DeleteStaleColumns", info.Table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DecodePK parses a wire pk_blob using the table's PK cardinality, for
// callers applying an incoming Change Record.
func DecodePK(blob []byte, info *tableinfo.Info) ([]value.Value, error) {
	return pk.Decode(blob, len(info.PKCols))
}
