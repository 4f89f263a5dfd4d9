// Package trigger is the Trigger Set (component C): the SQL triggers
// installed on a promoted user table that stamp the Clock Store shadow
// table as ordinary SQL INSERT/UPDATE/DELETE statements run against it,
// per spec.md §4.C. The triggers call the scalar functions
// internal/sqlitefn registers (next_db_version(),
// increment_and_get_seq(), internal_sync_bit()) so the bookkeeping lives
// entirely in SQL and fires for writes made by any caller, not just ones
// that go through this package's Go API.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

func insertTriggerName(tbl string) string { return tbl + "__crsql_itrig" }
func deleteTriggerName(tbl string) string { return tbl + "__crsql_dtrig" }
func updateTriggerName(tbl, col string) string {
	return fmt.Sprintf("%s__crsql_utrig_%s", tbl, col)
}

// Install creates every trigger for info's table, replacing any that
// already exist under the names this package generates.
func Install(ctx context.Context, db dbx.Conn, info *tableinfo.Info) error {
	if err := Drop(ctx, db, info); err != nil {
		return err
	}
	stmts := []string{insertTriggerSQL(info)}
	for _, c := range info.NonPKCols {
		stmts = append(stmts, updateTriggerSQL(info, c.Name))
	}
	stmts = append(stmts, deleteTriggerSQL(info))

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errs.New(errs.KindIOFatal, "trigger.Install", info.Table, err)
		}
	}
	return nil
}

// Drop removes every trigger this package may have installed for info's
// table. Safe to call whether or not they exist (used before Install, and
// by begin_alter per spec.md §4.J).
func Drop(ctx context.Context, db dbx.Conn, info *tableinfo.Info) error {
	names := []string{insertTriggerName(info.Table), deleteTriggerName(info.Table)}
	for _, c := range info.NonPKCols {
		names = append(names, updateTriggerName(info.Table, c.Name))
	}
	for _, n := range names {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %q`, n)); err != nil {
			return errs.New(errs.KindIOFatal, "trigger.Drop", info.Table, err)
		}
	}
	return nil
}

func pkColList(info *tableinfo.Info, prefix string) string {
	names := make([]string, len(info.PKCols))
	for i, c := range info.PKCols {
		names[i] = fmt.Sprintf("%q", c.Name)
	}
	_ = prefix
	return strings.Join(names, ", ")
}

func pkNewRefs(info *tableinfo.Info) string {
	refs := make([]string, len(info.PKCols))
	for i, c := range info.PKCols {
		refs[i] = fmt.Sprintf("NEW.%q", c.Name)
	}
	return strings.Join(refs, ", ")
}

func pkOldRefs(info *tableinfo.Info) string {
	refs := make([]string, len(info.PKCols))
	for i, c := range info.PKCols {
		refs[i] = fmt.Sprintf("OLD.%q", c.Name)
	}
	return strings.Join(refs, ", ")
}

// insertTriggerSQL stamps every non-pk column at col_version 1 (or
// increments an existing record if the pk was previously
// deleted-then-recreated), and writes a PK-ONLY sentinel when the table
// has no non-pk columns at all, per spec.md §3 invariant (a).
func insertTriggerSQL(info *tableinfo.Info) string {
	tbl := clock.TableName(info.Table)
	pkCols := pkColList(info, "")
	pkNew := pkNewRefs(info)

	var body strings.Builder
	if len(info.NonPKCols) == 0 {
		fmt.Fprintf(&body, `
			INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
			VALUES (%s, %q, 1, next_db_version(0), NULL,
				COALESCE((SELECT __crsql_cl FROM %q WHERE (%s) = (%s) LIMIT 1), 1),
				increment_and_get_seq())
			ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
				__crsql_col_version = __crsql_col_version + 1,
				__crsql_db_version = excluded.__crsql_db_version,
				__crsql_site_id = NULL,
				__crsql_seq = excluded.__crsql_seq;`,
			tbl, pkCols, pkNew, clock.PKOnlySentinel, tbl, pkCols, pkNew, pkCols)
	}
	for _, c := range info.NonPKCols {
		fmt.Fprintf(&body, `
			INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
			VALUES (%s, %q, 1, next_db_version(0), NULL,
				COALESCE((SELECT __crsql_cl FROM %q WHERE (%s) = (%s) LIMIT 1), 1),
				increment_and_get_seq())
			ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
				__crsql_col_version = __crsql_col_version + 1,
				__crsql_db_version = excluded.__crsql_db_version,
				__crsql_site_id = NULL,
				__crsql_seq = excluded.__crsql_seq;`,
			tbl, pkCols, pkNew, c.Name, tbl, pkCols, pkNew, pkCols)
	}

	return fmt.Sprintf(`CREATE TRIGGER %q AFTER INSERT ON %q
		WHEN internal_sync_bit() = 0
		BEGIN
		%s
		END`, insertTriggerName(info.Table), info.Table, body.String())
}

// updateTriggerSQL stamps a single non-pk column, firing only when that
// column's value actually changed.
func updateTriggerSQL(info *tableinfo.Info, col string) string {
	tbl := clock.TableName(info.Table)
	pkCols := pkColList(info, "")
	pkNew := pkNewRefs(info)

	body := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s, %q, 1, next_db_version(0), NULL, 1, increment_and_get_seq())
		ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
			__crsql_col_version = __crsql_col_version + 1,
			__crsql_db_version = excluded.__crsql_db_version,
			__crsql_site_id = NULL,
			__crsql_seq = excluded.__crsql_seq;`,
		tbl, pkCols, pkNew, col, tbl, pkCols, pkNew, pkCols)

	return fmt.Sprintf(`CREATE TRIGGER %q AFTER UPDATE OF %q ON %q
		WHEN internal_sync_bit() = 0 AND NEW.%q IS NOT OLD.%q
		BEGIN
		%s
		END`, updateTriggerName(info.Table, col), col, info.Table, col, col, body)
}

// deleteTriggerSQL replaces every per-column clock record for the deleted
// row with a single DELETE sentinel, carrying the row's causal length
// forward incremented by one so a later re-INSERT of the same pk is
// distinguishable from the original row (spec.md §3, §4.H step 3).
func deleteTriggerSQL(info *tableinfo.Info) string {
	tbl := clock.TableName(info.Table)
	pkCols := pkColList(info, "")
	pkOld := pkOldRefs(info)

	body := fmt.Sprintf(`
		INSERT INTO %q (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id, __crsql_cl, __crsql_seq)
		VALUES (%s, %q, 1, next_db_version(0), NULL,
			COALESCE((SELECT __crsql_cl FROM %q WHERE (%s) = (%s) LIMIT 1), 1) + 1,
			increment_and_get_seq())
		ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
			__crsql_col_version = __crsql_col_version + 1,
			__crsql_db_version = excluded.__crsql_db_version,
			__crsql_site_id = NULL,
			__crsql_cl = excluded.__crsql_cl,
			__crsql_seq = excluded.__crsql_seq;
		DELETE FROM %q WHERE (%s) = (%s) AND __crsql_col_name <> %q;`,
		tbl, pkCols, pkOld, clock.DeleteSentinel, tbl, pkCols, pkOld,
		pkCols, tbl, pkCols, pkOld, clock.DeleteSentinel)

	return fmt.Sprintf(`CREATE TRIGGER %q AFTER DELETE ON %q
		WHEN internal_sync_bit() = 0
		BEGIN
		%s
		END`, deleteTriggerName(info.Table), info.Table, body)
}
