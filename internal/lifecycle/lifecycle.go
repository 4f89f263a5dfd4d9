// Package lifecycle is the CRR Lifecycle (component J): promoting a
// plain table to a CRR with as_crr, protecting schema changes with
// begin_alter/commit_alter, and producing compaction reports, per
// spec.md §4.J.
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/engine"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/tableinfo"
	"github.com/crsql-go/crsql/internal/trigger"
	"github.com/crsql-go/crsql/internal/value"
)

// AsCRR promotes table to a CRR: it checks compatibility, creates the
// clock shadow table and triggers, and backfills clock records for any
// rows that already existed, all inside one savepoint so a failure
// midway leaves the table untouched.
func AsCRR(ctx context.Context, db dbx.Conn, cache *tableinfo.Cache, state *engine.State, table string) error {
	if err := tableinfo.Compatible(ctx, db, table); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `SAVEPOINT crsql_as_crr`); err != nil {
		return errs.New(errs.KindIOFatal, "as_crr", table, err)
	}
	rollback := func(cause error) error {
		_, _ = db.ExecContext(ctx, `ROLLBACK TO crsql_as_crr`)
		_, _ = db.ExecContext(ctx, `RELEASE crsql_as_crr`)
		return cause
	}

	cache.Invalidate()
	info, err := cache.Get(ctx, table)
	if err != nil {
		return rollback(err)
	}

	if err := clock.EnsureTable(ctx, db, info); err != nil {
		return rollback(err)
	}
	if err := trigger.Install(ctx, db, info); err != nil {
		return rollback(err)
	}
	if err := backfill(ctx, db, info, state); err != nil {
		return rollback(err)
	}
	state.Commit()
	if err := engine.PersistCommit(ctx, db, state.DBVersion()); err != nil {
		return rollback(err)
	}

	if _, err := db.ExecContext(ctx, `RELEASE crsql_as_crr`); err != nil {
		return errs.New(errs.KindIOFatal, "as_crr", table, err)
	}
	return nil
}

// backfill stamps a fresh clock record for every column of every
// pre-existing row, so rows written before promotion are still tracked.
func backfill(ctx context.Context, db dbx.Conn, info *tableinfo.Info, state *engine.State) error {
	var selectCols []string
	for _, c := range info.PKCols {
		selectCols = append(selectCols, fmt.Sprintf("%q", c.Name))
	}
	for _, c := range info.NonPKCols {
		selectCols = append(selectCols, fmt.Sprintf("%q", c.Name))
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(selectCols, ", "), info.Table))
	if err != nil {
		return errs.New(errs.KindIOFatal, "as_crr.backfill", info.Table, err)
	}
	defer rows.Close()

	pkCount := len(info.PKCols)
	for rows.Next() {
		dest := make([]any, len(selectCols))
		raw := make([]any, len(selectCols))
		for i := range dest {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return errs.New(errs.KindIOFatal, "as_crr.backfill", info.Table, err)
		}

		pkVals := make([]value.Value, pkCount)
		for i := 0; i < pkCount; i++ {
			v, err := value.FromDriver(raw[i])
			if err != nil {
				return errs.New(errs.KindMalformed, "as_crr.backfill", info.Table, err)
			}
			pkVals[i] = v
		}

		dbVersion := state.NextDBVersion(0)
		if len(info.NonPKCols) == 0 {
			if err := clock.InsertPKOnlySentinel(ctx, db, info, pkVals, dbVersion, state.IncrementAndGetSeq(), 1); err != nil {
				return err
			}
			continue
		}
		for i, c := range info.NonPKCols {
			if err := clock.StampLocal(ctx, db, info, pkVals, c.Name, dbVersion, state.IncrementAndGetSeq(), 1); err != nil {
				return err
			}
			_ = i
		}
	}
	if err := rows.Err(); err != nil {
		return errs.New(errs.KindIOFatal, "as_crr.backfill", info.Table, err)
	}
	return nil
}

// BeginAlter drops the generated triggers so a schema migration can run
// against the table without firing spurious clock stamps, per spec.md
// §4.J begin_alter. Wrapped in a savepoint like AsCRR, per §4.J/§7's
// rollback-on-subordinate-failure policy: trigger.Drop issues one DROP
// TRIGGER per generated trigger, and the savepoint makes them all-or-
// nothing.
func BeginAlter(ctx context.Context, db dbx.Conn, info *tableinfo.Info) error {
	if _, err := db.ExecContext(ctx, `SAVEPOINT crsql_begin_alter`); err != nil {
		return errs.New(errs.KindIOFatal, "begin_alter", info.Table, err)
	}
	rollback := func(cause error) error {
		_, _ = db.ExecContext(ctx, `ROLLBACK TO crsql_begin_alter`)
		_, _ = db.ExecContext(ctx, `RELEASE crsql_begin_alter`)
		return cause
	}

	if err := trigger.Drop(ctx, db, info); err != nil {
		return rollback(err)
	}

	if _, err := db.ExecContext(ctx, `RELEASE crsql_begin_alter`); err != nil {
		return errs.New(errs.KindIOFatal, "begin_alter", info.Table, err)
	}
	return nil
}

// CommitAlter reinstalls triggers against the table's (possibly changed)
// current schema and compacts clock records for columns that no longer
// exist, per spec.md §4.J commit_alter. Call cache.Invalidate() before
// fetching freshInfo so the caller observes the post-migration schema.
// Wrapped in a savepoint per §4.J/§7: if DeleteStaleColumns fails after
// trigger.Install has already reinstalled the triggers, the table must
// not be left half-migrated.
func CommitAlter(ctx context.Context, db dbx.Conn, freshInfo *tableinfo.Info) (removedStale int64, err error) {
	if _, err := db.ExecContext(ctx, `SAVEPOINT crsql_commit_alter`); err != nil {
		return 0, errs.New(errs.KindIOFatal, "commit_alter", freshInfo.Table, err)
	}
	rollback := func(cause error) (int64, error) {
		_, _ = db.ExecContext(ctx, `ROLLBACK TO crsql_commit_alter`)
		_, _ = db.ExecContext(ctx, `RELEASE crsql_commit_alter`)
		return 0, cause
	}

	if err := trigger.Install(ctx, db, freshInfo); err != nil {
		return rollback(err)
	}
	removedStale, err = clock.DeleteStaleColumns(ctx, db, freshInfo)
	if err != nil {
		return rollback(err)
	}

	if _, err := db.ExecContext(ctx, `RELEASE crsql_commit_alter`); err != nil {
		return 0, errs.New(errs.KindIOFatal, "commit_alter", freshInfo.Table, err)
	}
	return removedStale, nil
}

// Plan reports what a compaction pass would remove, without removing it.
type Plan struct {
	Table           string
	StaleColumnRows int64
}

// CompactionPlan computes a dry-run report of the clock records
// DeleteStaleColumns would remove for info's table, for callers that want
// to inspect a pending compaction before committing to it (SPEC_FULL.md
// supplemented feature: crsqlctl compaction dry-run report).
func CompactionPlan(ctx context.Context, db dbx.Conn, info *tableinfo.Info) (*Plan, error) {
	tbl := clock.TableName(info.Table)
	live := []string{clock.DeleteSentinel, clock.PKOnlySentinel}
	for _, c := range info.NonPKCols {
		live = append(live, c.Name)
	}
	placeholders := strings.Repeat("?, ", len(live))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	args := make([]any, len(live))
	for i, l := range live {
		args[i] = l
	}

	var n int64
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %q WHERE __crsql_col_name NOT IN (%s)`, tbl, placeholders), args...)
	if err := row.Scan(&n); err != nil {
		return nil, errs.New(errs.KindIOFatal, "lifecycle.CompactionPlan", info.Table, err)
	}
	return &Plan{Table: info.Table, StaleColumnRows: n}, nil
}
