package changes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/engine"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/peers"
	"github.com/crsql-go/crsql/internal/resolve"
	"github.com/crsql-go/crsql/internal/tableinfo"
	"github.com/crsql-go/crsql/internal/value"
)

// ErrStaleIncarnation describes an incoming record whose causal length is
// behind the row's current incarnation. MergeOne does not return it: it
// reports that case as Applied{Stale: true} with a nil error, since the
// merge is a deliberate no-op there, not a failure.
var ErrStaleIncarnation = errors.New("changes: incoming record is from a stale row incarnation")

// Applied describes the outcome of a single MergeOne call, for callers
// that report per-row merge results (e.g. crsqlctl changes push).
type Applied struct {
	Won   bool
	Stale bool
}

// MergeOne applies one incoming Change Record inside tx, following
// spec.md §4.H:
//  1. locate the table via the Table Info Cache
//  2. decode the pk_blob
//  3. compare causal length against the row's current incarnation
//  4. resolve the conflict against the row's current clock record
//  5. on a win: write the value (or apply the delete/pk-only sentinel)
//     with the Sync Bit set, then record the clock record verbatim
//  6. advance the local db_version counter to at least the incoming one
//  7. record the remote site's high-water mark in the Peer Tracker,
//     whether or not this particular record won
func MergeOne(ctx context.Context, tx *sql.Tx, cache *tableinfo.Cache, state *engine.State, tracker *peers.Tracker, rec Record) (Applied, error) {
	info, err := cache.Get(ctx, rec.Table)
	if err != nil {
		return Applied{}, errs.New(errs.KindUnknownTable, "changes.MergeOne", rec.Table, err)
	}

	pkVals, err := clock.DecodePK(rec.PK, info)
	if err != nil {
		return Applied{}, err
	}

	tracker.Observe(rec.SiteID, rec.DBVersion)

	storedCL, hasStored, err := clock.ReadCL(ctx, tx, info, pkVals)
	if err != nil {
		return Applied{}, err
	}
	if hasStored && rec.CL < storedCL {
		return Applied{Stale: true}, nil
	}

	local, err := clock.ReadOne(ctx, tx, info, pkVals, rec.Cid)
	if err != nil {
		return Applied{}, err
	}
	localClock := resolve.Clock{}
	if local != nil {
		localClock = resolve.Clock{ColVersion: local.ColVersion, DBVersion: local.DBVersion, SiteID: local.SiteID}
	}
	incomingClock := resolve.Clock{ColVersion: rec.ColVersion, DBVersion: rec.DBVersion, SiteID: rec.SiteID}

	newIncarnation := hasStored && rec.CL > storedCL
	win := newIncarnation || resolve.DidCidWin(state.SiteID(), incomingClock, localClock)
	if !win {
		return Applied{Won: false}, nil
	}

	err = state.WithSyncBit(func() error {
		if err := applyValue(ctx, tx, info, pkVals, rec); err != nil {
			return err
		}
		return clock.SetRemote(ctx, tx, info, pkVals, rec.Cid, rec.ColVersion, rec.DBVersion, rec.SiteID, rec.Seq, rec.CL)
	})
	if err != nil {
		return Applied{}, err
	}

	state.NextDBVersion(rec.DBVersion)

	return Applied{Won: true}, nil
}

func applyValue(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, pkVals []value.Value, rec Record) error {
	switch rec.Cid {
	case clock.DeleteSentinel:
		return deleteRow(ctx, tx, info, pkVals)
	case clock.PKOnlySentinel:
		return upsertPKOnly(ctx, tx, info, pkVals)
	default:
		return upsertColumn(ctx, tx, info, pkVals, rec.Cid, rec.Val)
	}
}

func pkWhereAndArgs(info *tableinfo.Info, pkVals []value.Value) (string, []any) {
	var clauses []string
	args := make([]any, 0, len(pkVals))
	for i, c := range info.PKCols {
		clauses = append(clauses, fmt.Sprintf("%q = ?", c.Name))
		args = append(args, pkVals[i].Driver())
	}
	return strings.Join(clauses, " AND "), args
}

func deleteRow(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, pkVals []value.Value) error {
	where, args := pkWhereAndArgs(info, pkVals)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %s`, info.Table, where), args...); err != nil {
		return errs.New(errs.KindIORetry, "changes.deleteRow", info.Table, err)
	}
	return nil
}

func upsertPKOnly(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, pkVals []value.Value) error {
	var names, placeholders []string
	args := make([]any, 0, len(pkVals))
	for i, c := range info.PKCols {
		names = append(names, fmt.Sprintf("%q", c.Name))
		placeholders = append(placeholders, "?")
		args = append(args, pkVals[i].Driver())
	}
	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
		info.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(names, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "changes.upsertPKOnly", info.Table, err)
	}
	return nil
}

func upsertColumn(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, pkVals []value.Value, col string, val value.Value) error {
	var pkNames, pkPlaceholders, conflictCols []string
	args := make([]any, 0, len(pkVals)+1)
	for i, c := range info.PKCols {
		pkNames = append(pkNames, fmt.Sprintf("%q", c.Name))
		pkPlaceholders = append(pkPlaceholders, "?")
		conflictCols = append(conflictCols, fmt.Sprintf("%q", c.Name))
		args = append(args, pkVals[i].Driver())
	}
	args = append(args, val.Driver())

	stmt := fmt.Sprintf(`
		INSERT INTO %q (%s, %q) VALUES (%s, ?)
		ON CONFLICT (%s) DO UPDATE SET %q = excluded.%q
	`, info.Table, strings.Join(pkNames, ", "), col, strings.Join(pkPlaceholders, ", "),
		strings.Join(conflictCols, ", "), col, col)

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errs.New(errs.KindIORetry, "changes.upsertColumn", info.Table, err)
	}
	return nil
}
