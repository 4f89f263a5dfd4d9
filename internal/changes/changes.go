// Package changes is the Changes Virtual Table (components G and H): a
// read cursor that produces Change Records for already-applied writes,
// ordered by (db_version, seq) as spec.md §4.G requires, and a merge
// writer that applies incoming Change Records from a remote site
// following the seven-step algorithm of spec.md §4.H.
package changes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/crsql-go/crsql/internal/clock"
	"github.com/crsql-go/crsql/internal/dbx"
	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/pk"
	"github.com/crsql-go/crsql/internal/tableinfo"
	"github.com/crsql-go/crsql/internal/value"
)

// Record is one wire Change Record, per spec.md §6.
type Record struct {
	Table      string
	PK         []byte
	Cid        string
	Val        value.Value
	ColVersion int64
	DBVersion  int64
	SiteID     []byte
	CL         int64
	Seq        int64
}

// ReadChanges returns every Change Record across tables whose db_version
// is >= minDBVersion, excluding records originated by any site in
// excludeSiteIDs, ordered by (db_version, seq) ascending.
func ReadChanges(ctx context.Context, db dbx.Conn, tables map[string]*tableinfo.Info, minDBVersion int64, excludeSiteIDs [][]byte) ([]Record, error) {
	var all []Record
	for _, info := range tables {
		recs, err := readChangesForTable(ctx, db, info, minDBVersion, excludeSiteIDs)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].DBVersion != all[j].DBVersion {
			return all[i].DBVersion < all[j].DBVersion
		}
		return all[i].Seq < all[j].Seq
	})
	return all, nil
}

func readChangesForTable(ctx context.Context, db dbx.Conn, info *tableinfo.Info, minDBVersion int64, excludeSiteIDs [][]byte) ([]Record, error) {
	tbl := clock.TableName(info.Table)

	var caseWhen strings.Builder
	caseWhen.WriteString("CASE c.__crsql_col_name")
	for _, c := range info.NonPKCols {
		fmt.Fprintf(&caseWhen, " WHEN %q THEN u.%q", c.Name, c.Name)
	}
	caseWhen.WriteString(" ELSE NULL END")

	var joinOn []string
	var pkSelect []string
	pkTextAffinity := make([]bool, len(info.PKCols))
	for i, c := range info.PKCols {
		joinOn = append(joinOn, fmt.Sprintf("c.%q = u.%q", c.Name, c.Name))
		pkSelect = append(pkSelect, fmt.Sprintf("c.%q", c.Name))
		pkTextAffinity[i] = value.IsTextAffinity(c.Type)
	}
	colTextAffinity := make(map[string]bool, len(info.NonPKCols))
	for _, c := range info.NonPKCols {
		colTextAffinity[c.Name] = value.IsTextAffinity(c.Type)
	}

	where := []string{"c.__crsql_db_version >= ?"}
	args := []any{minDBVersion}
	for _, s := range excludeSiteIDs {
		where = append(where, "(c.__crsql_site_id IS NULL OR c.__crsql_site_id != ?)")
		args = append(args, s)
	}

	query := fmt.Sprintf(`
		SELECT %s, c.__crsql_col_name, %s, c.__crsql_col_version, c.__crsql_db_version, c.__crsql_site_id, c.__crsql_cl, c.__crsql_seq
		FROM %q c
		LEFT JOIN %q u ON %s
		WHERE %s
		ORDER BY c.__crsql_db_version ASC, c.__crsql_seq ASC
	`, strings.Join(pkSelect, ", "), caseWhen.String(), tbl, info.Table, strings.Join(joinOn, " AND "), strings.Join(where, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.KindIORetry, "changes.ReadChanges", info.Table, err)
	}
	defer rows.Close()

	var out []Record
	pkCount := len(info.PKCols)
	for rows.Next() {
		scanDest := make([]any, 0, pkCount+6)
		pkRaw := make([]any, pkCount)
		for i := range pkRaw {
			scanDest = append(scanDest, &pkRaw[i])
		}
		var cid string
		var valRaw any
		var colVersion, dbVersion, cl, seq int64
		var siteID []byte
		scanDest = append(scanDest, &cid, &valRaw, &colVersion, &dbVersion, &siteID, &cl, &seq)

		if err := rows.Scan(scanDest...); err != nil {
			return nil, errs.New(errs.KindIORetry, "changes.ReadChanges", info.Table, err)
		}

		pkVals := make([]value.Value, pkCount)
		for i, raw := range pkRaw {
			var v value.Value
			var err error
			if pkTextAffinity[i] {
				v, err = value.FromDriverText(raw)
			} else {
				v, err = value.FromDriver(raw)
			}
			if err != nil {
				return nil, errs.New(errs.KindMalformed, "changes.ReadChanges", info.Table, err)
			}
			pkVals[i] = v
		}
		var val value.Value
		var err error
		if colTextAffinity[cid] {
			val, err = value.FromDriverText(valRaw)
		} else {
			val, err = value.FromDriver(valRaw)
		}
		if err != nil {
			return nil, errs.New(errs.KindMalformed, "changes.ReadChanges", info.Table, err)
		}

		out = append(out, Record{
			Table:      info.Table,
			PK:         pk.Encode(pkVals),
			Cid:        cid,
			Val:        val,
			ColVersion: colVersion,
			DBVersion:  dbVersion,
			SiteID:     siteID,
			CL:         cl,
			Seq:        seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindIORetry, "changes.ReadChanges", info.Table, err)
	}
	return out, nil
}
