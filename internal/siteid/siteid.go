// Package siteid is Site Identity (component D): allocates and persists a
// stable 16-byte site identifier per database, and implements the Site ID
// comparator used as the final conflict-resolution tiebreaker.
package siteid

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/logging"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS __crsql_siteid (site_id BLOB NOT NULL)`

// Load returns the database's site id, creating one if this is the first
// open. lockPath, when non-empty, is a filesystem path used to serialize
// the create-if-absent race between multiple processes opening the same
// database file for the first time (SQLite's own locking protects the row
// once the table exists, but table creation plus first insert is not
// itself atomic across processes without an external guard).
func Load(ctx context.Context, db *sql.DB, lockPath string) ([]byte, error) {
	log := logging.For("siteid")

	if lockPath != "" {
		fl := flock.New(lockPath)
		lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
		if err != nil {
			return nil, errs.New(errs.KindIORetry, "siteid.Load", "", err)
		}
		if locked {
			defer fl.Unlock()
		}
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, errs.New(errs.KindIOFatal, "siteid.Load", "", err)
	}

	var id []byte
	err := db.QueryRowContext(ctx, `SELECT site_id FROM __crsql_siteid LIMIT 1`).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		u, uerr := uuid.NewRandom()
		if uerr != nil {
			return nil, errs.New(errs.KindIOFatal, "siteid.Load", "", uerr)
		}
		id = u[:]
		if _, err := db.ExecContext(ctx, `INSERT INTO __crsql_siteid (site_id) VALUES (?)`, id); err != nil {
			return nil, errs.New(errs.KindIOFatal, "siteid.Load", "", err)
		}
		log.Info("generated new site id", "site_id", fmt.Sprintf("%x", id))
	case err != nil:
		return nil, errs.New(errs.KindIOFatal, "siteid.Load", "", err)
	}
	return id, nil
}

// Compare implements the Site ID comparator of spec.md §3: lexicographic
// byte order, with the longer of two unequal-length ids treated as
// greater regardless of the bytes that follow the shorter one's length.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
