// Package schemawatch is a supplemented feature (SPEC_FULL.md): it
// watches a SQLite database file (and its -wal/-journal siblings) for
// writes made by processes other than this one, and invalidates the
// Table Info Cache so the next lookup re-reads PRAGMA table_info rather
// than trusting a schema that may have drifted out from under it.
package schemawatch

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/logging"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

// Watcher ties an fsnotify watch on a database file to a Table Info
// Cache's invalidation.
type Watcher struct {
	fsw      *fsnotify.Watcher
	cache    *tableinfo.Cache
	debounce time.Duration
	done     chan struct{}
}

// New starts watching dbPath (and dbPath-wal / dbPath-journal, which is
// where SQLite actually lands most writes under WAL mode) for changes.
func New(dbPath string, cache *tableinfo.Cache, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.New(errs.KindIOFatal, "schemawatch.New", "", err)
	}
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-journal"} {
		// Ignore errors adding sidecar files that may not exist yet; the
		// main db file must exist for New to be called at all.
		_ = fsw.Add(p)
	}

	w := &Watcher{fsw: fsw, cache: cache, debounce: debounce, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	log := logging.For("schemawatch")
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					log.Debug("external write detected, invalidating table info cache")
					w.cache.Invalidate()
				})
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
