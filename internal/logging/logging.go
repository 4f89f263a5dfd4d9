// Package logging builds the process-wide slog root logger used by every
// component, following the teacher's pattern of a single debug logger
// threaded through the storage layer by component name.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.Mutex
	root *slog.Logger
)

// Options configures the root logger. A zero value logs JSON to stderr at
// Info level.
type Options struct {
	FilePath   string // if set, logs are written here with rotation
	MaxSizeMB  int    // lumberjack MaxSize, default 50
	MaxBackups int    // lumberjack MaxBackups, default 5
	Level      slog.Level
}

// Init configures the root logger. Safe to call once at process startup;
// subsequent calls replace the root logger (used by tests that want a
// buffer sink).
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 5
		}
		w = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     28,
			Compress:   true,
		}
	}

	root = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: opts.Level,
	}))
}

// For returns a child logger tagged with the given component name. If Init
// has not been called, a default stderr logger is used.
func For(component string) *slog.Logger {
	mu.Lock()
	l := root
	mu.Unlock()
	if l == nil {
		l = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return l.With("component", component)
}
