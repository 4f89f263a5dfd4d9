package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/crsql-go/crsql"
	"github.com/crsql-go/crsql/internal/config"
	"github.com/crsql-go/crsql/internal/logging"
)

// outputJSON writes v to stdout as indented JSON, exiting the process on
// a marshal failure since that can only mean a programming error.
func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "crsqlctl: encoding JSON output: %v\n", err)
		os.Exit(1)
	}
}

// openEngine configures logging from the resolved config and opens the
// database at resolveDBPath(), guarding first-time site id generation with
// a lock file beside the database (siteid.Load waits up to 10s for it).
func openEngine(ctx context.Context) (*crsql.Engine, error) {
	logging.Init(logging.Options{
		FilePath:   config.GetString("log.file"),
		MaxSizeMB:  config.GetInt("log.max-size-mb"),
		MaxBackups: config.GetInt("log.max-backups"),
		Level:      logLevel(config.GetString("log.level")),
	})

	lockPath := resolveDBPath() + ".site-id.lock"
	return crsql.Open(ctx, resolveDBPath(), crsql.WithSiteIDLock(lockPath))
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
