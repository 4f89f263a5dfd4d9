package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crsql-go/crsql/internal/config"
	"github.com/crsql-go/crsql/internal/schemawatch"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "lifecycle",
	Short:   "Watch the database file for schema drift from other processes",
	Long: `Watch the database file (and its -wal/-journal siblings) for writes
made by processes other than this one, invalidating the Table Info Cache's
schema-version watermark as soon as a change is seen instead of waiting for
the next lazy check.

This is diagnostic/standalone use of internal/schemawatch: it prints one
line when watching starts and runs until interrupted; each cache
invalidation is logged at debug level, not printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		w, err := schemawatch.New(resolveDBPath(), e.Cache(), config.GetDuration("schema-watch.debounce"))
		if err != nil {
			return err
		}
		defer w.Close()

		fmt.Printf("watching %s for external schema changes, ctrl-c to stop\n", resolveDBPath())

		sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
