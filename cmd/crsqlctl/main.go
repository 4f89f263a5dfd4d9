// Command crsqlctl drives the replication core from the shell: promote
// tables, protect schema migrations, and pull/push Change Records between
// two crsql-managed databases without writing any Go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crsql-go/crsql/internal/config"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"
	Build   = "dev"
)

var (
	dbPath     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "crsqlctl",
	Short:         "Manage and sync conflict-free replicated relations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(func() {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "crsqlctl: config: %v\n", err)
		}
	})

	rootCmd.AddGroup(
		&cobra.Group{ID: "lifecycle", Title: "Lifecycle:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the crsql-managed database (default: config db, or ./data.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")

	rootCmd.AddCommand(asCRRCmd)
	rootCmd.AddCommand(beginAlterCmd)
	rootCmd.AddCommand(commitAlterCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func resolveDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if p := config.GetString("db"); p != "" {
		return p
	}
	return "data.db"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crsqlctl: %v\n", err)
		os.Exit(1)
	}
}
