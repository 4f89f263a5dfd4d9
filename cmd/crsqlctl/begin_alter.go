package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var beginAlterCmd = &cobra.Command{
	Use:     "begin-alter <table>",
	GroupID: "lifecycle",
	Short:   "Drop a CRR table's triggers ahead of a schema migration",
	Long: `Drop table's generated triggers so a schema migration (ALTER TABLE,
column add/drop/rename) can run without firing spurious clock stamps.

Always pair this with 'crsqlctl commit-alter <table>' once the migration's
DDL has completed, even if the migration fails, or the table is left
without triggers and stops tracking changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		table := args[0]
		if err := e.BeginAlter(ctx, table); err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]any{"table": table, "triggers_dropped": true})
		} else {
			fmt.Printf("dropped triggers on %q; run your migration, then commit-alter\n", table)
		}
		return nil
	},
}
