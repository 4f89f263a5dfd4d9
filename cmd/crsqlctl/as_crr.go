package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var asCRRCmd = &cobra.Command{
	Use:     "as-crr <table>",
	GroupID: "lifecycle",
	Aliases: []string{"promote"},
	Short:   "Promote a plain table to a conflict-free replicated relation",
	Long: `Promote table to a CRR: create its clock shadow table and triggers,
and backfill clock records for every row that already exists.

After this, every insert/update/delete against table stamps per-column
clock metadata, and the row becomes visible to PullChanges/PushChanges.`,
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
		if err := e.AsCRR(ctx, table); err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]any{"table": table, "promoted": true})
		} else {
			fmt.Printf("promoted %q to a CRR\n", table)
		}
		return nil
	},
}
