package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var commitAlterCmd = &cobra.Command{
	Use:     "commit-alter <table>",
	GroupID: "lifecycle",
	Short:   "Reinstall triggers after a schema migration and compact stale clock rows",
	Long: `Reinstall table's triggers against its current (post-migration) schema,
then delete clock records for any column that no longer exists.

Run this after the migration's DDL has completed, following a prior
'crsqlctl begin-alter <table>'.`,
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
		removed, err := e.CommitAlter(ctx, table)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]any{"table": table, "stale_rows_removed": removed})
		} else {
			fmt.Printf("reinstalled triggers on %q, removed %d stale clock row(s)\n", table, removed)
		}
		return nil
	},
}

var compactionPlanCmd = &cobra.Command{
	Use:     "compaction-plan <table>",
	GroupID: "lifecycle",
	Short:   "Report what a compaction pass would remove, without removing it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		plan, err := e.CompactionPlan(ctx, args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(plan)
		} else {
			fmt.Printf("%q: %d stale clock row(s) would be removed\n", plan.Table, plan.StaleColumnRows)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactionPlanCmd)
}
