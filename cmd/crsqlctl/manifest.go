package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crsql-go/crsql/internal/config"
	"github.com/crsql-go/crsql/internal/manifest"
	"github.com/crsql-go/crsql/internal/tableinfo"
)

var manifestPath string

var applyManifestCmd = &cobra.Command{
	Use:     "apply-manifest",
	GroupID: "lifecycle",
	Short:   "Promote every table listed in the replication manifest to a CRR",
	Long: `Read the replication manifest (crsql.manifest.toml by default) and
call as_crr on each table it lists, so a project's set of replicated
tables can be declared in a checked-in file and applied on deploy rather
than called out ad hoc.

Re-running against a database whose tables are already CRRs is safe but
not free: existing rows are re-stamped with fresh clock records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifestPath
		if path == "" {
			path = config.GetString("manifest")
		}

		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		if len(m.Tables) == 0 {
			if jsonOutput {
				outputJSON(map[string]any{"manifest": path, "promoted": []string{}})
			} else {
				fmt.Printf("%s: no tables listed\n", path)
			}
			return nil
		}

		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// The compatibility gate for each table is a handful of read-only
		// PRAGMA queries against the engine's one pinned connection;
		// database/sql serializes concurrent callers of a single *sql.Conn
		// automatically, so running the checks concurrently costs nothing
		// to correctness and surfaces every incompatible table at once
		// instead of one-by-one. The promotions themselves still run
		// sequentially below: each opens its own SAVEPOINT against the
		// same connection and must not interleave with another.
		var g errgroup.Group
		for _, t := range m.Tables {
			t := t
			g.Go(func() error {
				if err := tableinfo.Compatible(ctx, e.Conn(), t.Name); err != nil {
					return fmt.Errorf("apply-manifest: %s: %w", t.Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var promoted []string
		for _, t := range m.Tables {
			if err := e.AsCRR(ctx, t.Name); err != nil {
				return fmt.Errorf("apply-manifest: %s: %w", t.Name, err)
			}
			promoted = append(promoted, t.Name)
		}

		if jsonOutput {
			outputJSON(map[string]any{"manifest": path, "promoted": promoted})
		} else {
			fmt.Printf("%s: promoted %d table(s): %v\n", path, len(promoted), promoted)
		}
		return nil
	},
}

func init() {
	applyManifestCmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the replication manifest (default: config manifest, or crsql.manifest.toml)")
	rootCmd.AddCommand(applyManifestCmd)
}
