package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/stores"
)

// runHistory is one journaled run with its results, as printed by history.
type runHistory struct {
	stores.Run `yaml:",inline"`
	Results    []*stores.ResourceResult `json:"results,omitempty" yaml:"results,omitempty"`
}

func newHistoryCommand(flags *globalFlags, _ buildInfo) *cobra.Command {
	var (
		limit  int
		offset int
		path   string
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs",
		Long: `List the runs recorded in the journal, newest first, as YAML (or JSON
with --json). Given a run ID, show that run with every resource result.
With --path, show the most recent results for one destination.`,
		Example: `  converge history --limit 5
  converge history 3f6c1d0e-8a4b-4e0f-9d55-0c1b2a7e9f10 --json
  converge history --path /etc/sudoers.d/10-deploy
  converge history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("the run journal is disabled (set journal.enabled)")
			}

			store, err := openStore(ctx, cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			emit := func(v any) error {
				if flags.jsonOutput {
					return printJSON(out, v)
				}
				return printYAML(out, v)
			}

			switch {
			case prune > 0:
				n, err := store.PruneRuns(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d run(s)\n", n)
				return nil

			case path != "":
				results, err := store.ListResultsByPath(ctx, path, limit)
				if err != nil {
					return err
				}
				return emit(results)

			case len(args) == 1:
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				return emit(runHistory{Run: *run, Results: results})

			default:
				runs, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				return emit(runs)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().StringVar(&path, "path", "", "show results for one destination")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this age")
	return cmd
}
