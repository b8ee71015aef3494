package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(version string) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Long: `Show a run's persisted summary, node results, and optionally its
event trace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			a, err := buildApp(ctx, version, denyAll{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			results, err := a.store.ListNodeResults(ctx, runID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				payload := map[string]any{
					"summary": summary,
					"results": results,
				}
				if events {
					trace, err := a.store.ListEvents(ctx, runID)
					if err != nil {
						return err
					}
					payload["events"] = trace
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}

			if err := printSummary(cmd, summary); err != nil {
				return err
			}
			if len(results) > 0 {
				fmt.Fprintln(out, "\nNode results:")
				for _, r := range results {
					line := fmt.Sprintf("  %-24s %-10s attempts=%d", r.NodeID, r.Status, r.Attempts)
					if r.Error != nil {
						line += " error=" + r.Error.Code
					}
					fmt.Fprintln(out, line)
				}
			}
			if events {
				trace, err := a.store.ListEvents(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "\nEvents:")
				for _, ev := range trace {
					line := fmt.Sprintf("  %s %-16s", ev.CreatedAt.Format("15:04:05.000"), ev.Kind)
					if ev.NodeID != "" {
						line += " node=" + ev.NodeID
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the run event trace")

	return cmd
}

func newRunsCommand(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, version, denyAll{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			fmt.Fprintf(out, "%-36s  %-10s  %-19s  %s\n", "RUN", "STATUS", "STARTED", "NODES")
			for _, run := range runs {
				fmt.Fprintf(out, "%-36s  %-10s  %-19s  %d/%d ok\n",
					run.RunID, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Succeeded, run.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}
