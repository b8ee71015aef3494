package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patina/patina/pkg/engine"
)

func newRunCommand(version string) *cobra.Command {
	var (
		approveAllFlag bool
		template       string
		maxWorkers     int
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan and execute a goal",
		Long: `Plan a goal into a DAG of execution units and run it to completion.

This command:
  - Drafts and validates a plan against the capability manifest
  - Executes the DAG in isolated sandbox workers
  - Inserts approval gates before mutating nodes
  - Re-plans on recoverable failures within the replan budget
  - Prints the reduced run summary`,
		Example: `  # Run an inline Starlark script
  patina run 'summary = "done"' --template inline

  # Run without approval prompts
  patina run "rotate the staging credentials" --approve-all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goal := strings.TrimSpace(args[0])

			var approver engine.Approver
			if approveAllFlag {
				approver = approveAll{}
			} else {
				approver = promptApprover{in: os.Stdin, out: cmd.OutOrStdout()}
			}

			a, err := buildApp(ctx, version, approver, false)
			if err != nil {
				return err
			}
			defer a.Close()

			c := a.profile.Constraints
			c.Template = template
			if maxWorkers > 0 {
				c.MaxWorkers = maxWorkers
			}

			runID, err := a.orchestrator.Start(ctx, goal, c)
			if err != nil {
				return err
			}
			a.logger.Info().Str("run", runID).Msg("run started")

			summary, err := a.orchestrator.Wait(ctx, runID)
			if err != nil {
				return err
			}
			if err := printSummary(cmd, summary); err != nil {
				return err
			}
			if summary.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s %s", runID, summary.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&approveAllFlag, "approve-all", false, "approve all gated nodes without prompting")
	cmd.Flags().StringVar(&template, "template", "", "use a deterministic plan template")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "override max parallel sandbox workers")

	return cmd
}

func printSummary(cmd *cobra.Command, summary *engine.RunSummary) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(out, "Run:       %s\n", summary.RunID)
	fmt.Fprintf(out, "Status:    %s\n", summary.Status)
	fmt.Fprintf(out, "Nodes:     %d total, %d succeeded, %d failed, %d skipped\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
	fmt.Fprintf(out, "Tool calls: %d\n", summary.ToolCalls)
	if summary.Error != nil {
		fmt.Fprintf(out, "Error:     %s\n", summary.Error.Error())
	}
	if summary.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", summary.Summary)
	}
	for _, art := range summary.Artifacts {
		fmt.Fprintf(out, "Artifact:  %s (%s, %d bytes)\n", art.URI, art.ContentType, art.Size)
	}
	return nil
}
