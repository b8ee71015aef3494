package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patina/patina/pkg/engine"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		template string
		dot      bool
	)

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Plan a goal without executing it",
		Long: `Draft and validate a plan for a goal, then print it.

The plan passes the same validation as an executed run: engine and
tool feasibility against the capability manifest, DAG acyclicity, and
budget checks. Nothing is executed.`,
		Example: `  # Show the plan for an inline script
  patina plan 'summary = "done"' --template inline

  # Render the DAG as Graphviz DOT
  patina plan "collect service inventories" --dot | dot -Tsvg -o plan.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goal := strings.TrimSpace(args[0])

			a, err := buildApp(ctx, version, denyAll{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			c := a.profile.Constraints
			c.Template = template

			plan, tokens, err := a.planner.Plan(ctx, goal, c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dot {
				builder := engine.NewDAGBuilder()
				if _, err := builder.BuildGraph(plan.Nodes); err != nil {
					return err
				}
				fmt.Fprint(out, builder.ToDOT())
				return nil
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			fmt.Fprintf(out, "Plan:   %s\n", plan.ID)
			fmt.Fprintf(out, "Hash:   %s\n", plan.Hash)
			fmt.Fprintf(out, "Tokens: %d\n", tokens)
			fmt.Fprintf(out, "Nodes:  %d in %d levels\n\n", len(plan.Nodes), plan.Graph.Depth)
			for _, node := range plan.Nodes {
				line := fmt.Sprintf("  %-24s engine=%s", node.ID, node.Unit.Engine)
				if node.Approval {
					line = fmt.Sprintf("  %-24s approval gate", node.ID)
				}
				if len(node.DependsOn) > 0 {
					line += " after=" + strings.Join(node.DependsOn, ",")
				}
				if node.Mutating {
					line += " [mutating]"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&template, "template", "", "use a deterministic plan template")
	cmd.Flags().BoolVar(&dot, "dot", false, "render the DAG in Graphviz DOT format")

	return cmd
}
