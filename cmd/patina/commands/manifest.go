package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/patina/patina/pkg/policy"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect capability manifests",
	}
	cmd.AddCommand(newManifestCheckCommand())
	return cmd
}

func newManifestCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <manifest>",
		Short: "Validate a capability manifest",
		Long: `Load a capability manifest, validate its rules, and compile any
embedded Rego qualifiers. The manifest is rejected exactly as the
policy gate would reject it at run start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

			loader := policy.NewLoader(logger)
			manifest, err := loader.Load(path)
			if err != nil {
				return fmt.Errorf("manifest invalid: %w", err)
			}
			if _, err := policy.NewGate(manifest, logger); err != nil {
				return fmt.Errorf("manifest rejected: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d allow, %d deny rules)\n",
				path, len(manifest.Allow), len(manifest.Deny))
			return nil
		},
	}
}
