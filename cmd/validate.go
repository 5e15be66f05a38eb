/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"

	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/cobra"
)

// validateCmd checks the stored graph for missing references, cycles and
// hierarchy violations.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the dependency graph and task hierarchy",
	Long:  "Checks every stored task for missing dependencies, cycles and hierarchy limits. Returns non-zero on errors; warnings are reported but do not fail.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			violations, err := a.manager.ValidateAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("validate tasks: %w", err)
			}

			errorsFound := 0
			for _, v := range violations {
				if v.Severity == types.SeverityError {
					errorsFound++
				}
			}

			if isJSON() {
				if violations == nil {
					violations = []types.Violation{}
				}
				if err := printJSON(cmd.OutOrStdout(), map[string]any{"valid": errorsFound == 0, "violations": violations}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				if len(violations) == 0 {
					fmt.Fprintln(out, "No issues found.")
				}
				for _, v := range violations {
					fmt.Fprintf(out, "%-7s %s\n", v.Severity, v)
				}
			}
			if errorsFound > 0 {
				return fmt.Errorf("%w: %d errors", errValidationFailed, errorsFound)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
