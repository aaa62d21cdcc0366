package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harrison/conductor/internal/executor"
	"github.com/harrison/conductor/internal/models"
)

// NewPlanValidateCommand parses and validates one or more plan files without
// registering or persisting anything, so it is safe to run repeatedly while
// authoring a plan. Exit code is non-zero if any file fails validation.
func NewPlanValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>...",
		Short: "Check plan files for validation errors without submitting them",
		Long: `Parse plan files and report problems: duplicate producer IDs,
dependencies on unknown producers, and cyclic dependencies.

Exit code is 0 if every file is valid, 1 if any file has problems.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanValidate(cmd.OutOrStdout(), args)
		},
	}
}

func runPlanValidate(out io.Writer, paths []string) error {
	anyInvalid := false
	for _, path := range paths {
		if err := validateOnePlanFile(out, path); err != nil {
			anyInvalid = true
		}
	}
	if anyInvalid {
		return errors.New("one or more plan files failed validation")
	}
	return nil
}

func validateOnePlanFile(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "%s: %s\n", path, color.RedString("could not read file: %v", err))
		return err
	}

	var spec models.PlanSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		fmt.Fprintf(out, "%s: %s\n", path, color.RedString("could not parse YAML: %v", err))
		return err
	}

	if _, err := executor.BuildPlan(&spec, executor.BuildOptions{}); err != nil {
		var verr *models.PlanValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s: %s\n", path, color.RedString("invalid (%d problem(s))", len(verr.Problems)))
			for _, p := range verr.Problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", path, color.RedString("%v", err))
		return err
	}

	fmt.Fprintf(out, "%s: %s\n", path, color.GreenString("ok"))
	return nil
}
