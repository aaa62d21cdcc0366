package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harrison/conductor/internal/executor"
	"github.com/harrison/conductor/internal/models"
)

// NewPlanSubmitCommand builds a PlanInstance from a YAML plan file,
// persists it, and prints its ID. The plan does not start running.
func NewPlanSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <plan.yaml>",
		Short: "Parse and register a plan without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanSubmit(cmd, args[0])
		},
	}
	cmd.Flags().String("repo-path", "", "override the plan's repo_path")
	return cmd
}

func runPlanSubmit(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	var spec models.PlanSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse plan file: %w", err)
	}

	if repoPath, _ := cmd.Flags().GetString("repo-path"); repoPath != "" {
		spec.RepoPath = repoPath
	}

	a, err := newApp(configPathFlag(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.runner.Enqueue(&spec, executor.BuildOptions{})
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "submitted plan %s (%d job(s))\n", plan.ID, len(plan.Nodes))
	return nil
}
