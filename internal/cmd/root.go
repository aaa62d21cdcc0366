package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates and returns the root cobra command for conductor.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-agent code-change orchestrator",
		Long: `Conductor executes a plan of code-change jobs as a DAG of isolated git
worktrees, running each job through a prechecks / work / postchecks pipeline,
merging its result into a shared target branch, and auto-healing failures by
resuming the coding agent with the failure context attached.

Plans are authored as YAML, submitted once, then started, watched, paused,
resumed, or individually retried/force-failed node by node.`,
		Version:      Version,
		SilenceUsage: true,
	}

	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage and run plans",
	}
	plan.AddCommand(NewPlanValidateCommand())
	plan.AddCommand(NewPlanSubmitCommand())
	plan.AddCommand(NewPlanStartCommand())
	plan.AddCommand(NewPlanStatusCommand())
	plan.AddCommand(NewPlanWatchCommand())
	plan.AddCommand(NewPlanCancelCommand())
	plan.AddCommand(NewPlanPauseCommand())
	plan.AddCommand(NewPlanResumeCommand())
	plan.AddCommand(NewPlanRetryCommand())
	plan.AddCommand(NewPlanForceFailCommand())

	root.AddCommand(plan)
	root.PersistentFlags().String("config", "", "path to config file (default: .conductor/config.yaml)")

	return root
}

func configPathFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("config")
	return defaultConfigPath(v)
}
