package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/conductor/internal/executor"
	"github.com/harrison/conductor/internal/models"
)

// NewPlanRetryCommand re-queues a failed node, optionally swapping in a new
// shell command or agent instructions and/or clearing its worktree.
func NewPlanRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <plan-id> <node-id>",
		Short: "Retry a failed node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanRetry(cmd, args[0], args[1])
		},
	}
	cmd.Flags().String("command", "", "replace the node's work with this shell command")
	cmd.Flags().String("instructions", "", "replace the node's work with agent instructions")
	cmd.Flags().Bool("clear-worktree", false, "reset the node's worktree to its base commit before retrying")
	cmd.Flags().Bool("resume-session", true, "resume the node's prior agent session if one exists")
	return cmd
}

func runPlanRetry(cmd *cobra.Command, planID, nodeID string) error {
	a, err := newApp(configPathFlag(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadPlan(planID); err != nil {
		return err
	}

	opts := executor.RetryOptions{}

	if command, _ := cmd.Flags().GetString("command"); command != "" {
		opts.NewWork = &models.WorkSpec{Kind: models.WorkShell, Command: command}
	}
	if instructions, _ := cmd.Flags().GetString("instructions"); instructions != "" {
		opts.NewWork = &models.WorkSpec{Kind: models.WorkAgent, Instructions: instructions}
	}
	if clear, _ := cmd.Flags().GetBool("clear-worktree"); clear {
		opts.ClearWorktree = true
	}
	if cmd.Flags().Changed("resume-session") {
		resume, _ := cmd.Flags().GetBool("resume-session")
		opts.ResumeSession = &resume
	}

	if err := a.runner.RetryNode(planID, nodeID, opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "retrying node %s of plan %s\n", nodeID, planID)
	return nil
}
