package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewPlanResumeCommand resumes a paused plan and blocks until it finishes,
// the same way plan start does.
func NewPlanResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <plan-id>",
		Short: "Resume a paused plan and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanResume(cmd, args[0])
		},
	}
}

func runPlanResume(cmd *cobra.Command, planID string) error {
	a, err := newApp(configPathFlag(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadPlan(planID); err != nil {
		return err
	}
	plan, _ := a.runner.Plan(planID)
	if err := a.preflightAgentCLI(plan); err != nil {
		return err
	}

	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.runner.Resume(planID); err != nil {
		return fmt.Errorf("resume plan: %w", err)
	}

	return blockUntilTerminal(cmd.OutOrStdout(), a, planID, events, sigChan)
}
