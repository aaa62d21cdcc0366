package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/conductor/internal/logger"
	"github.com/harrison/conductor/internal/models"
)

// NewPlanWatchCommand tails a plan's progress. If the plan is running in a
// different conductor process there is no shared in-memory Bus to
// subscribe to, so this polls the persisted snapshot and prints only the
// node statuses that changed since the previous poll.
func NewPlanWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <plan-id>",
		Short: "Poll a plan's persisted state and print status changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			return runPlanWatch(cmd, args[0], interval)
		},
	}
	cmd.Flags().Duration("interval", 2*time.Second, "polling interval")
	return cmd
}

func runPlanWatch(cmd *cobra.Command, planID string, interval time.Duration) error {
	a, err := newApp(configPathFlag(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	last := map[string]models.NodeStatus{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.loadPlan(planID); err != nil {
			return err
		}
		plan, _ := a.runner.Plan(planID)
		_, sm, err := a.runner.Lookup(planID)
		if err != nil {
			return err
		}

		for id, state := range plan.NodeStates {
			if last[id] == state.Status {
				continue
			}
			last[id] = state.Status
			node := plan.Nodes[id]
			fmt.Fprintf(out, "node %s: %s\n", node.Name, colorizeNodeStatus(state.Status))
		}

		bar := logger.NewProgressBar(len(plan.NodeStates), 20, true)
		bar.SetPrefix(fmt.Sprintf("plan %s ", plan.ID))
		bar.Update(countTerminalNodes(plan.NodeStates))
		fmt.Fprintln(out, bar.Render())

		if plan.EndedAt != nil {
			fmt.Fprintf(out, "plan %s: %s\n", plan.ID, colorizePlanStatus(sm.DerivePlanStatus()))
			return nil
		}

		select {
		case <-sigChan:
			return nil
		case <-ticker.C:
		}
	}
}

func countTerminalNodes(states map[string]*models.NodeExecutionState) int {
	n := 0
	for _, state := range states {
		if state.Status.IsTerminal() {
			n++
		}
	}
	return n
}
