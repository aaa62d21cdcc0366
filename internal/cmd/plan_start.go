package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/conductor/internal/executor"
)

// NewPlanStartCommand starts a previously submitted plan and blocks until it
// reaches a terminal state, printing each node transition as it happens.
// There is no daemon: the pump that schedules nodes runs inside this one
// process for the lifetime of the command.
func NewPlanStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <plan-id>",
		Short: "Start a submitted plan and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanStart(cmd, args[0])
		},
	}
}

func runPlanStart(cmd *cobra.Command, planID string) error {
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

	fileLog, err := a.attachFileLogger(planID)
	if err != nil {
		return err
	}
	if fileLog != nil {
		defer fileLog.Close()
	}

	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.runner.Start(planID); err != nil {
		return fmt.Errorf("start plan: %w", err)
	}

	return blockUntilTerminal(cmd.OutOrStdout(), a, planID, events, sigChan)
}

// blockUntilTerminal waits for planID to reach a terminal state, printing
// each node transition as it arrives on events, and cancels the plan on
// SIGINT/SIGTERM rather than leaving it running unattended.
func blockUntilTerminal(out io.Writer, a *app, planID string, events <-chan executor.Event, sigChan <-chan os.Signal) error {
	if plan, ok := a.runner.Plan(planID); ok && plan.EndedAt != nil {
		return printPlanOutcome(out, a, planID)
	}

	for {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\nreceived interrupt, canceling plan...")
			if err := a.runner.Cancel(planID); err != nil {
				return err
			}
			return printPlanOutcome(out, a, planID)

		case ev, ok := <-events:
			if !ok {
				return printPlanOutcome(out, a, planID)
			}
			if ev.PlanID != planID {
				continue
			}
			switch ev.Kind {
			case executor.EventNodeStarted:
				fmt.Fprintf(out, "node %s: started\n", ev.NodeID)
			case executor.EventNodeCompleted:
				if ev.Success {
					fmt.Fprintf(out, "node %s: succeeded\n", ev.NodeID)
				} else {
					fmt.Fprintf(out, "node %s: failed\n", ev.NodeID)
				}
			case executor.EventPlanCompleted:
				return printPlanOutcome(out, a, planID)
			}
		}
	}
}
