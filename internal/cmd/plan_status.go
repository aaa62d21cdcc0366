package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/conductor/internal/models"
)

// NewPlanStatusCommand prints a plan's aggregate status and per-node table.
func NewPlanStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan's aggregate and per-node status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPathFlag(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.loadPlan(args[0]); err != nil {
				return err
			}
			if err := printPlanOutcome(cmd.OutOrStdout(), a, args[0]); err != nil {
				return err
			}

			htmlPath, _ := cmd.Flags().GetString("html")
			if htmlPath == "" {
				return nil
			}
			plan, _ := a.runner.Plan(args[0])
			fragment, err := newPlanHTMLRenderer().RenderPlanSummary(plan)
			if err != nil {
				return err
			}
			if err := os.WriteFile(htmlPath, []byte(fragment), 0o644); err != nil {
				return fmt.Errorf("write html summary: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote html summary to %s\n", htmlPath)
			return nil
		},
	}
	cmd.Flags().String("html", "", "also render an HTML plan summary fragment to this path")
	return cmd
}

func printPlanOutcome(w io.Writer, a *app, planID string) error {
	plan, ok := a.runner.Plan(planID)
	if !ok {
		return fmt.Errorf("unknown plan %s", planID)
	}
	_, sm, err := a.runner.Lookup(planID)
	if err != nil {
		return err
	}

	status := sm.DerivePlanStatus()
	fmt.Fprintf(w, "plan %s: %s\n", plan.ID, colorizePlanStatus(status))

	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := plan.Nodes[id]
		state := plan.NodeStates[id]
		fmt.Fprintf(w, "  %-24s %-12s attempts=%d", node.Name, colorizeNodeStatus(state.Status), state.Attempts)
		if state.Error != "" {
			fmt.Fprintf(w, "  error=%q", state.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func colorizePlanStatus(status models.PlanStatus) string {
	switch status {
	case models.PlanSucceeded:
		return color.New(color.FgGreen).Sprint(status)
	case models.PlanFailed, models.PlanPartial:
		return color.New(color.FgRed).Sprint(status)
	case models.PlanCanceled:
		return color.New(color.FgYellow).Sprint(status)
	case models.PlanRunning:
		return color.New(color.FgCyan).Sprint(status)
	default:
		return string(status)
	}
}

func colorizeNodeStatus(status models.NodeStatus) string {
	switch status {
	case models.StatusSucceeded:
		return color.New(color.FgGreen).Sprint(status)
	case models.StatusFailed:
		return color.New(color.FgRed).Sprint(status)
	case models.StatusRunning, models.StatusScheduled:
		return color.New(color.FgCyan).Sprint(status)
	case models.StatusCanceled:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return string(status)
	}
}
