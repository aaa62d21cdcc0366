package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPlanPauseCommand stops a plan from scheduling new nodes; in-flight
// nodes run to completion.
func NewPlanPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <plan-id>",
		Short: "Pause a plan's scheduling",
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
			if err := a.runner.Pause(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused plan %s\n", args[0])
			return nil
		},
	}
}
