package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPlanCancelCommand cancels every non-terminal node of a plan.
func NewPlanCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel every non-terminal node of a plan",
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
			if err := a.runner.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled plan %s\n", args[0])
			return nil
		},
	}
}
