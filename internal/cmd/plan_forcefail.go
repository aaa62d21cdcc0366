package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPlanForceFailCommand immediately marks a running node as failed,
// best-effort killing its process.
func NewPlanForceFailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force-fail <plan-id> <node-id>",
		Short: "Force a node to fail immediately",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPathFlag(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.loadPlan(args[0]); err != nil {
				return err
			}
			if err := a.runner.ForceFailNode(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "force-failed node %s of plan %s\n", args[1], args[0])
			return nil
		},
	}
}
