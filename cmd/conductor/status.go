package main

import (
	"github.com/spf13/cobra"

	"conductor/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cross-workspace dashboard summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			sum, err := o.GetDashboardSummary()
			if err != nil {
				return err
			}
			return printJSON(sum)
		})
	},
}
