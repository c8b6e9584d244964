package main

import (
	"github.com/spf13/cobra"

	"conductor/internal/orchestrator"
)

var (
	verdictReviewID string
	verdictNotes    string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review operations",
}

var reviewVerdictCmd = &cobra.Command{
	Use:   "verdict <reviewer-agent-id> <approved|rejected|needs_revision>",
	Short: "Submit a reviewer verdict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			return o.SubmitReviewVerdict(orchestrator.SubmitReviewVerdictRequest{
				ReviewID:        verdictReviewID,
				ReviewerAgentID: args[0],
				Verdict:         args[1],
				Notes:           verdictNotes,
			})
		})
	},
}

func init() {
	reviewVerdictCmd.Flags().StringVar(&verdictReviewID, "review", "", "review id (resolved from roster when omitted)")
	reviewVerdictCmd.Flags().StringVarP(&verdictNotes, "notes", "n", "", "reviewer notes")
	reviewCmd.AddCommand(reviewVerdictCmd)
}
