package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"conductor/internal/orchestrator"
)

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Inspect and manually gate phases",
}

func phaseArg(args []string) (string, *int, error) {
	taskID := args[0]
	if len(args) < 2 {
		return taskID, nil, nil
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return "", nil, fmt.Errorf("phase index %q is not a number", args[1])
	}
	return taskID, &idx, nil
}

var phaseGetCmd = &cobra.Command{
	Use:   "get <task-id> <phase-index>",
	Short: "Show one phase with its agents and review",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("phase index %q is not a number", args[1])
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			snap, err := o.GetPhase(args[0], idx)
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var phaseApproveCmd = &cobra.Command{
	Use:   "approve <task-id> [phase-index]",
	Short: "Manually approve a phase",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, idx, err := phaseArg(args)
		if err != nil {
			return err
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			next, err := o.ApprovePhase(orchestrator.PhaseRequest{TaskID: taskID, PhaseIndex: idx})
			if err != nil {
				return err
			}
			if next < 0 {
				fmt.Println("approved; no further phases")
			} else {
				fmt.Printf("approved; phase %d now active\n", next)
			}
			return nil
		})
	},
}

var phaseRejectCmd = &cobra.Command{
	Use:   "reject <task-id> [phase-index]",
	Short: "Manually reject a phase into revision",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, idx, err := phaseArg(args)
		if err != nil {
			return err
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			if err := o.RejectPhase(orchestrator.PhaseRequest{TaskID: taskID, PhaseIndex: idx}); err != nil {
				return err
			}
			fmt.Println("rejected; phase is revising")
			return nil
		})
	},
}

var reviewReason string

var phaseRequestReviewCmd = &cobra.Command{
	Use:   "request-review <task-id> [phase-index]",
	Short: "Submit a phase for review without waiting for its agents",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, idx, err := phaseArg(args)
		if err != nil {
			return err
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			if err := o.RequestPhaseReview(orchestrator.RequestPhaseReviewRequest{
				TaskID: taskID, PhaseIndex: idx, Reason: reviewReason,
			}); err != nil {
				return err
			}
			fmt.Println("phase submitted for review")
			return nil
		})
	},
}

var (
	handoverSummary    string
	handoverFindings   []string
	handoverRecommends []string
	handoverArtifacts  []string
)

var phaseHandoverCmd = &cobra.Command{
	Use:   "handover <task-id> [phase-index]",
	Short: "Submit an agent-authored handover for a phase",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, idx, err := phaseArg(args)
		if err != nil {
			return err
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			h, err := o.SubmitPhaseHandover(orchestrator.SubmitPhaseHandoverRequest{
				TaskID:          taskID,
				PhaseIndex:      idx,
				Summary:         handoverSummary,
				KeyFindings:     handoverFindings,
				Recommendations: handoverRecommends,
				Artifacts:       handoverArtifacts,
			})
			if err != nil {
				return err
			}
			return printJSON(h)
		})
	},
}

var phaseContextCmd = &cobra.Command{
	Use:   "context <task-id> [phase-index]",
	Short: "Show the handover context an incoming agent would receive",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, idx, err := phaseArg(args)
		if err != nil {
			return err
		}
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			hc, err := o.GetHandoverContext(orchestrator.PhaseRequest{TaskID: taskID, PhaseIndex: idx})
			if err != nil {
				return err
			}
			return printJSON(hc)
		})
	},
}

func init() {
	phaseRequestReviewCmd.Flags().StringVar(&reviewReason, "reason", "", "why review is requested now")

	phaseHandoverCmd.Flags().StringVarP(&handoverSummary, "summary", "s", "", "handover summary (required)")
	phaseHandoverCmd.Flags().StringArrayVar(&handoverFindings, "finding", nil, "key finding (repeatable)")
	phaseHandoverCmd.Flags().StringArrayVar(&handoverRecommends, "recommend", nil, "recommendation (repeatable)")
	phaseHandoverCmd.Flags().StringArrayVar(&handoverArtifacts, "artifact", nil, "artifact path (repeatable)")
	phaseHandoverCmd.MarkFlagRequired("summary")

	phaseCmd.AddCommand(phaseGetCmd, phaseApproveCmd, phaseRejectCmd,
		phaseRequestReviewCmd, phaseHandoverCmd, phaseContextCmd)
}
