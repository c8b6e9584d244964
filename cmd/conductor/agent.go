package main

import (
	"github.com/spf13/cobra"

	"conductor/internal/orchestrator"
	"conductor/internal/query"
	"conductor/internal/stream"
)

var (
	agentTaskID    string
	agentType      string
	agentPrompt    string
	agentParent    string
	agentPhase     int
	agentStatusVal string
	agentMessage   string
	agentProgress  int
	agentFType     string
	agentSeverity  string
	agentReason    string
	outputFormat   string
	outputMaxBytes int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Spawn, report for, and inspect agents",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn an agent into a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			req := orchestrator.SpawnAgentRequest{
				TaskID:    agentTaskID,
				AgentType: agentType,
				Prompt:    agentPrompt,
				Parent:    agentParent,
			}
			if cmd.Flags().Changed("phase") {
				req.PhaseIndex = &agentPhase
			}
			a, err := o.SpawnAgent(req)
			if err != nil {
				return err
			}
			return printJSON(a)
		})
	},
}

var agentProgressCmd = &cobra.Command{
	Use:   "progress <agent-id>",
	Short: "Record a progress self-report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			res, err := o.UpdateAgentProgress(orchestrator.UpdateAgentProgressRequest{
				TaskID:   agentTaskID,
				AgentID:  args[0],
				Status:   agentStatusVal,
				Message:  agentMessage,
				Progress: agentProgress,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var agentFindingCmd = &cobra.Command{
	Use:   "finding <agent-id>",
	Short: "Record a finding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			return o.ReportAgentFinding(orchestrator.ReportAgentFindingRequest{
				TaskID:   agentTaskID,
				AgentID:  args[0],
				Type:     agentFType,
				Severity: agentSeverity,
				Message:  agentMessage,
			})
		})
	},
}

var agentKillCmd = &cobra.Command{
	Use:   "kill <agent-id>",
	Short: "Force-terminate an agent and clean up its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			report, err := o.KillAgent(orchestrator.KillAgentRequest{
				AgentID: args[0], Reason: agentReason,
			})
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Show an agent with its findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			snap, err := o.GetAgent(args[0], query.AgentOptions{IncludeFindings: true})
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var agentOutputCmd = &cobra.Command{
	Use:   "output <agent-id>",
	Short: "Retrieve an agent's stream log under truncation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			out, err := o.GetAgentOutput(args[0], stream.Format(outputFormat), outputMaxBytes)
			if err != nil {
				return err
			}
			return printJSON(out)
		})
	},
}

func init() {
	agentCmd.PersistentFlags().StringVarP(&agentTaskID, "task", "t", "", "task id")

	agentSpawnCmd.Flags().StringVar(&agentType, "type", "builder", "agent type")
	agentSpawnCmd.Flags().StringVar(&agentPrompt, "prompt", "", "agent task prompt (required)")
	agentSpawnCmd.Flags().StringVar(&agentParent, "parent", "", "parent agent id")
	agentSpawnCmd.Flags().IntVar(&agentPhase, "phase", 0, "phase index (defaults to current)")
	agentSpawnCmd.MarkFlagRequired("prompt")

	agentProgressCmd.Flags().StringVar(&agentStatusVal, "status", "working", "status value")
	agentProgressCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "progress message")
	agentProgressCmd.Flags().IntVar(&agentProgress, "progress", 0, "progress percent")

	agentFindingCmd.Flags().StringVar(&agentFType, "type", "insight", "finding type")
	agentFindingCmd.Flags().StringVar(&agentSeverity, "severity", "medium", "severity")
	agentFindingCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "finding message")

	agentKillCmd.Flags().StringVar(&agentReason, "reason", "", "kill reason")

	agentOutputCmd.Flags().StringVar(&outputFormat, "format", "recent", "recent|full|compact|summary")
	agentOutputCmd.Flags().IntVar(&outputMaxBytes, "max-bytes", 0, "byte budget")

	agentCmd.AddCommand(agentSpawnCmd, agentProgressCmd, agentFindingCmd,
		agentKillCmd, agentGetCmd, agentOutputCmd)
}
