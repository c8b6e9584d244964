package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conductor/internal/orchestrator"
	"conductor/internal/query"
	"conductor/internal/types"
)

var (
	taskDescription string
	taskPriority    string
	taskPhasesFile  string
	taskStatus      string
	taskLimit       int
	taskGlobal      bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

// taskPlanFile is the YAML phase plan accepted by task create.
type taskPlanFile struct {
	Phases []orchestrator.PhaseSpec `yaml:"phases"`
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task from a description and a phase plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		var phases []orchestrator.PhaseSpec
		if taskPhasesFile != "" {
			data, err := os.ReadFile(taskPhasesFile)
			if err != nil {
				return fmt.Errorf("read phase plan: %w", err)
			}
			var plan taskPlanFile
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("parse phase plan: %w", err)
			}
			phases = plan.Phases
		}
		if len(phases) == 0 {
			phases = []orchestrator.PhaseSpec{{Name: "implementation"}}
		}

		cwd, _ := os.Getwd()
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			task, err := o.CreateTask(orchestrator.CreateTaskRequest{
				Description: taskDescription,
				Priority:    taskPriority,
				Phases:      phases,
				CreatorCwd:  cwd,
			})
			if err != nil {
				return err
			}
			return printJSON(task)
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			tasks, err := o.ListTasks(query.ListOptions{
				Status:        types.TaskStatus(taskStatus),
				Limit:         taskLimit,
				IncludeGlobal: taskGlobal,
			})
			if err != nil {
				return err
			}
			return printJSON(tasks)
		})
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a full task snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			snap, err := o.GetTask(args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var taskReconcileCmd = &cobra.Command{
	Use:   "reconcile <task-id>",
	Short: "Replay a task's event files into the state store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			if err := o.Reconcile(args[0]); err != nil {
				return err
			}
			fmt.Println("reconciled", args[0])
			return nil
		})
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "task description (required)")
	taskCreateCmd.Flags().StringVarP(&taskPriority, "priority", "p", "P2", "priority (P0..P3)")
	taskCreateCmd.Flags().StringVar(&taskPhasesFile, "phases", "", "YAML phase plan file")
	taskCreateCmd.MarkFlagRequired("description")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "max tasks")
	taskListCmd.Flags().BoolVar(&taskGlobal, "global", false, "include tasks from other workspaces")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskReconcileCmd)
}
