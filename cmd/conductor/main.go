package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/orchestrator"
)

var (
	// Global flags
	cfgPath   string
	workspace string
	debug     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - multi-agent task orchestrator",
	Long: `conductor manages fleets of LLM agents working on phased tasks.

Agents run as subprocesses inside tmux sessions, report progress and
findings back through the orchestrator, and advance tasks phase by
phase through automatic peer review.`,
	SilenceUsage: true,
}

// loadConfig resolves configuration from file, env, and flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	if workspace != "" {
		cfg.WorkspaceBase = workspace
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// withOrchestrator runs fn against a fully wired orchestrator and
// closes it afterwards.
func withOrchestrator(fn func(*orchestrator.Orchestrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	o, err := orchestrator.New(cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace base directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(taskCmd, agentCmd, phaseCmd, reviewCmd, daemonCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
