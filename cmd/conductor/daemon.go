package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conductor/internal/orchestrator"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and control the health daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator with the health daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			if err := o.StartDaemon(); err != nil {
				return err
			}
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			o.StopDaemon()
			return nil
		})
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			return printJSON(o.DaemonStatus())
		})
	},
}

var daemonScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one immediate health scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			if err := o.StartDaemon(); err != nil {
				return err
			}
			o.ScanNow()
			o.StopDaemon()
			return printJSON(o.DaemonStatus())
		})
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd, daemonStatusCmd, daemonScanCmd)
}
