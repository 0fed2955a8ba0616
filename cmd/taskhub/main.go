// Command taskhub is the single binary that runs every TaskHub process
// role: the control-plane API, a worker, the reaper, and the cron
// scheduler, plus task/run/cron management subcommands that call
// straight into the control plane (no RPC hop — standalone CLI, no
// managed gateway mode).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskhub",
		Short: "TaskHub: single-node task execution platform",
	}
	cmd.AddCommand(apiCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(reaperCmd())
	cmd.AddCommand(schedulerCmd())
	cmd.AddCommand(taskCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(cronCmd())
	return cmd
}
