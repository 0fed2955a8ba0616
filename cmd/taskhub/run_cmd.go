package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskhub/taskhub/internal/store"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit, inspect, and cancel runs",
	}
	cmd.AddCommand(runSubmitCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runGetCmd())
	cmd.AddCommand(runCancelCmd())
	return cmd
}

func runSubmitCmd() *cobra.Command {
	var configPath, paramsJSON string
	cmd := &cobra.Command{
		Use:   "submit [task_id]",
		Short: "Submit a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			run, err := a.ControlPlane.SubmitRun(cmd.Context(), args[0], json.RawMessage(paramsJSON))
			if err != nil {
				return err
			}
			fmt.Printf("Submitted run %s (status=%s)\n", run.RunID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	cmd.Flags().StringVar(&paramsJSON, "params", "{}", "run params as a JSON object")
	return cmd
}

func runListCmd() *cobra.Command {
	var configPath, taskID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			runs, err := a.ControlPlane.ListRuns(cmd.Context(), store.ListRunsFilter{
				TaskID: taskID, Status: store.RunStatus(status), Limit: limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "RUN ID\tTASK\tSTATUS\tEXIT\tCREATED\n")
			for _, r := range runs {
				exit := "-"
				if r.ExitCode != nil {
					exit = fmt.Sprintf("%d", *r.ExitCode)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.TaskID, r.Status, exit, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task_id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runGetCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "get [run_id]",
		Short: "Show one run's full detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			run, err := a.ControlPlane.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("RunID:      %s\n", run.RunID)
			fmt.Printf("Task:       %s (version %s)\n", run.TaskID, run.TaskVersion)
			fmt.Printf("Status:     %s\n", run.Status)
			fmt.Printf("Workdir:    %s\n", run.Workdir)
			fmt.Printf("Duration:   %s\n", run.Duration())
			if run.Error != "" {
				fmt.Printf("Error:      %s\n", run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "cancel [run_id]",
		Short: "Request cancellation of a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			if err := a.ControlPlane.CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for run %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}
