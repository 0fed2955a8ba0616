package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage cron jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronToggleCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			jobs, err := a.ControlPlane.ListCronJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No cron jobs configured.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tNAME\tTASK\tENABLED\tSCHEDULE\tNEXT RUN\n")
			for _, j := range jobs {
				next := "-"
				if j.NextRunAt != nil {
					next = j.NextRunAt.Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n", j.CronID, j.Name, j.TaskID, j.IsEnabled, j.CronExpression, next)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}

func cronDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete [cron_id]",
		Short: "Delete a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			if err := a.ControlPlane.DeleteCronJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted cron job %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}

func cronToggleCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "toggle [cron_id] [true|false]",
		Short: "Enable or disable a cron job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			enabled := args[1] == "true" || args[1] == "1" || args[1] == "on"
			if err := a.ControlPlane.ToggleCronJob(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("Cron job %s enabled=%v\n", args[0], enabled)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}
