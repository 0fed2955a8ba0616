package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect registered tasks",
	}
	cmd.AddCommand(taskListCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks discovered from the task definitions directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			tasks, err := a.Store.ListTasks(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "TASK ID\tNAME\tVERSION\tENABLED\tCONCURRENCY\n")
			for _, t := range tasks {
				limit := "unlimited"
				if t.ConcurrencyLimit != nil {
					limit = fmt.Sprintf("%d", *t.ConcurrencyLimit)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", t.TaskID, t.Name, t.Version, t.IsEnabled, limit)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}
