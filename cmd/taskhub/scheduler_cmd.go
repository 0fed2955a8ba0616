package main

import (
	"github.com/spf13/cobra"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/cron"
)

func schedulerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the cron scheduler: fire due cron jobs as queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			svc := cron.NewService(a.Store, config.ExpandHome(a.Config.DataDir))

			ctx, cancel := signalContext()
			defer cancel()

			svc.Start(ctx)
			<-ctx.Done()
			svc.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	return cmd
}
