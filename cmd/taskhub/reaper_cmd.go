package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskhub/taskhub/internal/executor"
	"github.com/taskhub/taskhub/internal/reaper"
)

func reaperCmd() *cobra.Command {
	var configPath string
	var intervalSeconds int
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Run the reaper: reclaim runs abandoned by dead workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			interval := a.Config.ReaperInterval
			if intervalSeconds > 0 {
				interval = time.Duration(intervalSeconds) * time.Second
			}

			r := reaper.New(reaper.Config{
				Store:     a.Store,
				Interval:  interval,
				Grace:     a.Config.ReaperGrace,
				WorkerTTL: a.Config.WorkerDeadTimeout,
				KillGroup: executor.KillProcessGroup,
			})

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Println("reaper running, interval", interval, "grace", a.Config.ReaperGrace)
			r.Start(ctx)
			<-ctx.Done()
			r.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	cmd.Flags().IntVar(&intervalSeconds, "interval", 0, "reap loop interval in seconds (default: config value)")
	return cmd
}
