package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/executor"
	"github.com/taskhub/taskhub/internal/worker"
)

func workerCmd() *cobra.Command {
	var configPath string
	var workerID string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process: dispatch leased runs and execute them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			if workerID == "" {
				hostname, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
			}

			ctx, cancel := signalContext()
			defer cancel()

			exec := executor.New(a.Store, a.Registry, config.ExpandHome(a.Config.DataDir), workerID)
			w, err := worker.New(ctx, worker.Config{
				Store:           a.Store,
				Executor:        exec,
				WorkerID:        workerID,
				LeaseDuration:   a.Config.LeaseDuration,
				PollInterval:    a.Config.DispatchPollInterval,
				Concurrency:     concurrency,
				HeartbeatPeriod: a.Config.WorkerHeartbeatPeriod,
			})
			if err != nil {
				return fmt.Errorf("start worker: %w", err)
			}

			w.Start(ctx)
			<-ctx.Done()
			w.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (default: hostname-random)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "max runs this process executes concurrently")
	return cmd
}
