package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/httpapi"
)

func apiCmd() *cobra.Command {
	var configPath, host string
	var port int
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the control-plane HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			if host == "" {
				host = a.Config.APIHost
			}
			if port == 0 {
				port = a.Config.APIPort
			}
			addr := fmt.Sprintf("%s:%d", host, port)

			srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(a.ControlPlane)}

			ctx, cancel := signalContext()
			defer cancel()

			watcher, err := config.NewWatcher(config.ExpandHome(a.Config.TaskDefinitionsDir))
			if err != nil {
				return fmt.Errorf("watch task definitions: %w", err)
			}
			watcher.OnChange(func() {
				if err := a.Registry.Discover(); err != nil {
					slog.Error("reload task definitions failed", "error", err)
					return
				}
				if err := a.Registry.SyncToStore(ctx, a.Store); err != nil {
					slog.Error("sync reloaded task definitions failed", "error", err)
				}
			})
			if err := watcher.Start(); err != nil {
				return fmt.Errorf("start task definitions watcher: %w", err)
			}
			defer watcher.Stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			slog.Info("api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskhub.yaml", "path to config file")
	cmd.Flags().StringVar(&host, "host", "", "listen host (default: config value)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: config value)")
	return cmd
}
