package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/controlplane"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/store/pg"
	"github.com/taskhub/taskhub/internal/store/sqlite"
)

// app bundles everything every subcommand needs after loading its config:
// an open Store, a discovered Registry synced into it, and a
// ControlPlane wired over both.
type app struct {
	Config       *config.Config
	Store        store.Store
	Registry     *registry.Registry
	ControlPlane *controlplane.ControlPlane
}

// openApp loads the config at path (or defaults, if path is empty/missing),
// opens the configured Store backend, and discovers+syncs the task
// definitions directory.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var s store.Store
	switch cfg.StoreBackend {
	case "", "sqlite":
		s, err = sqlite.Open(config.ExpandHome(cfg.SQLitePath))
	case "postgres":
		s, err = pg.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(config.ExpandHome(cfg.TaskDefinitionsDir))
	if err := reg.Discover(); err != nil {
		return nil, fmt.Errorf("discover task definitions: %w", err)
	}
	if err := reg.SyncToStore(context.Background(), s); err != nil {
		return nil, fmt.Errorf("sync task definitions: %w", err)
	}

	cp := controlplane.New(s, reg, config.ExpandHome(cfg.DataDir))
	return &app{Config: cfg, Store: s, Registry: reg, ControlPlane: cp}, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM, for the
// long-running daemon subcommands (api/worker/reaper/scheduler).
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
