package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/config"
	httpapi "github.com/dr1rrb/ha-twinkly/internal/http"
	"github.com/dr1rrb/ha-twinkly/internal/logging"
	"github.com/dr1rrb/ha-twinkly/internal/manager"
	"github.com/dr1rrb/ha-twinkly/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	hub := httpapi.NewHub(logger)
	go hub.Run(ctx)

	mgr := manager.New(repo, hub, logger)
	defer mgr.Close()

	if err := mgr.Apply(ctx, cfg.Devices); err != nil {
		logger.Error("failed to start device trackers", "err", err)
		os.Exit(1)
	}
	logger.Info("device trackers started", "devices", len(cfg.Devices))

	go runInventoryRefresh(ctx, cfg, mgr, logger)

	api := httpapi.New(mgr, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// runInventoryRefresh re-reads the device inventory on an interval so edits
// are picked up without a restart. Only a successfully parsed file is
// applied; a missing or broken file keeps the current devices running.
func runInventoryRefresh(ctx context.Context, cfg config.Config, mgr *manager.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ConfigRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inventory, err := config.LoadDevices(cfg.DevicesPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logger.Warn("device inventory reload failed", "err", err)
				}
				continue
			}
			if err := mgr.Apply(ctx, inventory.Normalized()); err != nil {
				logger.Warn("device inventory apply failed", "err", err)
			}
		}
	}
}
