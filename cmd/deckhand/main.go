package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deckhand-ai/deckhand/pkg/catalog/sqlite"
	"github.com/deckhand-ai/deckhand/pkg/config"
	"github.com/deckhand-ai/deckhand/pkg/sandbox/podman"
	"github.com/deckhand-ai/deckhand/pkg/server"
)

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	dataDir := os.Getenv("DECKHAND_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("Failed to resolve home directory", "error", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".deckhand")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.New(cfg.DBPath())
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// The hub is the progress sink; the UI subscribes over a websocket.
	hub := server.NewHub()

	manager := podman.NewManager(podman.Config{
		MachineName:    cfg.Machine.Name,
		BaseImage:      cfg.Machine.BaseImage,
		DataDir:        cfg.DataDir,
		LogDir:         cfg.Sandbox.LogDir,
		HealthTimeout:  cfg.HealthTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	}, store, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bring the machine up and start every installed tool server. The
	// signal context aborts a long install or image pull on shutdown.
	go func() {
		report, err := manager.Start(ctx)
		if err != nil {
			slog.Error("Sandbox startup failed", "error", err)
			return
		}
		for _, f := range report.Failures {
			slog.Error("Tool server failed to start", "name", f.Name, "reason", f.Reason)
		}
	}()

	srv := server.New(store, store, manager, hub)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Sandbox shutdown failed", "error", err)
	}
}
