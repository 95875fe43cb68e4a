// Package main is the entry point for the sandbox API server. It loads
// configuration, registers the isolation backends, and hands off to
// internal/server.
package main

import (
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/executor"
	"github.com/binhtrongg/python-sandbox/internal/executor/docker"
	"github.com/binhtrongg/python-sandbox/internal/executor/firecracker"
	"github.com/binhtrongg/python-sandbox/internal/server"
	"github.com/binhtrongg/python-sandbox/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("failed to create data directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, fileProvider, err := buildStorage(cfg, logger)
	if err != nil {
		logger.Error("failed to set up storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Backends are registered as constructors and built lazily: a host
	// without KVM still serves requests through Docker, and vice versa.
	registry := executor.NewRegistry(logger)
	registry.Register("docker", func() (executor.Backend, error) {
		return docker.New(cfg.Docker, cfg.Limits, store, logger)
	})
	registry.Register("firecracker", func() (executor.Backend, error) {
		return firecracker.New(cfg.Firecracker, cfg.Limits, store, logger)
	})

	factory := executor.NewFactory(registry, cfg.Executor.Provider, cfg.FallbackProviders(), logger)

	srv, err := server.New(cfg, factory, store, fileProvider, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildStorage wires the local file provider when storage is enabled. The
// manager treats a nil provider as the disabled mode.
func buildStorage(cfg *config.Config, logger *slog.Logger) (*storage.Manager, *storage.LocalProvider, error) {
	if !cfg.Storage.Enabled {
		return storage.NewManager(nil, logger), nil, nil
	}

	secret := []byte(cfg.Storage.URLSecret)
	if len(secret) == 0 {
		// URLs signed with a throwaway secret stop working on restart,
		// which is acceptable for the default setup.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, err
		}
	}

	provider, err := storage.NewLocalProvider(cfg.Storage.Root, cfg.Storage.BaseURL, secret)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewManager(provider, logger), provider, nil
}
