// Command lifecycle drives the composition sequence described in spec.md
// §4.9: download, config, overlay, and game, in order, against GAME_ID and
// INSTANCE_ID read from the environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/config"
	"hostfleet/internal/lifecycle"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
)

const moduleName = "lifecycleManager"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(moduleName, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.RequireLifecycleIDs(); err != nil {
		logger.Fatal("invalid lifecycle configuration", logging.Error(err))
	}

	locks, err := lock.New(cfg.LockDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize lock service", logging.Error(err))
	}
	defer func() { _ = locks.Close() }()

	b, err := bus.New(cfg.BusDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize message bus", logging.Error(err))
	}
	defer func() { _ = b.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator := lifecycle.NewCoordinator(b, locks, logger)

	// config/<instanceId> (no gameId): one repo checkout serves one instance,
	// matching configmanager's own default configCheckoutDir and
	// overlaymanager's configLayerDirs.
	repoDir := filepath.Join(cfg.ServerFilesRootDir, "config", cfg.InstanceID)
	req := lifecycle.Request{
		GameID:     cfg.GameID,
		InstanceID: cfg.InstanceID,
		RepoURL:    cfg.ServerConfigRepo,
		RepoDir:    repoDir,
	}

	logger.Info("lifecycle starting",
		logging.String("gameId", cfg.GameID),
		logging.String("instanceId", cfg.InstanceID),
	)

	code := coordinator.Run(ctx, req)

	logger.Info("lifecycle finished", logging.Int("exitCode", code))

	if ctx.Err() != nil {
		// SIGINT/SIGTERM arrived mid-sequence; give in-flight cleanup a brief
		// moment before os.Exit.
		time.Sleep(50 * time.Millisecond)
	}
	os.Exit(code)
}
