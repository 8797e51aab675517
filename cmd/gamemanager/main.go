// Command gamemanager owns the game process supervisor described in
// spec.md §4.8, answering start requests over the bus.
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
	"hostfleet/internal/game"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
	"hostfleet/internal/task"
)

const moduleName = "gameManager"

func main() {
	startedAt := time.Now()

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

	sup := task.NewSupervisor(moduleName, b, locks, logger)
	driver := game.NewDriver(locks, logger, cfg.GameTerminateGrace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingSub := bus.ServePing(b, moduleName, startedAt)
	defer pingSub.Stop()

	reqSub := b.Subscribe(moduleName+".start", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed start request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		instanceID := env.GetString("instanceId")
		if !config.ValidIdentifier(gameID) || !config.ValidIdentifier(instanceID) {
			sup.ValidationError(env, "gameId and instanceId are required and must match [A-Za-z0-9_-]+")
			return
		}

		req := game.RunRequest{
			GameID:       gameID,
			InstanceID:   instanceID,
			MergedBinDir: filepath.Join(cfg.ServerFilesRootDir, "merged", gameID, instanceID),
		}

		go sup.Execute(ctx, task.Params{
			Key:               "running-" + gameID + "-" + instanceID,
			Env:               env,
			GlobalLock:        "running-" + gameID + "-" + instanceID,
			GlobalLockTimeout: config.DefaultLockTimeout,
			Work: func(workCtx context.Context, rec *task.Record) *task.Failure {
				return driver.Execute(workCtx, rec, cfg.ServerFilesRootDir, req)
			},
		})
	})
	defer reqSub.Stop()

	terminateSub := b.Subscribe(moduleName+".terminate", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed terminate request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		instanceID := env.GetString("instanceId")
		if !config.ValidIdentifier(gameID) || !config.ValidIdentifier(instanceID) {
			sup.ValidationError(env, "gameId and instanceId are required and must match [A-Za-z0-9_-]+")
			return
		}
		driver.Terminate(gameID, instanceID)
	})
	defer terminateSub.Stop()

	logger.Info("gameManager ready", logging.Int("pid", os.Getpid()))
	<-ctx.Done()
	logger.Info("shutdown signal received, terminating all running game processes")

	// TerminateAll can legitimately take up to cfg.GameTerminateGrace per
	// instance waiting out its own SIGTERM grace window, so the watchdog
	// must cover that plus the usual force-exit margin, not just the margin
	// alone — otherwise a game that is exiting cleanly within its documented
	// grace window gets the whole process hard-killed out from under it.
	shutdownBudget := cfg.GameTerminateGrace + config.DefaultForceExitWatchdog
	forceExit := time.AfterFunc(shutdownBudget, func() {
		logger.Warn("force-exit watchdog fired")
		os.Exit(1)
	})
	defer forceExit.Stop()

	driver.TerminateAll()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancelDrain()
	sup.Drain(drainCtx, 0)
}
