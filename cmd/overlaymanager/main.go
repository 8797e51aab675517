// Command overlaymanager owns the overlay composer described in spec.md
// §4.7, answering setupMount and teardownMount requests over the bus.
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
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
	"hostfleet/internal/overlay"
	"hostfleet/internal/task"
)

const moduleName = "overlayManager"

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
	composer := overlay.NewComposer(locks, logger, cfg.OverlayUnmountRetryBudget)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingSub := bus.ServePing(b, moduleName, startedAt)
	defer pingSub.Stop()

	reqSub := b.Subscribe(moduleName+".setupMount", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed setupMount request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		instanceID := env.GetString("instanceId")
		if !config.ValidIdentifier(gameID) || !config.ValidIdentifier(instanceID) {
			sup.ValidationError(env, "gameId and instanceId are required and must match [A-Za-z0-9_-]+")
			return
		}
		layerIdent := env.GetString("layerIdent")
		if layerIdent != "" && !config.ValidIdentifier(layerIdent) {
			sup.ValidationError(env, "layerIdent must match [A-Za-z0-9_-]+")
			return
		}

		instanceRoot := cfg.ServerFilesRootDir
		req := overlay.MountRequest{
			GameID:       gameID,
			InstanceID:   instanceID,
			BaseDir:      filepath.Join(instanceRoot, "base", gameID),
			ConfigLayers: configLayerDirs(instanceRoot, instanceID, layerIdent),
			PersistDir:   filepath.Join(instanceRoot, "persist", gameID, instanceID),
			WorkDir:      filepath.Join(instanceRoot, "workdir", gameID, instanceID),
			MountPoint:   filepath.Join(instanceRoot, "merged", gameID, instanceID),
		}

		if composer.IsMounted(gameID, instanceID) {
			_ = b.Publish(bus.ReplyTopic(env.ReplyTo, bus.SubNack), map[string]any{
				"requestId":      env.RequestID,
				"replyTo":        env.ReplyTo,
				"message":        "alreadyMounted",
				"alreadyMounted": true,
			})
			return
		}

		go sup.Execute(ctx, task.Params{
			Key:               "globalInstance-" + gameID + "-" + instanceID,
			Env:               env,
			GlobalLock:        "globalInstance-" + gameID + "-" + instanceID,
			GlobalLockTimeout: config.DefaultLockTimeout,
			Work: func(workCtx context.Context, rec *task.Record) *task.Failure {
				if err := composer.Mount(workCtx, req); err != nil {
					return task.NewFailure(task.KindExternalToolError, "mounting overlay", err)
				}
				rec.EmitOutput(fmt.Sprintf("mounted overlay at %s", req.MountPoint))
				return nil
			},
		})
	})
	defer reqSub.Stop()

	teardownSub := b.Subscribe(moduleName+".teardownMount", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed teardownMount request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		instanceID := env.GetString("instanceId")
		if !config.ValidIdentifier(gameID) || !config.ValidIdentifier(instanceID) {
			sup.ValidationError(env, "gameId and instanceId are required and must match [A-Za-z0-9_-]+")
			return
		}

		if !composer.IsMounted(gameID, instanceID) {
			_ = b.Publish(bus.ReplyTopic(env.ReplyTo, bus.SubNack), map[string]any{
				"requestId":  env.RequestID,
				"replyTo":    env.ReplyTo,
				"message":    "notMounted",
				"notMounted": true,
			})
			return
		}

		go sup.Execute(ctx, task.Params{
			Key:               "globalInstance-" + gameID + "-" + instanceID,
			Env:               env,
			GlobalLock:        "globalInstance-" + gameID + "-" + instanceID,
			GlobalLockTimeout: config.DefaultLockTimeout,
			Work: func(workCtx context.Context, rec *task.Record) *task.Failure {
				if err := composer.Unmount(workCtx, gameID, instanceID); err != nil {
					return task.NewFailure(task.KindExternalToolError, "unmounting overlay", err)
				}
				rec.EmitOutput(fmt.Sprintf("unmounted overlay for game %s instance %s", gameID, instanceID))
				return nil
			},
		})
	})
	defer teardownSub.Stop()

	logger.Info("overlayManager ready", logging.Int("pid", os.Getpid()))
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight tasks")

	// Composer.Unmount retries for up to cfg.OverlayUnmountRetryBudget before
	// giving up, so the watchdog must cover that budget plus the usual
	// force-exit margin or it fires mid-unmount-retry.
	shutdownBudget := cfg.OverlayUnmountRetryBudget + config.DefaultForceExitWatchdog
	forceExit := time.AfterFunc(shutdownBudget, func() {
		logger.Warn("force-exit watchdog fired")
		os.Exit(1)
	})
	defer forceExit.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancelDrain()
	sup.Drain(drainCtx, 0)
}

// configLayerDirs resolves the ordered config layer directories for one
// mount. The path convention matches configmanager's downloadUpdateRepo
// checkout location (config/<instanceId>[/<layerIdent>]), which never
// threads gameId through since one repo checkout serves one instance.
// layerIdent, when set, names the single layer downloadGameConfig most
// recently populated; spec.md §4.7 allows any number of ordered layers, so
// a future multi-layer CLI could extend this list.
func configLayerDirs(root, instanceID, layerIdent string) []string {
	if layerIdent == "" {
		return []string{filepath.Join(root, "config", instanceID)}
	}
	return []string{filepath.Join(root, "config", instanceID, layerIdent)}
}
