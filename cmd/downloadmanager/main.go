// Command downloadmanager owns the content-delivery driver described in
// spec.md §4.5, answering downloadGame/cancelDownload requests over the bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/config"
	"hostfleet/internal/download"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
	"hostfleet/internal/task"
)

// pollForRemoval is the cadence at which cancelDownload --cleanup polls for
// the task record to disappear before removing the download directory.
const pollForRemoval = 100 * time.Millisecond

const moduleName = "downloadManager"

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
	driver := download.NewDriver(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingSub := bus.ServePing(b, moduleName, startedAt)
	defer pingSub.Stop()

	reqSub := b.Subscribe(moduleName+".downloadGame", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed downloadGame request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		if !config.ValidIdentifier(gameID) {
			sup.ValidationError(env, "gameId is required and must match [A-Za-z0-9_-]+")
			return
		}
		req := download.RunRequest{
			GameID:                gameID,
			Force:                 env.GetBool("force"),
			Validate:              env.GetBool("validate"),
			Clean:                 env.GetBool("clean"),
			SteamCmdClean:         env.GetBool("steamCmdClean"),
			Username:              env.GetString("username"),
			Password:              env.GetString("password"),
			RootDirectoryOverride: env.GetString("rootDirectory"),
		}
		// baseMount-<gameId>-.* is a mounted overlay's active reader of the
		// same base files this task is about to overwrite; §8 requires the
		// two locks never overlap, so wait for any such mount to clear.
		baseMountPattern := "^baseMount-" + regexp.QuoteMeta(gameID) + "-.*$"
		go sup.Execute(ctx, task.Params{
			Key:               "downloadGame-" + gameID,
			Env:               env,
			GlobalLock:        "downloadGame-" + gameID,
			GlobalLockTimeout: config.DefaultLockTimeout,
			WaitFor: []task.WaitSpec{
				{Pattern: baseMountPattern, Timeout: config.DefaultLockTimeout},
			},
			Work: func(workCtx context.Context, rec *task.Record) *task.Failure {
				return driver.Execute(workCtx, rec, req)
			},
		})
	})
	defer reqSub.Stop()

	cancelSub := b.Subscribe(moduleName+".cancelDownload", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed cancelDownload request", logging.Error(err))
			return
		}
		gameID := env.GetString("gameId")
		if !config.ValidIdentifier(gameID) {
			sup.ValidationError(env, "gameId is required and must match [A-Za-z0-9_-]+")
			return
		}
		key := "downloadGame-" + gameID
		if !sup.Cancel(key) {
			logger.Debug("cancelDownload had nothing in flight", logging.String("gameId", gameID))
			return
		}
		if env.GetBool("cleanup") {
			go cleanupAfterCancel(ctx, sup, driver, key, download.RunRequest{
				GameID:                gameID,
				RootDirectoryOverride: env.GetString("rootDirectory"),
			}, logger)
		}
	})
	defer cancelSub.Stop()

	listSub := b.Subscribe(moduleName+".listDownloads", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed listDownloads request", logging.Error(err))
			return
		}
		if env.ReplyTo == "" {
			return
		}
		records := sup.Records()
		games := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			entry := map[string]any{"key": rec.Key, "state": string(rec.State())}
			if p := rec.LastProgress(); p != nil {
				entry["percent"] = p.Percent
				entry["stage"] = p.Stage
			}
			games = append(games, entry)
		}
		_ = b.Publish(bus.ReplyTopic(env.ReplyTo, bus.SubFinalStatus), map[string]any{
			"requestId": env.RequestID,
			"replyTo":   env.ReplyTo,
			"reason":    "completed",
			"downloads": games,
		})
	})
	defer listSub.Stop()

	logger.Info("downloadManager ready", logging.Int("pid", os.Getpid()))
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight tasks")

	// A canceled download can take up to config.CancelGracePeriod to honor
	// SIGTERM before runOnce escalates to SIGKILL, so the watchdog must cover
	// that grace window plus the usual force-exit margin.
	shutdownBudget := config.CancelGracePeriod + config.DefaultForceExitWatchdog
	forceExit := time.AfterFunc(shutdownBudget, func() {
		logger.Warn("force-exit watchdog fired")
		os.Exit(1)
	})
	defer forceExit.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancelDrain()
	sup.Drain(drainCtx, pollForRemoval)
}

// cleanupAfterCancel waits for key's task record to disappear (the
// cancellation has finished, per spec.md §5's ≤2s cooperative-cancellation
// budget) and then removes the download directory, per the scenario 5
// "cancelDownload --cleanup" behavior in spec.md §8.
func cleanupAfterCancel(ctx context.Context, sup *task.Supervisor, driver *download.Driver, key string, req download.RunRequest, logger *logging.Logger) {
	ticker := time.NewTicker(pollForRemoval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, stillRunning := sup.Lookup(key); stillRunning {
				continue
			}
			if err := os.RemoveAll(driver.DownloadDir(req)); err != nil {
				logger.Warn("cleanup after cancelDownload failed", logging.String("key", key), logging.Error(err))
			}
			return
		}
	}
}
