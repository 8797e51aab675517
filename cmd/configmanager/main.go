// Command configmanager owns the VCS (repo) driver described in spec.md
// §4.6, answering downloadUpdateRepo requests over the bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/config"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
	"hostfleet/internal/repo"
	"hostfleet/internal/task"
)

const moduleName = "configManager"

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
	driver := repo.NewDriver(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingSub := bus.ServePing(b, moduleName, startedAt)
	defer pingSub.Stop()

	reqSub := b.Subscribe(moduleName+".downloadUpdateRepo", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			logger.Warn("discarding malformed downloadUpdateRepo request", logging.Error(err))
			return
		}
		instanceID := env.GetString("instanceId")
		repoURL := env.GetString("repoUrl")
		if !config.ValidIdentifier(instanceID) || repoURL == "" {
			sup.ValidationError(env, "instanceId (matching [A-Za-z0-9_-]+) and repoUrl are required")
			return
		}
		layerIdent := env.GetString("layerIdent")
		if layerIdent != "" && !config.ValidIdentifier(layerIdent) {
			sup.ValidationError(env, "layerIdent must match [A-Za-z0-9_-]+")
			return
		}
		rootDir := env.GetString("rootDirectory")
		if rootDir == "" {
			rootDir = cfg.ServerFilesRootDir
		}
		repoDir := env.GetString("repoDir")
		if repoDir == "" {
			repoDir = configCheckoutDir(rootDir, instanceID, layerIdent)
		}
		action := repo.ActionClone
		if env.GetString("action") == string(repo.ActionPull) {
			action = repo.ActionPull
		}
		req := repo.RunRequest{
			InstanceID: instanceID,
			RepoURL:    repoURL,
			RepoDir:    repoDir,
			Branch:     env.GetString("repoBranch"),
			Action:     action,
			Clean:      env.GetBool("clean"),
			SSHKeyPath: env.GetString("sshKeyPath"),
		}
		// configMount is named "configMount-<gameId>-<instanceId>"; the repo
		// driver only ever sees instanceId, so the wait pattern matches any
		// gameId for this instance, per spec.md §4.6's precondition.
		configMountPattern := "^configMount-.+-" + regexp.QuoteMeta(instanceID) + "$"
		go sup.Execute(ctx, task.Params{
			Key:               "repoDownload-" + instanceID,
			Env:               env,
			GlobalLock:        "repoDownload-" + instanceID,
			GlobalLockTimeout: config.DefaultLockTimeout,
			WaitFor: []task.WaitSpec{
				{Pattern: configMountPattern, Timeout: config.DefaultLockTimeout},
			},
			Work: func(workCtx context.Context, rec *task.Record) *task.Failure {
				return driver.Execute(workCtx, rec, req)
			},
		})
	})
	defer reqSub.Stop()

	logger.Info("configManager ready", logging.Int("pid", os.Getpid()))
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight tasks")

	forceExit := time.AfterFunc(config.DefaultForceExitWatchdog, func() {
		logger.Warn("force-exit watchdog fired")
		os.Exit(1)
	})
	defer forceExit.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), config.DefaultForceExitWatchdog)
	defer cancelDrain()
	sup.Drain(drainCtx, 0)
}

// configCheckoutDir resolves the VCS checkout location for an instance's
// config layer, matching overlaymanager's configLayerDirs convention.
func configCheckoutDir(root, instanceID, layerIdent string) string {
	if layerIdent == "" {
		return filepath.Join(root, "config", instanceID)
	}
	return filepath.Join(root, "config", instanceID, layerIdent)
}
