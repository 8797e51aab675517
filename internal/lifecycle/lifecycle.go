// Package lifecycle implements the coordinator from spec.md §4.9: it drives
// downloadManager, configManager, overlayManager, and gameManager through
// one fixed composition sequence and maps the outcome to a process exit
// code.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
)

// Exit codes, per spec.md §6.
const (
	ExitSuccess            = 0
	ExitSelfLockFailed     = 1
	ExitReadinessTimeout   = 2
	ExitDownloadFailed     = 3
	ExitConfigFailed       = 4
	ExitOverlayMountFailed = 5
	ExitAlreadyMounted     = 6
)

// Module-readiness timeouts, per spec.md §5: 30s in general, except
// downloadManager at startup, which gets 60s.
const (
	downloadReadinessTimeout = 60 * time.Second
	configReadinessTimeout   = 30 * time.Second
)

// Request parameterizes one lifecycle run.
type Request struct {
	GameID     string
	InstanceID string
	RepoURL    string
	RepoDir    string
	LayerIdent string
}

// Coordinator drives the lifecycle sequence against a shared bus and lock
// directory.
type Coordinator struct {
	b     *bus.Bus
	locks *lock.Service
	log   *logging.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(b *bus.Bus, locks *lock.Service, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Coordinator{b: b, locks: locks, log: log}
}

// Run executes the composition steps from spec.md §4.9 and returns a
// process exit code: it never returns a Go error, mirroring the "drivers
// never throw to the bus loop" convention of every other component — this
// one throws to an exit code instead.
func (c *Coordinator) Run(ctx context.Context, req Request) int {
	lockName := fmt.Sprintf("lifecycleManager-%s-%s", req.GameID, req.InstanceID)
	handle, err := c.locks.Acquire(lockName)
	if err != nil {
		c.log.Error("lifecycle self-lock failed", logging.String("lock", lockName), logging.Error(err))
		return ExitSelfLockFailed
	}
	defer handle.Release()

	selfModule := fmt.Sprintf("lifecycleManager-%s-%s", req.GameID, req.InstanceID)

	downloadCtx, cancelDownload := context.WithTimeout(ctx, downloadReadinessTimeout)
	defer cancelDownload()
	if _, err := bus.WaitForModule(downloadCtx, c.b, selfModule, "downloadManager"); err != nil {
		c.log.Error("downloadManager did not become ready", logging.Error(err))
		return ExitReadinessTimeout
	}
	if err := c.runDownload(ctx, selfModule, req); err != nil {
		c.log.Error("downloadUpdateGame failed", logging.Error(err))
		return ExitDownloadFailed
	}

	configCtx, cancelConfig := context.WithTimeout(ctx, configReadinessTimeout)
	defer cancelConfig()
	if _, err := bus.WaitForModule(configCtx, c.b, selfModule, "configManager"); err != nil {
		c.log.Error("configManager did not become ready", logging.Error(err))
		return ExitReadinessTimeout
	}
	if err := c.runConfig(ctx, selfModule, req); err != nil {
		c.log.Error("downloadUpdateRepo failed", logging.Error(err))
		return ExitConfigFailed
	}

	if err := c.runOverlay(ctx, selfModule, req); err != nil {
		if isAlreadyMounted(err) {
			c.log.Error("overlay already mounted", logging.Error(err))
			return ExitAlreadyMounted
		}
		c.log.Error("overlay mount failed", logging.Error(err))
		return ExitOverlayMountFailed
	}

	if err := c.runGame(ctx, selfModule, req); err != nil {
		c.log.Error("game process exited abnormally", logging.Error(err))
		return ExitSuccess // per spec.md §9: game termination is not a lifecycle failure
	}
	return ExitSuccess
}

func (c *Coordinator) runDownload(ctx context.Context, selfModule string, req Request) error {
	env := bus.NewEnvelope(selfModule, map[string]any{"gameId": req.GameID})
	_, err := bus.SendRequest(ctx, c.b, "downloadManager.downloadGame", env)
	return err
}

func (c *Coordinator) runConfig(ctx context.Context, selfModule string, req Request) error {
	env := bus.NewEnvelope(selfModule, map[string]any{
		"instanceId": req.InstanceID,
		"repoUrl":    req.RepoURL,
		"repoDir":    req.RepoDir,
	})
	_, err := bus.SendRequest(ctx, c.b, "configManager.downloadUpdateRepo", env)
	return err
}

func (c *Coordinator) runOverlay(ctx context.Context, selfModule string, req Request) error {
	env := bus.NewEnvelope(selfModule, map[string]any{
		"gameId":     req.GameID,
		"instanceId": req.InstanceID,
		"layerIdent": req.LayerIdent,
	})
	_, err := bus.SendRequest(ctx, c.b, "overlayManager.setupMount", env)
	return err
}

func (c *Coordinator) runGame(ctx context.Context, selfModule string, req Request) error {
	env := bus.NewEnvelope(selfModule, map[string]any{
		"gameId":     req.GameID,
		"instanceId": req.InstanceID,
	})
	_, err := bus.SendRequest(ctx, c.b, "gameManager.start", env)
	return err
}

func isAlreadyMounted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "alreadyMounted")
}
