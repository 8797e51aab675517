// Package overlay implements the overlay composer from spec.md §4.7: it
// stacks a read-only base layer, ordered read-only config layers, and a
// writable persistence layer into one merged mount point.
package overlay

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
)

// MountRequest describes one overlay composition.
type MountRequest struct {
	GameID       string
	InstanceID   string
	BaseDir      string
	ConfigLayers []string // earlier listed = lower, per spec.md §4.7
	PersistDir   string
	WorkDir      string
	MountPoint   string
}

// key identifies one tracked mount in the in-process map spec.md §4.7
// requires ("Record the mount in the in-process map keyed by
// (gameId, instanceId)").
type key struct {
	gameID     string
	instanceID string
}

// Composer owns the in-process mount table and the paired locks that guard
// each mount.
type Composer struct {
	locks *lock.Service
	log   *logging.Logger

	mu     sync.Mutex
	mounts map[key]MountRequest

	unmountRetryBudget time.Duration
}

// NewComposer constructs a Composer coordinating through locks.
func NewComposer(locks *lock.Service, log *logging.Logger, unmountRetryBudget time.Duration) *Composer {
	if log == nil {
		log = logging.NewTestLogger()
	}
	if unmountRetryBudget <= 0 {
		unmountRetryBudget = 10 * time.Second
	}
	return &Composer{
		locks:              locks,
		log:                log,
		mounts:             make(map[key]MountRequest),
		unmountRetryBudget: unmountRetryBudget,
	}
}

// Mount composes the merged view at req.MountPoint. Preconditions from
// spec.md §4.7: downloadGame-<gameId> must not be held (base quiescent) and
// running-<gameId>-<instanceId> must not be held (no active reader). On
// mount, baseMount and configMount locks are acquired as a pair — both
// succeed or both roll back.
func (c *Composer) Mount(ctx context.Context, req MountRequest) error {
	busy, err := c.locks.IsHeld(fmt.Sprintf("^downloadGame-%s$", regexp.QuoteMeta(req.GameID)), false)
	if err != nil {
		return fmt.Errorf("checking downloadGame lock: %w", err)
	}
	if busy {
		return fmt.Errorf("base files are not quiescent: downloadGame-%s is held", req.GameID)
	}
	running, err := c.locks.IsHeld(fmt.Sprintf("^running-%s-%s$", regexp.QuoteMeta(req.GameID), regexp.QuoteMeta(req.InstanceID)), false)
	if err != nil {
		return fmt.Errorf("checking running lock: %w", err)
	}
	if running {
		return fmt.Errorf("game is currently running: running-%s-%s is held", req.GameID, req.InstanceID)
	}

	baseLockName := fmt.Sprintf("baseMount-%s-%s", req.GameID, req.InstanceID)
	configLockName := fmt.Sprintf("configMount-%s-%s", req.GameID, req.InstanceID)

	baseHandle, err := c.locks.Acquire(baseLockName)
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", baseLockName, err)
	}
	configHandle, err := c.locks.Acquire(configLockName)
	if err != nil {
		_ = baseHandle.Release()
		return fmt.Errorf("acquiring %s: %w", configLockName, err)
	}

	if err := c.doMount(req); err != nil {
		_ = baseHandle.Release()
		_ = configHandle.Release()
		return err
	}

	c.mu.Lock()
	c.mounts[key{req.GameID, req.InstanceID}] = req
	c.mu.Unlock()
	return nil
}

func (c *Composer) doMount(req MountRequest) error {
	if err := os.MkdirAll(req.MountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.MkdirAll(req.PersistDir, 0o755); err != nil {
		return fmt.Errorf("create persist dir: %w", err)
	}

	// overlayfs treats the leftmost lowerdir entry as the topmost layer, so
	// the last config layer goes first and the base layer goes last.
	layers := make([]string, 0, len(req.ConfigLayers)+1)
	for i := len(req.ConfigLayers) - 1; i >= 0; i-- {
		layers = append(layers, req.ConfigLayers[i])
	}
	layers = append(layers, req.BaseDir)
	lower := strings.Join(layers, ":")
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, req.PersistDir, req.WorkDir)

	if err := unix.Mount("overlay", req.MountPoint, "overlay", 0, options); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", req.MountPoint, err)
	}
	return nil
}

// Unmount tears down the merged view for (gameId, instanceId), retrying on
// EBUSY up to the configured budget before reporting failure. On success it
// releases both baseMount and configMount locks and removes the in-process
// entry.
func (c *Composer) Unmount(ctx context.Context, gameID, instanceID string) error {
	k := key{gameID, instanceID}
	c.mu.Lock()
	req, ok := c.mounts[k]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked mount for game %s instance %s", gameID, instanceID)
	}

	deadline := time.Now().Add(c.unmountRetryBudget)
	backoff := 100 * time.Millisecond
	var lastErr error
	for {
		lastErr = unix.Unmount(req.MountPoint, 0)
		if lastErr == nil {
			break
		}
		if lastErr != unix.EBUSY || time.Now().After(deadline) {
			return fmt.Errorf("unmount %s: %w", req.MountPoint, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	baseLockName := fmt.Sprintf("baseMount-%s-%s", gameID, instanceID)
	configLockName := fmt.Sprintf("configMount-%s-%s", gameID, instanceID)
	_ = c.locks.Release(baseLockName)
	_ = c.locks.Release(configLockName)

	c.mu.Lock()
	delete(c.mounts, k)
	c.mu.Unlock()
	return nil
}

// IsMounted reports whether (gameId, instanceId) has a tracked mount.
func (c *Composer) IsMounted(gameID, instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mounts[key{gameID, instanceID}]
	return ok
}
