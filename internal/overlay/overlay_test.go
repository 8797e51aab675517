package overlay

import (
	"testing"
	"time"

	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
)

func newTestComposer(t *testing.T) (*Composer, *lock.Service) {
	t.Helper()
	locks, err := lock.New(t.TempDir(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	t.Cleanup(func() { _ = locks.Close() })
	return NewComposer(locks, logging.NewTestLogger(), 200*time.Millisecond), locks
}

func TestMountRejectedWhileDownloadGameLockHeld(t *testing.T) {
	c, locks := newTestComposer(t)
	handle, err := locks.Acquire("downloadGame-foo")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	err = c.Mount(nil, MountRequest{GameID: "foo", InstanceID: "bar"})
	if err == nil {
		t.Fatal("expected Mount to reject while downloadGame-foo is held")
	}
}

func TestMountRejectedWhileRunningLockHeld(t *testing.T) {
	c, locks := newTestComposer(t)
	handle, err := locks.Acquire("running-foo-bar")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	err = c.Mount(nil, MountRequest{GameID: "foo", InstanceID: "bar"})
	if err == nil {
		t.Fatal("expected Mount to reject while running-foo-bar is held")
	}
}

func TestIsMountedReflectsTrackedState(t *testing.T) {
	c, _ := newTestComposer(t)
	if c.IsMounted("foo", "bar") {
		t.Fatal("expected no tracked mount initially")
	}
	c.mu.Lock()
	c.mounts[key{"foo", "bar"}] = MountRequest{GameID: "foo", InstanceID: "bar"}
	c.mu.Unlock()
	if !c.IsMounted("foo", "bar") {
		t.Fatal("expected tracked mount to be reported")
	}
}

func TestUnmountUnknownMountErrors(t *testing.T) {
	c, _ := newTestComposer(t)
	if err := c.Unmount(nil, "nope", "nope"); err == nil {
		t.Fatal("expected error unmounting an untracked (gameId, instanceId)")
	}
}
