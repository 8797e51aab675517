package lock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	svc := newTestService(t)

	handle, err := svc.Acquire("downloadGame-csgo")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	handle, err = svc.Acquire("downloadGame-csgo")
	if err != nil {
		t.Fatalf("second Acquire after release: %v", err)
	}
	_ = handle.Release()
}

func TestAcquireBusy(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Acquire("running-csgo-alpha"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err := svc.Acquire("running-csgo-alpha")
	var busy *BusyError
	if err == nil {
		t.Fatal("expected BusyError, got nil")
	}
	if !asBusy(err, &busy) {
		t.Fatalf("expected *BusyError, got %T: %v", err, err)
	}
	if busy.HolderPID != os.Getpid() {
		t.Fatalf("expected holder pid %d, got %d", os.Getpid(), busy.HolderPID)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	svc := newTestService(t)

	// Write a marker claiming a PID that (almost certainly) doesn't exist.
	deadPID := 999999
	data := []byte(`{"pid":` + strconv.Itoa(deadPID) + `,"acquiredAt":"2020-01-01T00:00:00Z"}`)
	if err := os.WriteFile(filepath.Join(svc.dir, "downloadGame-xyzzy"), data, 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	handle, err := svc.Acquire("downloadGame-xyzzy")
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got: %v", err)
	}
	_ = handle.Release()
}

func TestIsHeldMatchesPattern(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Acquire("baseMount-csgo-alpha"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	held, err := svc.IsHeld(`^baseMount-csgo-.*$`, false)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if !held {
		t.Fatal("expected pattern to match held lock")
	}

	held, err = svc.IsHeld(`^baseMount-other-.*$`, false)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatal("expected pattern not to match")
	}
}

func TestWaitClearSucceedsWhenHolderReleases(t *testing.T) {
	svc := newTestService(t)
	svc.pollInterval = 20 * time.Millisecond

	handle, err := svc.Acquire("configMount-csgo-alpha")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = handle.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.WaitClear(ctx, `^configMount-csgo-alpha$`, time.Second); err != nil {
		t.Fatalf("expected WaitClear to succeed, got: %v", err)
	}
}

func TestWaitClearTimesOut(t *testing.T) {
	svc := newTestService(t)
	svc.pollInterval = 10 * time.Millisecond

	if _, err := svc.Acquire("configMount-csgo-alpha"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx := context.Background()
	err := svc.WaitClear(ctx, `^configMount-csgo-alpha$`, 50*time.Millisecond)
	var timeoutErr *TimeoutError
	if !asTimeout(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

func TestSpinAcquire(t *testing.T) {
	svc := newTestService(t)
	svc.pollInterval = 10 * time.Millisecond

	handle, err := svc.Acquire("repoDownload-alpha")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = handle.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := svc.SpinAcquire(ctx, "repoDownload-alpha", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("SpinAcquire: %v", err)
	}
	_ = got.Release()
}

func asBusy(err error, target **BusyError) bool {
	if be, ok := err.(*BusyError); ok {
		*target = be
		return true
	}
	return false
}

func asTimeout(err error, target **TimeoutError) bool {
	if te, ok := err.(*TimeoutError); ok {
		*target = te
		return true
	}
	return false
}

