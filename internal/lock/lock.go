// Package lock implements the distributed-mutex layer described in
// SPEC_FULL.md §4.1: exclusive named locks on a shared directory, with
// staleness detection and wait-until-clear semantics. Atomicity rests on
// the OS's exclusive-file-create primitive, so every Service instance
// pointed at the same directory — in any process — shares one lock space.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gops "github.com/mitchellh/go-ps"

	"hostfleet/internal/logging"
)

// BusyError reports that a lock is already held by another process.
type BusyError struct {
	Name      string
	HolderPID int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock %q busy (held by pid %d)", e.Name, e.HolderPID)
}

// TimeoutError reports that a wait exceeded its budget.
type TimeoutError struct {
	Pattern string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for locks matching %q to clear", e.Waited, e.Pattern)
}

// marker is the on-disk payload of a lock file.
type marker struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Handle represents a held lock; Release removes its marker file.
type Handle struct {
	service *Service
	Name    string
}

// Release removes the lock marker. It is a no-op if the marker is already
// absent and fails only on an I/O error, per SPEC_FULL.md §4.1.
func (h *Handle) Release() error {
	if h == nil || h.service == nil {
		return nil
	}
	return h.service.Release(h.Name)
}

// Service manages named locks inside a single shared directory.
type Service struct {
	dir          string
	log          *logging.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// New constructs a lock Service rooted at dir, creating it if necessary.
func New(dir string, log *logging.Logger) (*Service, error) {
	if dir == "" {
		return nil, errors.New("lock directory must be specified")
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	s := &Service{dir: dir, log: log, pollInterval: time.Second}
	// Best-effort fast path: a directory watch lets WaitClear notice a
	// release immediately instead of on the next 1s poll tick. Absence of
	// this watcher must never be fatal — the poll loop is the contract.
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(dir); err == nil {
			s.watcher = w
		} else {
			_ = w.Close()
		}
	}
	return s, nil
}

// Close releases the watcher resources, if any were acquired.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

func (s *Service) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Acquire atomically creates the named lock, recording the current
// process's PID as holder. Returns *BusyError if another live holder
// already exists (breaking the lock first if it is stale).
func (s *Service) Acquire(name string) (*Handle, error) {
	if err := s.reclaimIfStale(name); err != nil {
		s.log.Debug("stale lock reclaim check failed", logging.String("name", name), logging.Error(err))
	}
	payload, err := json.Marshal(marker{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := s.readMarker(name)
			return nil, &BusyError{Name: name, HolderPID: holder.PID}
		}
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		_ = os.Remove(s.path(name))
		return nil, err
	}
	s.log.Debug("lock acquired", logging.String("name", name), logging.Int("pid", os.Getpid()))
	return &Handle{service: s, Name: name}, nil
}

// Release removes the named lock marker. No-op if absent.
func (s *Service) Release(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.log.Debug("lock released", logging.String("name", name))
	return nil
}

func (s *Service) readMarker(name string) (marker, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return marker{}, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return marker{}, err
	}
	return m, nil
}

// reclaimIfStale removes name's marker file if its recorded holder PID no
// longer corresponds to a live process.
func (s *Service) reclaimIfStale(name string) error {
	m, err := s.readMarker(name)
	if err != nil {
		return nil // no marker, or unreadable: nothing to reclaim
	}
	if processAlive(m.PID) {
		return nil
	}
	s.log.Warn("reclaiming stale lock", logging.String("name", name), logging.Int("pid", m.PID))
	return s.Release(name)
}

// processAlive reports whether pid names a running process, consulting
// signal 0 first and falling back to a process-table scan (needed in
// environments, such as namespaced containers, where signalling a PID in a
// different namespace does not behave as a plain liveness probe).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if alive, ok := signalProbe(pid); ok {
		return alive
	}
	procs, err := gops.Processes()
	if err != nil {
		// Cannot determine liveness either way; assume alive so we never
		// reclaim a lock we can't actually prove is abandoned.
		return true
	}
	for _, p := range procs {
		if p.Pid() == pid {
			return true
		}
	}
	return false
}

// entries lists lock file names currently present in the directory.
func (s *Service) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// IsHeld scans the lock directory and reports whether any lock name
// matching pattern is held by a live process (or by any process, dead or
// alive, if staleOk is true).
func (s *Service) IsHeld(pattern string, staleOk bool) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("compile lock pattern %q: %w", pattern, err)
	}
	names, err := s.entries()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if !re.MatchString(name) {
			continue
		}
		if staleOk {
			return true, nil
		}
		m, err := s.readMarker(name)
		if err != nil {
			continue
		}
		if processAlive(m.PID) {
			return true, nil
		}
	}
	return false, nil
}

// WaitClear blocks until no lock name matches pattern (honoring liveness,
// i.e. stale locks don't count), polling at 1s cadence with an fsnotify
// fast path, or returns *TimeoutError once timeout elapses.
func (s *Service) WaitClear(ctx context.Context, pattern string, timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)

	var events chan fsnotify.Event
	s.mu.Lock()
	if s.watcher != nil {
		events = s.watcher.Events
	}
	s.mu.Unlock()

	for {
		held, err := s.IsHeld(pattern, false)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Pattern: pattern, Waited: time.Since(start)}
		}
		remaining := time.Until(deadline)
		wait := s.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-events:
			timer.Stop()
			// re-check immediately on any directory change
		case <-timer.C:
		}
	}
}

// SpinAcquire waits for name to clear and then acquires it. Per
// SPEC_FULL.md §4.1 this is not atomic against a third party: a collision
// immediately after the wait surfaces as *BusyError from Acquire, not a
// silent retry loop.
func (s *Service) SpinAcquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	if err := s.WaitClear(ctx, "^"+regexp.QuoteMeta(name)+"$", timeout); err != nil {
		return nil, err
	}
	return s.Acquire(name)
}
