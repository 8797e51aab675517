//go:build unix

package lock

import "syscall"

// signalProbe sends signal 0 to pid, which performs the permission/existence
// checks without actually delivering a signal. ok is false when the probe
// itself is inconclusive (e.g. permission denied), asking the caller to fall
// back to a process-table scan.
func signalProbe(pid int) (alive bool, ok bool) {
	err := syscall.Kill(pid, 0)
	switch err {
	case nil:
		return true, true
	case syscall.ESRCH:
		return false, true
	case syscall.EPERM:
		// The process exists but we can't signal it — still alive.
		return true, true
	default:
		return false, false
	}
}
