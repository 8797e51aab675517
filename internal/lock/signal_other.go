//go:build !unix

package lock

// signalProbe has no portable signal-0 equivalent outside unix; always
// defer to the process-table scan in processAlive.
func signalProbe(pid int) (alive bool, ok bool) {
	return false, false
}
