//go:build !linux

package apppool

import "golang.org/x/sys/unix"

// osProcessExists sends signal 0 to pid. Non-Linux kernels don't expose
// an equivalent to /proc/<pid>/status, so the zombie probe is Linux-only;
// elsewhere a zombie is (harmlessly) treated as still alive until reaped.
func osProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
