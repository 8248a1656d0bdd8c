//go:build linux

package apppool

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// osProcessExists sends signal 0 to pid and, if that succeeds, checks
// /proc/<pid>/status for zombie state: a zombie has already exited and
// is only waiting to be reaped, so it must not be treated as alive.
func osProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && err != unix.EPERM {
		// ESRCH (no such process) or any other error: treat as gone.
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		// Process vanished between the signal-0 probe and this read;
		// treat that race as "not alive" rather than alive.
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z (zombie)")
		}
	}
	return false
}
