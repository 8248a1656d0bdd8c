package apppool

import (
	"context"
	"fmt"
	"net"
	"time"
)

const defaultSleepDuration = 25 * time.Millisecond

// DialWorkerSocket retries a Unix-socket dial until it succeeds or
// timeout elapses. The spawner uses it while waiting for a freshly
// execed worker to start accepting; Session.Initiate dials once with
// net.DialTimeout instead.
func DialWorkerSocket(ctx context.Context, socketPath string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to worker at %s after %v", socketPath, timeout)
		default:
			conn, err := net.Dial("unix", socketPath)
			if err == nil {
				return conn, nil
			}
			if err := sleepWithCtx(ctx, defaultSleepDuration); err != nil {
				return nil, fmt.Errorf("failed to connect to worker at %s after %v", socketPath, timeout)
			}
		}
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	// Wait a bit before retrying
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
