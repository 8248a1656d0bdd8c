package apppool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// SpawnOptions parametrizes one spawn attempt; a Group rebuilds these
// from its GroupConfig/SpawnerConfig whenever it (re)builds a Spawner.
type SpawnOptions struct {
	AppGroupName string
	AppRoot      string
	Executable   string
	ScriptOrApp  string
	Env          map[string]string
	StartTimeout time.Duration

	ConnectPassword string
}

// Spawner is the external-facing abstraction the Group calls to launch
// a new worker. Swapped out wholesale on restart (spec.md "builds a
// fresh Spawner from the new options").
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (*Process, error)
}

// gupidCounter hands out gupids that stay unique for the process's
// lifetime, unaffected by PID reuse.
var gupidCounter atomic.Uint64

func nextGupid(appGroupName string) string {
	return fmt.Sprintf("%s-%d-%d", appGroupName, time.Now().UnixNano(), gupidCounter.Add(1))
}

// DefaultSpawner forks the configured executable and waits for it to
// start accepting connections on its socket, the same way the teacher's
// worker launcher did, adapted to hand back a *Process instead of a
// long-lived *Worker handle.
type DefaultSpawner struct {
	logger  *Logger
	sockets *SocketManager
}

// NewDefaultSpawner constructs a spawner that execs real OS processes,
// placing their listening sockets under sockets' directory.
func NewDefaultSpawner(logger *Logger, sockets *SocketManager) *DefaultSpawner {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}
	return &DefaultSpawner{logger: logger, sockets: sockets}
}

// Spawn execs the worker, waits up to opts.StartTimeout for its Unix
// socket to accept a connection, then returns an ALIVE Process wired to
// that socket. On any failure it kills the child and returns an error
// that the Group classifies as a SpawnError.
func (s *DefaultSpawner) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	gupid := nextGupid(opts.AppGroupName)
	socketPath := s.sockets.GenerateSocketPath(gupid)
	_ = s.sockets.CleanupSocket(socketPath)

	cmd := exec.CommandContext(ctx, opts.Executable, opts.ScriptOrApp)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("APPPOOL_SOCKET_PATH=%s", socketPath),
		fmt.Sprintf("APPPOOL_GUPID=%s", gupid),
		fmt.Sprintf("PASSENGER_CONNECT_PASSWORD=%s", opts.ConnectPassword),
	)
	cmd.Dir = opts.AppRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", opts.AppGroupName, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: start: %w", opts.AppGroupName, err)
	}

	if err := waitForSocket(ctx, socketPath, opts.StartTimeout); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("spawn %s: %w", opts.AppGroupName, err)
	}

	socket := &Socket{
		Address:               "unix:" + socketPath,
		Protocol:              "session",
		Concurrency:           1,
		AcceptingHTTPRequests: true,
	}

	stdinCloser := func() error { return stdin.Close() }
	killer := func() error { return cmd.Process.Kill() }

	process := NewProcess(cmd.Process.Pid, gupid, []*Socket{socket}, stdinCloser, killer)

	go func() {
		_ = cmd.Wait()
	}()

	s.logger.Info("spawned process",
		"app_group_name", opts.AppGroupName, "gupid", gupid, "pid", cmd.Process.Pid)
	return process, nil
}

// waitForSocket polls for the worker's Unix socket to start accepting
// connections via DialWorkerSocket's retry-dial loop, with the spawn's
// start_timeout budget. Once connected
// it verifies the accepting process's peer credentials match ours, so
// a stale socket left behind by some other UID at the same path (a
// race between CleanupSocket and the new worker's bind) is rejected
// as a spawn failure rather than silently routed to.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	conn, err := DialWorkerSocket(ctx, path, timeout)
	if err != nil {
		return fmt.Errorf("start_timeout exceeded waiting for %s: %w", path, err)
	}
	defer conn.Close()

	if err := VerifyPeerCredentials(conn, DefaultSocketSecurityConfig()); err != nil {
		return fmt.Errorf("worker socket %s failed peer verification: %w", path, err)
	}
	return nil
}
