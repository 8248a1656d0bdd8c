package apppool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSpawner hands back an already-"alive" Process synchronously, so
// tests can drive Pool/Group admission without a real OS process.
type fakeSpawner struct {
	concurrency int
	spawnCount  atomic.Int32
}

func (s *fakeSpawner) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	s.spawnCount.Add(1)
	gupid := fmt.Sprintf("%s-%d", opts.AppGroupName, s.spawnCount.Load())
	socket := &Socket{
		Address:               "unix:/tmp/" + gupid + ".sock",
		Protocol:              "session",
		Concurrency:           s.concurrency,
		AcceptingHTTPRequests: true,
	}
	noop := func() error { return nil }
	// A negative PID makes osProcessExists() report "gone" immediately,
	// without a real kill(2) probe racing against an unrelated live PID.
	return NewProcess(-int(s.spawnCount.Load()), gupid, []*Socket{socket}, noop, noop), nil
}

func fastGroupConfig() GroupConfig {
	return GroupConfig{
		MinProcesses:        0,
		MaxProcesses:        0,
		StatThrottleRate:    time.Hour,
		DetachCheckInterval: time.Hour,
		ShutdownTimeout:     time.Second,
		Restart: RestartConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func newTestPool(t *testing.T, max int, spawner Spawner) *Pool {
	t.Helper()
	factory := func(appGroupName, appRoot string) (GroupConfig, Spawner, SpawnOptions, error) {
		return fastGroupConfig(), spawner, SpawnOptions{
			AppGroupName: appGroupName,
			AppRoot:      appRoot,
			StartTimeout: time.Second,
		}, nil
	}
	pool := NewPool(PoolConfig{
		Max:          max,
		MaxQueueSize: 16,
		GCInterval:   time.Hour,
	}, factory, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Destroy(ctx)
	})
	return pool
}

func TestPool_AsyncGetSpawnsAndRoutesFreshGroup(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	if session == nil {
		t.Fatal("AsyncGet() returned a nil session")
	}
	_ = session.Close()
}

func TestPool_AsyncGetReusesExistingGroup(t *testing.T) {
	spawner := &fakeSpawner{concurrency: 0}
	pool := newTestPool(t, 4, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("first AsyncGet() error = %v", err)
	}
	_ = s1.Close()

	s2, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("second AsyncGet() error = %v", err)
	}
	_ = s2.Close()

	if spawner.spawnCount.Load() != 1 {
		t.Errorf("spawnCount = %d, want 1 (second get should reuse the already-spawned, unlimited-concurrency process)", spawner.spawnCount.Load())
	}
}

func TestPool_AsyncGetQueuesOnFullCapacityNoIdleVictim(t *testing.T) {
	// concurrency 1 so the single process spawned for app-a stays busy
	// across both requests, and max=1 so app-b can never get its own group.
	spawner := &fakeSpawner{concurrency: 1}
	pool := newTestPool(t, 1, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sessionA, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet(app-a) error = %v", err)
	}
	defer sessionA.Close()

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, err = pool.AsyncGet(shortCtx, GetOptions{AppGroupName: "app-b", AppRoot: "/tmp/app-b"})
	if err == nil {
		t.Error("AsyncGet(app-b) should have blocked until the context deadline since app-a's only process is busy and pool is at capacity")
	}
}

func TestPool_AsyncGetFailsWhenNotAlive(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 0})
	pool.PrepareForShutdown()

	_, err := pool.AsyncGet(context.Background(), GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err == nil {
		t.Error("AsyncGet() should fail once the pool is no longer ALIVE")
	}
}

func TestPool_SetMaxDrainsQueuedWaiter(t *testing.T) {
	spawner := &fakeSpawner{concurrency: 1}
	pool := newTestPool(t, 1, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sessionA, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet(app-a) error = %v", err)
	}
	defer sessionA.Close()

	resultCh := make(chan error, 1)
	go func() {
		bctx, bcancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer bcancel()
		s, gerr := pool.AsyncGet(bctx, GetOptions{AppGroupName: "app-b", AppRoot: "/tmp/app-b"})
		if gerr == nil {
			_ = s.Close()
		}
		resultCh <- gerr
	}()

	// give the background AsyncGet time to land on the pool's waitlist
	time.Sleep(50 * time.Millisecond)
	pool.SetMax(2)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("queued AsyncGet(app-b) error = %v after SetMax(2) freed capacity", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued AsyncGet(app-b) never completed after SetMax(2)")
	}
}

func TestPool_DetachProcessRemovesIt(t *testing.T) {
	spawner := &fakeSpawner{concurrency: 0}
	pool := newTestPool(t, 4, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	gupid := session.Process().Gupid
	_ = session.Close()

	if err := pool.DetachProcess(gupid); err != nil {
		t.Fatalf("DetachProcess() error = %v", err)
	}
	if err := pool.DetachProcess(gupid); err == nil {
		t.Error("DetachProcess() on an already-detached gupid should error")
	}
}

func TestPool_PrepareForShutdownThenDestroy(t *testing.T) {
	spawner := &fakeSpawner{concurrency: 0}
	factory := func(appGroupName, appRoot string) (GroupConfig, Spawner, SpawnOptions, error) {
		cfg := fastGroupConfig()
		cfg.DetachCheckInterval = 20 * time.Millisecond // reap quickly so Destroy's wait loop converges within the test timeout
		return cfg, spawner, SpawnOptions{AppGroupName: appGroupName, AppRoot: appRoot, StartTimeout: time.Second}, nil
	}
	pool := NewPool(PoolConfig{Max: 4, MaxQueueSize: 16, GCInterval: time.Hour}, factory, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	_ = session.Close()

	pool.PrepareForShutdown()
	if _, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-b", AppRoot: "/tmp/app-b"}); err == nil {
		t.Error("AsyncGet() should reject new requests once prepared for shutdown")
	}

	destroyCtx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	if err := pool.Destroy(destroyCtx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
}

func TestPool_IdleGCRecyclesOverMaxRequests(t *testing.T) {
	spawner := &fakeSpawner{concurrency: 0}
	factory := func(appGroupName, appRoot string) (GroupConfig, Spawner, SpawnOptions, error) {
		cfg := fastGroupConfig()
		cfg.MaxRequests = 1
		return cfg, spawner, SpawnOptions{AppGroupName: appGroupName, AppRoot: appRoot, StartTimeout: time.Second}, nil
	}
	pool := NewPool(PoolConfig{Max: 4, MaxQueueSize: 16, GCInterval: time.Hour}, factory, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Destroy(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	_ = session.Close() // Processed now 1, >= MaxRequests 1

	pool.runIdleGCPass()

	pool.mu.Lock()
	g := pool.groups["app-a"]
	detachedCount := len(g.detached)
	enabledCount := len(g.enabled)
	pool.mu.Unlock()

	if enabledCount != 0 || detachedCount != 1 {
		t.Errorf("after idle GC pass: enabled=%d detached=%d, want enabled=0 detached=1 (recycled past max_requests)", enabledCount, detachedCount)
	}
}
