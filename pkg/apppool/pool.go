package apppool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// PoolLifeStatus is the lifecycle of the global Pool (spec.md §3).
type PoolLifeStatus int32

const (
	PoolAlive PoolLifeStatus = iota
	PoolPreparedForShutdown
	PoolShuttingDown
	PoolShutDown
)

// GroupFactory builds a fresh Spawner + SpawnOptions for a newly seen
// app group name. The Pool calls it the first time async_get names a
// group it doesn't have yet, and a Group calls it again when a restart
// begins, to replace its Spawner and SpawnOptions.
type GroupFactory func(appGroupName, appRoot string) (GroupConfig, Spawner, SpawnOptions, error)

// poolWaiter is one entry on the Pool's global get_waitlist (spec.md §3).
type poolWaiter struct {
	opts GetOptions
	done chan struct{}

	session *Session
	err     error
}

// Pool is the global capacity manager of spec.md §4.4: a map of named
// Groups behind a single mutex, with admission, eviction and shutdown
// orchestration. All Group/Process mutation happens under Pool.mu.
type Pool struct {
	mu sync.Mutex

	groups  map[string]*Group
	factory GroupFactory
	sockets *SocketManager
	logger  *Logger
	metrics *PoolMetrics

	max          int
	maxIdleTime  time.Duration
	maxQueueSize int

	getWaitlist *list.List // *poolWaiter

	life PoolLifeStatus

	gcStop chan struct{}
	gcDone chan struct{}
}

// NewPool constructs a Pool per PoolConfig, ready to accept async_get
// calls. GC of idle processes beyond maxIdleTime runs on cfg.GCInterval,
// mirroring the teacher's ticker-based health monitor.
func NewPool(cfg PoolConfig, factory GroupFactory, sockets *SocketManager, logger *Logger) *Pool {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "json"})
	}
	if sockets == nil {
		sockets = NewSocketManager(SocketConfig{Dir: "/tmp", Prefix: "apppool", Permissions: 0600})
	}
	p := &Pool{
		groups:       make(map[string]*Group),
		factory:      factory,
		sockets:      sockets,
		logger:       logger,
		max:          cfg.Max,
		maxIdleTime:  cfg.MaxIdleTime,
		maxQueueSize: cfg.MaxQueueSize,
		getWaitlist:  list.New(),
		life:         PoolAlive,
		gcStop:       make(chan struct{}),
		gcDone:       make(chan struct{}),
	}
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go p.idleGC(interval)
	return p
}

// SetMetrics attaches a PoolMetrics instance the Pool will update as it
// GCs and recycles processes. Call once, before serving traffic.
func (p *Pool) SetMetrics(m *PoolMetrics) { p.metrics = m }

// capacityUsedLocked sums every Group's capacity_used(). Caller holds mu.
func (p *Pool) capacityUsedLocked() int {
	total := 0
	for _, g := range p.groups {
		total += g.capacityUsed()
	}
	return total
}

func (p *Pool) atFullCapacityLocked() bool {
	return p.capacityUsedLocked() >= p.max
}

// AsyncGet implements spec.md §4.4's async_get. It blocks the calling
// goroutine until a Session (or error) is available — callers that want
// true async behaviour should call it from their own goroutine; the
// Controller does so per client connection.
func (p *Pool) AsyncGet(ctx context.Context, opts GetOptions) (*Session, error) {
	p.mu.Lock()
	if p.life != PoolAlive {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: async_get called while not ALIVE")
	}

	var actions []postLockAction
	group, err := p.groupForLocked(opts.AppGroupName, opts.AppRoot, &actions)
	if err != nil {
		if p.getWaitlist.Len() >= p.maxQueueSize {
			p.mu.Unlock()
			runActions(actions)
			return nil, fmt.Errorf("request-queue-full: %w", err)
		}
		w := &poolWaiter{opts: opts, done: make(chan struct{})}
		p.getWaitlist.PushBack(w)
		p.mu.Unlock()
		runActions(actions)
		return p.waitForPoolWaiter(ctx, w)
	}

	session, w, gerr := group.get(opts, &actions)
	p.mu.Unlock()
	runActions(actions)
	if gerr != nil {
		return nil, gerr
	}
	if session != nil {
		return session, nil
	}

	// group.get enqueued on the Group's own waitlist; wait on it.
	return p.waitForGroupWaiter(ctx, group, w)
}

func (p *Pool) waitForGroupWaiter(ctx context.Context, g *Group, w *waiter) (*Session, error) {
	select {
	case <-w.done:
		return w.session, w.err
	case <-ctx.Done():
		p.mu.Lock()
		removeWaiterFromList(g.getWaitlist, w)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func removeWaiterFromList(l *list.List, target *waiter) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter) == target {
			l.Remove(e)
			return
		}
	}
}

func (p *Pool) waitForPoolWaiter(ctx context.Context, w *poolWaiter) (*Session, error) {
	select {
	case <-w.done:
		return w.session, w.err
	case <-ctx.Done():
		p.mu.Lock()
		for e := p.getWaitlist.Front(); e != nil; e = e.Next() {
			if e.Value.(*poolWaiter) == w {
				p.getWaitlist.Remove(e)
				break
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// groupForLocked implements the (a)/(b)/(c) branches of async_get.
// Caller holds p.mu. Returns an error (not nil) exactly when the
// caller must be queued instead of routed.
func (p *Pool) groupForLocked(name, appRoot string, actions *[]postLockAction) (*Group, error) {
	if g, ok := p.groups[name]; ok {
		return g, nil
	}
	if !p.atFullCapacityLocked() {
		return p.createGroupLocked(name, appRoot)
	}
	if freed := p.forceFreeCapacityLocked(nil); freed != nil {
		return p.createGroupLocked(name, appRoot)
	}
	return nil, errPoolAtFullCapacity
}

func (p *Pool) createGroupLocked(name, appRoot string) (*Group, error) {
	cfg, spawner, spawnOpts, err := p.factory(name, appRoot)
	if err != nil {
		return nil, fmt.Errorf("pool: build group %s: %w", name, err)
	}
	g := newGroup(p, name, cfg, spawner, p.sockets, spawnOpts, p.logger)
	p.groups[name] = g
	return g, nil
}

// forceFreeCapacityLocked implements spec.md §4.4's force_free_capacity:
// detach the oldest idle process in any group but exclude. Caller holds
// p.mu.
func (p *Pool) forceFreeCapacityLocked(exclude *Group) *Process {
	var victim *Process
	var victimGroup *Group
	var oldest int64 = -1

	for _, g := range p.groups {
		if g == exclude {
			continue
		}
		for _, proc := range g.enabled {
			if proc.SessionCount() != 0 {
				continue
			}
			if oldest == -1 || proc.LastUsed() < oldest {
				oldest = proc.LastUsed()
				victim = proc
				victimGroup = g
			}
		}
	}
	if victim == nil {
		return nil
	}
	victimGroup.detach(victim)
	return victim
}

// SetMax implements spec.md §4.4's set_max, draining waiters and
// nudging waiting Groups to spawn when capacity increases.
func (p *Pool) SetMax(newMax int) {
	p.mu.Lock()
	increased := newMax > p.max
	p.max = newMax
	var actions []postLockAction
	if increased {
		p.progressOnFreeCapacityLocked(&actions)
	}
	p.mu.Unlock()
	runActions(actions)
}

// progressOnFreeCapacityLocked implements the "Progress on free
// capacity" rule of spec.md §4.4. Caller holds p.mu.
func (p *Pool) progressOnFreeCapacityLocked(actions *[]postLockAction) {
	for !p.atFullCapacityLocked() {
		progressed := false

		for e := p.getWaitlist.Front(); e != nil; {
			if p.atFullCapacityLocked() {
				break
			}
			w := e.Value.(*poolWaiter)
			g, err := p.groupForLocked(w.opts.AppGroupName, w.opts.AppRoot, actions)
			if err != nil {
				e = e.Next()
				continue
			}
			next := e.Next()
			p.getWaitlist.Remove(e)
			e = next
			progressed = true
			w2 := w
			group := g
			*actions = append(*actions, func() {
				p.mu.Lock()
				var a []postLockAction
				session, gw, gerr := group.get(w2.opts, &a)
				p.mu.Unlock()
				runActions(a)

				if gw != nil {
					// Still not routable; forward the pool waiter onto the
					// group's own waitlist and let it settle there.
					<-gw.done
					w2.session = gw.session
					w2.err = gw.err
				} else {
					w2.session = session
					w2.err = gerr
				}
				close(w2.done)
			})
		}

		for _, g := range p.groups {
			if !g.spawning && g.getWaitlist.Len() > 0 && !p.atFullCapacityLocked() {
				var a []postLockAction
				_ = g.spawn(&a)
				*actions = append(*actions, a...)
				progressed = true
			}
		}

		if !progressed {
			break
		}
	}
}

// DetachProcess implements spec.md §4.4's detach_process.
func (p *Pool) DetachProcess(gupid string) error {
	p.mu.Lock()
	var actions []postLockAction
	var found *Group
	var target *Process
	for _, g := range p.groups {
		for _, list := range [][]*Process{g.enabled, g.disabling, g.disabled} {
			for _, proc := range list {
				if proc.Gupid == gupid {
					found, target = g, proc
				}
			}
		}
	}
	if target == nil {
		p.mu.Unlock()
		return fmt.Errorf("pool: no process with gupid %s", gupid)
	}
	found.detach(target)
	p.progressOnFreeCapacityLocked(&actions)
	p.mu.Unlock()
	runActions(actions)
	return nil
}

// DetachGroupByName implements spec.md §4.4's detach_group_by_name: its
// waiters migrate to the pool's global get_waitlist.
func (p *Pool) DetachGroupByName(name string) error {
	p.mu.Lock()
	g, ok := p.groups[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: no group named %s", name)
	}
	delete(p.groups, name)
	for e := g.getWaitlist.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		pw := &poolWaiter{opts: w.opts, done: make(chan struct{})}
		p.getWaitlist.PushBack(pw)
		wCopy := w
		go func() {
			<-pw.done
			wCopy.session = pw.session
			wCopy.err = pw.err
			close(wCopy.done)
		}()
	}
	p.mu.Unlock()
	return g.shutdown(context.Background())
}

// PrepareForShutdown implements spec.md §4.4's prepare_for_shutdown.
func (p *Pool) PrepareForShutdown() {
	p.mu.Lock()
	p.life = PoolPreparedForShutdown
	p.mu.Unlock()
}

// Destroy implements spec.md §4.4's destroy: tears down every Group and
// joins background goroutines, aggregating teardown errors.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	p.life = PoolShuttingDown
	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	p.mu.Unlock()

	var errs error
	for _, name := range names {
		p.mu.Lock()
		g, ok := p.groups[name]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := g.shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	close(p.gcStop)
	<-p.gcDone

	p.mu.Lock()
	for _, name := range names {
		delete(p.groups, name)
	}
	p.life = PoolShutDown
	p.mu.Unlock()
	return errs
}

// idleGC retires enabled, session-less processes that have exceeded
// maxIdleTime and leave their group above MinProcesses, and recycles
// processes past Group.MaxRequests (the max_requests supplement).
func (p *Pool) idleGC(interval time.Duration) {
	defer close(p.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.gcStop:
			return
		case <-ticker.C:
			p.runIdleGCPass()
		}
	}
}

func (p *Pool) runIdleGCPass() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, g := range p.groups {
		if len(g.enabled) <= g.cfg.MinProcesses {
			continue
		}
		for _, proc := range append([]*Process{}, g.enabled...) {
			if len(g.enabled) <= g.cfg.MinProcesses {
				break
			}
			if proc.SessionCount() != 0 {
				continue
			}
			idleFor := time.Duration(now.UnixMicro()-proc.LastUsed()) * time.Microsecond
			recycleDue := g.cfg.MaxRequests > 0 && proc.Processed.Load() >= g.cfg.MaxRequests
			if idleFor >= p.maxIdleTime || recycleDue {
				g.detach(proc)
				if p.metrics != nil {
					if recycleDue {
						p.metrics.RecordRecycle()
					} else {
						p.metrics.RecordIdleGC()
					}
				}
			}
		}
	}
}
