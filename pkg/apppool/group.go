package apppool

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
)

// GroupLifeStatus is the lifecycle of a Group, independent of its
// member Processes' LifeStatus.
type GroupLifeStatus int32

const (
	GroupAlive GroupLifeStatus = iota
	GroupShuttingDown
	GroupShutDown
)

// GetOptions parametrizes one admission request (spec.md §4.3.1).
type GetOptions struct {
	AppGroupName   string
	AppRoot        string
	MinProcesses   int
	StickySessionID uint32
	Noop           bool
}

// waiter is one pending get_waitlist entry; route() fills in Session
// and signals done, or leaves Session nil and err set.
type waiter struct {
	opts GetOptions
	done chan struct{}

	session *Session
	err     error

	// probed marks that this waiter's sticky-session id has already
	// been checked once against the current enabled set and found
	// unroutable (the Group safety invariant, spec.md §3).
	probed bool
}

// postLockAction is a callback scheduled while the Pool/Group mutex was
// held, to run strictly after it is released (spec.md §5).
type postLockAction func()

// Group owns one application's set of worker Processes and implements
// the admission, spawn, restart and detach state machines of spec.md
// §4.3. All mutable fields are only ever touched while the owning
// Pool's mutex is held.
type Group struct {
	Name string

	pool   *Pool
	logger *Logger

	cfg     GroupConfig
	spawner Spawner
	sockets *SocketManager

	enabled   []*Process
	disabling []*Process
	disabled  []*Process
	detached  []*Process

	getWaitlist *list.List // *waiter

	spawning           bool
	restarting         bool
	restartsInitiated  uint32
	processesBeingSpawned int

	life GroupLifeStatus

	lastRestartFileMtime     time.Time
	lastRestartFileCheckTime time.Time
	alwaysRestartFileExists  bool

	spawnOpts SpawnOptions

	stopReaper chan struct{}
}

// newGroup constructs a Group bound to pool and ready to spawn under
// cfg/spawnOpts. The caller must hold pool.mu.
func newGroup(pool *Pool, name string, cfg GroupConfig, spawner Spawner, sockets *SocketManager, spawnOpts SpawnOptions, logger *Logger) *Group {
	g := &Group{
		Name:        name,
		pool:        pool,
		logger:      logger.WithGroup(name),
		cfg:         cfg,
		spawner:     spawner,
		sockets:     sockets,
		getWaitlist: list.New(),
		life:        GroupAlive,
		spawnOpts:   spawnOpts,
		stopReaper:  make(chan struct{}),
	}
	go g.detachedProcessesChecker()
	go g.watchRestartDir(g.stopReaper)
	return g
}

func (g *Group) enabledCount() int   { return len(g.enabled) }
func (g *Group) disablingCount() int { return len(g.disabling) }
func (g *Group) disabledCount() int  { return len(g.disabled) }

// capacityUsed is the Group's contribution to Pool.capacity_used().
func (g *Group) capacityUsed() int {
	return len(g.enabled) + len(g.disabling) + len(g.disabled) + g.processesBeingSpawned
}

// get implements spec.md §4.3.1. Caller holds pool.mu. Returns either a
// ready Session, or a nil Session with a non-nil *waiter the caller
// must block on (actions may also contain a deferred spawn-thread
// launch to run after unlock).
func (g *Group) get(opts GetOptions, actions *[]postLockAction) (*Session, *waiter, error) {
	if g.life != GroupAlive {
		return nil, nil, fmt.Errorf("group %s: get called while not ALIVE", g.Name)
	}

	if !g.restarting {
		g.checkNeedsRestart(actions)
	}

	if g.shouldSpawnForGetAction(opts) {
		if err := g.spawn(actions); err != nil {
			if err == errPoolAtFullCapacity && g.enabledCount() == 0 {
				if freed := g.pool.forceFreeCapacityLocked(g); freed != nil {
					_ = g.spawn(actions)
				}
			}
		}
	}

	if opts.Noop {
		return noopSession(), nil, nil
	}

	if g.enabledCount() == 0 {
		if p := g.lowestBusynessRoutable(g.disabling, opts); p != nil {
			return g.sessionFor(p), nil, nil
		}
		return nil, g.enqueue(opts), nil
	}

	process, _ := g.route(opts)
	if process != nil {
		return g.sessionFor(process), nil, nil
	}
	return nil, g.enqueue(opts), nil
}

// onProcessSessionClosed is invoked (lock-free, from Session.Close)
// whenever one of the Group's processes drops a session; it re-takes
// the pool lock just long enough to drain the get_waitlist, matching
// "Progress on free capacity" (spec.md §4.4) for the single-group case.
func (g *Group) onProcessSessionClosed() {
	g.pool.mu.Lock()
	var actions []postLockAction
	g.drainGetWaitlist(&actions)
	if len(actions) == 0 {
		g.pool.progressOnFreeCapacityLocked(&actions)
	}
	g.pool.mu.Unlock()
	runActions(actions)
}

func (g *Group) sessionFor(p *Process) *Session {
	return p.NewSession(time.Now())
}

// route implements spec.md §4.3.1's route().
func (g *Group) route(opts GetOptions) (process *Process, finished bool) {
	if g.enabledCount() > 0 {
		return g.routeAmong(g.enabled, opts)
	}
	return g.routeAmong(g.disabling, opts)
}

func (g *Group) routeAmong(list []*Process, opts GetOptions) (*Process, bool) {
	if opts.StickySessionID == 0 {
		p := lowestBusyness(list)
		if p == nil {
			return nil, true
		}
		if p.CanBeRoutedTo() {
			return p, true
		}
		return nil, true
	}

	for _, p := range list {
		if p.StickySessionID == opts.StickySessionID {
			if p.CanBeRoutedTo() {
				return p, true
			}
			return nil, false
		}
	}
	p := lowestBusyness(list)
	if p == nil || !p.CanBeRoutedTo() {
		return nil, true
	}
	return p, true
}

func (g *Group) lowestBusynessRoutable(list []*Process, opts GetOptions) *Process {
	p := lowestBusyness(list)
	if p == nil || !p.CanBeRoutedTo() {
		return nil
	}
	return p
}

// lowestBusyness breaks ties by earliest last_used, matching insertion
// order semantics closely enough for a ready-made recency signal.
func lowestBusyness(processes []*Process) *Process {
	var best *Process
	var bestBusyness int64
	for _, p := range processes {
		b := p.Busyness()
		if best == nil || b < bestBusyness || (b == bestBusyness && p.LastUsed() < best.LastUsed()) {
			best = p
			bestBusyness = b
		}
	}
	return best
}

func (g *Group) enqueue(opts GetOptions) *waiter {
	w := &waiter{opts: opts, done: make(chan struct{})}
	g.getWaitlist.PushBack(w)
	return w
}

var errPoolAtFullCapacity = fmt.Errorf("pool at full capacity")
var errGroupUpperLimitReached = fmt.Errorf("group upper limit reached")

func (g *Group) shouldSpawnForGetAction(opts GetOptions) bool {
	if g.spawning || g.restarting {
		return false
	}
	minProcesses := g.cfg.MinProcesses
	if opts.MinProcesses > minProcesses {
		minProcesses = opts.MinProcesses
	}
	if g.capacityUsed() < minProcesses {
		return true
	}
	if g.enabledCount() == 0 && g.processesBeingSpawned == 0 {
		return true
	}
	return false
}

func (g *Group) atGroupUpperLimit() bool {
	return g.cfg.MaxProcesses > 0 && g.capacityUsed() >= g.cfg.MaxProcesses
}

// spawn starts an asynchronous spawn goroutine per spec.md §4.3.2.
// Caller holds pool.mu.
func (g *Group) spawn(actions *[]postLockAction) error {
	if g.life != GroupAlive {
		return fmt.Errorf("group %s: spawn called while not ALIVE", g.Name)
	}
	if g.spawning || g.restarting {
		return nil
	}
	if g.atGroupUpperLimit() {
		return errGroupUpperLimitReached
	}
	if g.pool.atFullCapacityLocked() {
		return errPoolAtFullCapacity
	}

	g.spawning = true
	g.processesBeingSpawned++
	snapshot := g.restartsInitiated
	opts := g.spawnOpts
	opts.AppGroupName = g.Name

	*actions = append(*actions, func() {
		g.spawnLoop(snapshot, opts)
	})
	return nil
}

func (g *Group) shouldSpawnAnother() bool {
	return g.capacityUsed() < g.cfg.MinProcesses || (g.enabledCount() == 0 && g.getWaitlist.Len() > 0)
}

// spawnLoop runs off-lock, per spec.md's "spawn is naturally blocking;
// model it as a task submitted to a small worker pool". It re-acquires
// pool.mu only for the brief attach/drain step.
func (g *Group) spawnLoop(snapshot uint32, opts SpawnOptions) {
	backoff := g.cfg.Restart.InitialBackoff
	attempts := 0

	for {
		g.pool.mu.Lock()
		cancelled := g.restartsInitiated != snapshot
		atCap := g.pool.atFullCapacityLocked()
		keepGoing := g.shouldSpawnAnother() && !cancelled && !atCap
		g.pool.mu.Unlock()

		if !keepGoing {
			break
		}

		spawnStart := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), opts.StartTimeout+g.cfg.ShutdownTimeout)
		process, err := g.spawner.Spawn(ctx, opts)
		cancel()
		if g.pool.metrics != nil {
			g.pool.metrics.RecordSpawnAttempt(err == nil, time.Since(spawnStart))
		}

		g.pool.mu.Lock()
		if err != nil {
			g.processesBeingSpawned--
			g.spawning = false
			attempts++
			g.logger.Error("spawn failed", "attempt", attempts, "error", err)
			terminal := g.enabledCount() == 0
			var actions []postLockAction
			if terminal {
				g.failAllWaiters(err, &actions)
			}
			g.pool.mu.Unlock()
			runActions(actions)

			if terminal && attempts >= g.cfg.Restart.MaxAttempts {
				return
			}
			if g.cfg.Restart.MaxBackoff > 0 {
				time.Sleep(backoff)
				backoff = time.Duration(float64(backoff) * g.cfg.Restart.Multiplier)
				if backoff > g.cfg.Restart.MaxBackoff {
					backoff = g.cfg.Restart.MaxBackoff
				}
			}
			g.pool.mu.Lock()
			g.spawning = true
			g.processesBeingSpawned++
			g.pool.mu.Unlock()
			continue
		}

		g.writeProcessMetadata(process)

		var actions []postLockAction
		process.onSessionClosed = g.onProcessSessionClosed
		g.enabled = append(g.enabled, process)
		g.processesBeingSpawned--
		g.drainGetWaitlist(&actions)
		g.pool.mu.Unlock()
		runActions(actions)
		attempts = 0
		backoff = g.cfg.Restart.InitialBackoff
	}

	g.pool.mu.Lock()
	g.spawning = false
	g.pool.mu.Unlock()
}

// failAllWaiters propagates a terminal SpawnError to every queued
// waiter for this Group (spec.md §4.3.2). Caller holds pool.mu.
func (g *Group) failAllWaiters(err error, actions *[]postLockAction) {
	for e := g.getWaitlist.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*waiter)
		w.err = fmt.Errorf("group %s: %w", g.Name, err)
		*actions = append(*actions, func() { close(w.done) })
		g.getWaitlist.Remove(e)
		e = next
	}
}

// drainGetWaitlist serves waiters in FIFO order. A waiter that route()
// cannot serve with finished=false (its sticky process is busy) is
// marked probed and passed over; the pass stops at the first waiter
// route() cannot serve with finished=true, or when the queue empties
// (spec.md §4.3.2, §5).
func (g *Group) drainGetWaitlist(actions *[]postLockAction) {
	for e := g.getWaitlist.Front(); e != nil; {
		w := e.Value.(*waiter)
		process, finished := g.route(w.opts)
		if process != nil {
			w.session = g.sessionFor(process)
			next := e.Next()
			g.getWaitlist.Remove(e)
			w2 := w
			*actions = append(*actions, func() { close(w2.done) })
			e = next
			continue
		}
		if !finished {
			w.probed = true
			e = e.Next()
			continue
		}
		break
	}
}

func runActions(actions []postLockAction) {
	for _, a := range actions {
		a()
	}
}

// checkNeedsRestart implements spec.md §4.3.3's needs_restart(), stat-
// throttled to at most one stat(2) per StatThrottleRate. watchRestartDir
// bypasses the throttle via forceCheckNeedsRestart when it observes a
// write directly.
func (g *Group) checkNeedsRestart(actions *[]postLockAction) {
	now := time.Now()
	if now.Sub(g.lastRestartFileCheckTime) < g.cfg.StatThrottleRate {
		return
	}
	g.lastRestartFileCheckTime = now
	g.statRestartFilesLocked(actions)
}

// forceCheckNeedsRestart skips the stat-throttle, for the fsnotify path.
func (g *Group) forceCheckNeedsRestart(actions *[]postLockAction) {
	g.lastRestartFileCheckTime = time.Now()
	g.statRestartFilesLocked(actions)
}

func (g *Group) statRestartFilesLocked(actions *[]postLockAction) {
	restartPath := filepath.Join(g.spawnOpts.AppRoot, "tmp", "restart.txt")
	alwaysPath := filepath.Join(g.spawnOpts.AppRoot, "tmp", "always_restart.txt")

	_, alwaysErr := os.Stat(alwaysPath)
	alwaysExists := alwaysErr == nil

	info, err := os.Stat(restartPath)
	triggered := false
	if err == nil {
		if info.ModTime().After(g.lastRestartFileMtime) {
			g.lastRestartFileMtime = info.ModTime()
			triggered = true
		}
	}
	if alwaysExists {
		triggered = true
	}
	g.alwaysRestartFileExists = alwaysExists

	if triggered {
		g.beginRestart(actions)
	}
}

// beginRestart implements the non-rolling restart state machine of
// spec.md §4.3.3. Caller holds pool.mu.
func (g *Group) beginRestart(actions *[]postLockAction) {
	if g.restarting {
		return
	}
	g.restarting = true
	g.restartsInitiated++
	g.spawning = false

	if g.pool != nil && g.pool.factory != nil {
		if _, spawner, spawnOpts, err := g.pool.factory(g.Name, g.spawnOpts.AppRoot); err == nil {
			g.spawner, g.spawnOpts = spawner, spawnOpts
		} else {
			g.logger.Error("restart: rebuilding spawner failed, keeping the previous one", "error", err)
		}
	}

	toDetach := append([]*Process{}, g.enabled...)
	g.enabled = nil
	for _, p := range toDetach {
		g.detachLocked(p)
	}

	snapshot := g.restartsInitiated
	opts := g.spawnOpts
	opts.AppGroupName = g.Name
	g.spawning = true
	g.processesBeingSpawned++
	*actions = append(*actions, func() {
		g.spawnLoop(snapshot, opts)
		g.pool.mu.Lock()
		g.restarting = false
		g.pool.mu.Unlock()
	})
}

// detach implements spec.md §4.3.4. Caller holds pool.mu.
func (g *Group) detach(process *Process) {
	g.detachLocked(process)
}

func (g *Group) detachLocked(process *Process) {
	g.removeFromLists(process)
	process.enabled = Detached
	g.detached = append(g.detached, process)
	if process.SessionCount() == 0 {
		if err := process.TriggerShutdown(); err != nil {
			g.logger.Error("trigger_shutdown on detach failed", "gupid", process.Gupid, "error", err)
		}
	}
}

func (g *Group) removeFromLists(process *Process) {
	g.enabled = removeProcess(g.enabled, process)
	g.disabling = removeProcess(g.disabling, process)
	g.disabled = removeProcess(g.disabled, process)
}

func removeProcess(list []*Process, process *Process) []*Process {
	for i, p := range list {
		if p == process {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// detachedProcessesChecker is the background reaper of spec.md §4.3.4.
func (g *Group) detachedProcessesChecker() {
	ticker := time.NewTicker(g.cfg.DetachCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopReaper:
			return
		case <-ticker.C:
			g.reapDetached()
		}
	}
}

func (g *Group) reapDetached() {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()

	remaining := g.detached[:0]
	for _, p := range g.detached {
		if p.SessionCount() == 0 && p.Life() == LifeAlive {
			if err := p.TriggerShutdown(); err != nil {
				g.logger.Error("detached reaper: trigger_shutdown failed", "gupid", p.Gupid, "error", err)
			}
		}
		if !p.OSProcessExists() && p.Life() == LifeShutdownTriggered {
			gupid := p.Gupid
			if err := p.Cleanup(func(sockets []*Socket) {
				g.unlinkUnixSockets(sockets)
				_ = g.sockets.CleanupSocket(g.sockets.GenerateSocketPath(gupid) + ".meta")
			}); err != nil {
				g.logger.Error("detached reaper: cleanup failed", "gupid", p.Gupid, "error", err)
			}
			continue
		}
		if p.ShutdownTimeoutExpired(g.cfg.ShutdownTimeout) {
			if err := p.Kill(); err != nil {
				g.logger.Error("detached reaper: kill failed", "gupid", p.Gupid, "error", err)
			}
		}
		remaining = append(remaining, p)
	}
	g.detached = remaining
}

// processMetadata is the compact per-process record spec.md §4.3.2
// says gets written "on attach" — enough to identify and reconnect to
// a process from outside the running apppoold, without needing its
// in-memory Group/Pool state.
type processMetadata struct {
	Gupid   string   `msgpack:"gupid"`
	PID     int      `msgpack:"pid"`
	Sockets []string `msgpack:"sockets"`
}

// writeProcessMetadata persists a compact, msgpack-encoded record of a
// newly attached process next to its socket files, for out-of-process
// introspection (e.g. an admin CLI invoked without the running pool).
func (g *Group) writeProcessMetadata(p *Process) {
	addrs := make([]string, len(p.Sockets))
	for i, s := range p.Sockets {
		addrs[i] = s.Address
	}
	meta := processMetadata{Gupid: p.Gupid, PID: p.PID, Sockets: addrs}

	codec := &MessagePackCodec{}
	data, err := codec.Marshal(meta)
	if err != nil {
		g.logger.Error("marshal process metadata failed", "gupid", p.Gupid, "error", err)
		return
	}
	path := g.sockets.GenerateSocketPath(p.Gupid) + ".meta"
	if err := os.WriteFile(path, data, 0600); err != nil {
		g.logger.Error("write process metadata failed", "gupid", p.Gupid, "error", err)
	}
}

// unlinkUnixSockets removes the on-disk socket files a now-DEAD
// Process's sockets occupied (spec.md §6 "unlinked by the Pool only
// when the owning Process transitions to DEAD").
func (g *Group) unlinkUnixSockets(sockets []*Socket) {
	for _, s := range sockets {
		path, ok := unixSocketPath(s.Address)
		if !ok {
			continue
		}
		if err := g.sockets.CleanupSocket(path); err != nil {
			g.logger.Error("unlink socket failed", "path", path, "error", err)
		}
	}
}

func unixSocketPath(address string) (string, bool) {
	const prefix = "unix:"
	if len(address) > len(prefix) && address[:len(prefix)] == prefix {
		return address[len(prefix):], true
	}
	return "", false
}

// requestOOBW implements the process-initiated half of spec.md §4.3.5.
// Call from the protocol layer when a worker signals it wants OOBW.
func (g *Group) requestOOBW(process *Process) {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	if process.oobw == OOBWNotActive {
		process.oobw = OOBWRequested
	}
}

// pollOOBW moves any REQUESTED, idle process into disabling and begins
// its out-of-band work; re-enables it when workFn returns.
func (g *Group) pollOOBW(workFn func(p *Process) error) {
	g.pool.mu.Lock()
	var candidate *Process
	for _, p := range g.enabled {
		if OOBWState(p.oobw) == OOBWRequested && p.SessionCount() == 0 {
			candidate = p
			break
		}
	}
	if candidate != nil {
		g.enabled = removeProcess(g.enabled, candidate)
		candidate.enabled = Disabling
		g.disabling = append(g.disabling, candidate)
		candidate.oobw = OOBWInProgress
	}
	g.pool.mu.Unlock()

	if candidate == nil {
		return
	}

	err := workFn(candidate)
	if err != nil {
		g.logger.Error("oobw failed", "gupid", candidate.Gupid, "error", err)
	}

	g.pool.mu.Lock()
	g.disabling = removeProcess(g.disabling, candidate)
	candidate.enabled = Enabled
	candidate.oobw = OOBWNotActive
	g.enabled = append(g.enabled, candidate)
	var actions []postLockAction
	g.drainGetWaitlist(&actions)
	g.pool.mu.Unlock()
	runActions(actions)
}

// shutdown transitions the Group to SHUTTING_DOWN, detaching every
// live process; returns once all have reached DEAD or ctx expires.
func (g *Group) shutdown(ctx context.Context) error {
	g.pool.mu.Lock()
	g.life = GroupShuttingDown
	for _, p := range append(append(append([]*Process{}, g.enabled...), g.disabling...), g.disabled...) {
		g.detachLocked(p)
	}
	g.pool.mu.Unlock()

	var errs error
	for {
		g.pool.mu.Lock()
		done := len(g.detached) == 0
		g.pool.mu.Unlock()
		if done {
			break
		}
		select {
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("group %s: shutdown timed out with %d processes undetached", g.Name, len(g.detached)))
			goto finish
		case <-time.After(50 * time.Millisecond):
		}
	}
finish:
	close(g.stopReaper)
	g.pool.mu.Lock()
	g.life = GroupShutDown
	g.pool.mu.Unlock()
	return errs
}
