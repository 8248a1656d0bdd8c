package apppool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// LifeStatus is the monotonically-forward lifecycle of a Process.
type LifeStatus int32

const (
	LifeAlive LifeStatus = iota
	LifeShutdownTriggered
	LifeDead
)

func (s LifeStatus) String() string {
	switch s {
	case LifeAlive:
		return "ALIVE"
	case LifeShutdownTriggered:
		return "SHUTDOWN_TRIGGERED"
	case LifeDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// EnabledStatus records which of a Group's four lists a Process lives in.
type EnabledStatus int32

const (
	Enabled EnabledStatus = iota
	Disabling
	Disabled
	Detached
)

func (s EnabledStatus) String() string {
	switch s {
	case Enabled:
		return "ENABLED"
	case Disabling:
		return "DISABLING"
	case Disabled:
		return "DISABLED"
	case Detached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// OOBWState is a Process's out-of-band-work state.
type OOBWState int32

const (
	OOBWNotActive OOBWState = iota
	OOBWRequested
	OOBWInProgress
)

// busynessScaleMax mirrors the C++ INT_MAX scale factor used to rank
// bounded-concurrency processes against unlimited-concurrency ones.
const busynessScaleMax = math.MaxInt32

// Socket is one upstream listening endpoint a worker process exposes.
type Socket struct {
	Address               string // "tcp://host:port" or "unix:/path"
	Protocol               string // "session" or "http"
	Concurrency            int    // >0 hard cap, 0 unlimited, <0 unknown
	AcceptingHTTPRequests  bool

	mu       sync.Mutex
	sessions int
}

func (s *Socket) currentSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Socket) atCap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Concurrency > 0 && s.sessions >= s.Concurrency
}

func (s *Socket) incr() {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
}

func (s *Socket) decr() {
	s.mu.Lock()
	if s.sessions > 0 {
		s.sessions--
	}
	s.mu.Unlock()
}

// busyness computes this socket's contribution using the rule in
// spec.md §4.1: unbounded sockets rank lowest (most preferred).
func (s *Socket) busyness() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Concurrency <= 0 {
		return int64(s.sessions)
	}
	return int64(s.sessions) * busynessScaleMax / int64(s.Concurrency)
}

// Process wraps one OS worker: its sockets, busyness accounting and
// lifecycle. All mutation happens under the owning Group/Pool lock;
// LifeStatus alone is safe to read lock-free (monotonic, one-shot).
type Process struct {
	PID           int
	Gupid         string
	StickySessionID uint32

	Sockets []*Socket

	Processed atomic.Uint64
	lastUsedUS atomic.Int64 // monotonic microseconds

	life    atomic.Int32 // LifeStatus
	enabled EnabledStatus
	oobw    OOBWState

	shutdownStartTime time.Time
	insertionSeq      uint64 // unused; lowestBusyness breaks busyness ties by LastUsed

	sessions atomic.Int32 // total open sessions across all sockets

	stdinCloser func() error // closes the worker's stdin pipe; the "please exit" signal
	killer      func() error // SIGKILL

	// onSessionClosed is set by the owning Group once the Process is
	// attached, so a session drop can prod the Group to drain its
	// get_waitlist without Process holding a real back-reference.
	onSessionClosed func()

	existsCache struct {
		mu      sync.Mutex
		checked bool
		exists  bool
	}
}

// NewProcess constructs a Process in LifeAlive/Enabled state.
func NewProcess(pid int, gupid string, sockets []*Socket, stdinCloser, killer func() error) *Process {
	p := &Process{
		PID:         pid,
		Gupid:       gupid,
		Sockets:     sockets,
		enabled:     Enabled,
		oobw:        OOBWNotActive,
		stdinCloser: stdinCloser,
		killer:      killer,
	}
	p.life.Store(int32(LifeAlive))
	p.lastUsedUS.Store(time.Now().UnixMicro())
	return p
}

func (p *Process) Life() LifeStatus { return LifeStatus(p.life.Load()) }

func (p *Process) LastUsed() int64 { return p.lastUsedUS.Load() }

func (p *Process) SessionCount() int { return int(p.sessions.Load()) }

// lowestBusynessSocket returns the accepting socket with the smallest
// busyness, or nil if none are accepting.
func (p *Process) lowestBusynessSocket() *Socket {
	var best *Socket
	var bestBusyness int64
	for _, s := range p.Sockets {
		if !s.AcceptingHTTPRequests {
			continue
		}
		b := s.busyness()
		if best == nil || b < bestBusyness {
			best = s
			bestBusyness = b
		}
	}
	return best
}

// IsTotallyBusy reports whether every request-accepting socket has hit
// its concurrency cap. A socket with concurrency<=0 can never be "full".
func (p *Process) IsTotallyBusy() bool {
	any := false
	for _, s := range p.Sockets {
		if !s.AcceptingHTTPRequests {
			continue
		}
		any = true
		if !s.atCap() {
			return false
		}
		if s.Concurrency <= 0 {
			return false
		}
	}
	return any // a process with no accepting sockets at all routes nowhere; treat conservatively as not "totally busy" by capacity, routing will simply fail to find a socket
}

// CanBeRoutedTo is the negation of IsTotallyBusy, per spec.md §4.1.
func (p *Process) CanBeRoutedTo() bool { return !p.IsTotallyBusy() }

// Busyness aggregates sessions across accepting sockets using the same
// unlimited-concurrency-ranks-lowest rule as Socket.busyness.
func (p *Process) Busyness() int64 {
	concurrency := 0
	sessions := 0
	sawUnbounded := false
	for _, s := range p.Sockets {
		if !s.AcceptingHTTPRequests {
			continue
		}
		s.mu.Lock()
		sessions += s.sessions
		if s.Concurrency <= 0 {
			sawUnbounded = true
		} else {
			concurrency += s.Concurrency
		}
		s.mu.Unlock()
	}
	if sawUnbounded || concurrency <= 0 {
		return int64(sessions)
	}
	return int64(sessions) * busynessScaleMax / int64(concurrency)
}

// NewSession picks the least-busy accepting socket and hands back a
// Session bound to it, or nil if every accepting socket is at capacity.
func (p *Process) NewSession(now time.Time) *Session {
	socket := p.lowestBusynessSocket()
	if socket == nil {
		return nil
	}
	if socket.atCap() {
		return nil
	}
	socket.incr()
	p.sessions.Add(1)
	p.lastUsedUS.Store(now.UnixMicro())
	return newSession(p, socket)
}

// sessionClosed is invoked at most once per Session, from Session.Close.
func (p *Process) sessionClosed(s *Session) {
	s.socket.decr()
	if p.sessions.Add(-1) < 0 {
		p.sessions.Store(0)
	}
	p.Processed.Add(1)
	if p.onSessionClosed != nil {
		p.onSessionClosed()
	}
}

// OSProcessExists checks liveness via signal 0 (and, on Linux, a zombie
// probe). A false result is cached so a recycled PID is never mistaken
// for this Process once it has been observed dead.
func (p *Process) OSProcessExists() bool {
	p.existsCache.mu.Lock()
	defer p.existsCache.mu.Unlock()
	if p.existsCache.checked && !p.existsCache.exists {
		return false
	}
	exists := osProcessExists(p.PID)
	if !exists {
		p.existsCache.checked = true
		p.existsCache.exists = false
	}
	return exists
}

// TriggerShutdown asks the worker to exit by closing its stdin pipe.
// Precondition: Life()==ALIVE && SessionCount()==0.
func (p *Process) TriggerShutdown() error {
	if p.Life() != LifeAlive {
		return fmt.Errorf("process %s: trigger_shutdown called in state %s", p.Gupid, p.Life())
	}
	if p.SessionCount() != 0 {
		return fmt.Errorf("process %s: trigger_shutdown called with %d open sessions", p.Gupid, p.SessionCount())
	}
	p.life.Store(int32(LifeShutdownTriggered))
	p.shutdownStartTime = time.Now()
	if p.stdinCloser != nil {
		return p.stdinCloser()
	}
	return nil
}

// ShutdownTimeoutExpired reports whether PROCESS_SHUTDOWN_TIMEOUT has
// elapsed since TriggerShutdown, past which the Group may SIGKILL.
func (p *Process) ShutdownTimeoutExpired(timeout time.Duration) bool {
	if p.Life() != LifeShutdownTriggered {
		return false
	}
	return time.Since(p.shutdownStartTime) > timeout
}

// Kill sends SIGKILL to a process stuck past its shutdown timeout.
func (p *Process) Kill() error {
	if p.killer == nil {
		return nil
	}
	return p.killer()
}

// Cleanup transitions ALIVE-shutdown-triggered, now-confirmed-dead
// processes to DEAD. Precondition: life==SHUTDOWN_TRIGGERED && !OSProcessExists().
func (p *Process) Cleanup(unlinkUnixSockets func([]*Socket)) error {
	if p.Life() != LifeShutdownTriggered {
		return fmt.Errorf("process %s: cleanup called in state %s", p.Gupid, p.Life())
	}
	if p.OSProcessExists() {
		return fmt.Errorf("process %s: cleanup called while OS process still exists", p.Gupid)
	}
	if unlinkUnixSockets != nil {
		unlinkUnixSockets(p.Sockets)
	}
	p.life.Store(int32(LifeDead))
	return nil
}
