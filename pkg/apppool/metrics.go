package apppool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics exports the Pool's busyness/capacity/session/waitlist
// state as prometheus gauges and counters, replacing ad-hoc snapshot
// structs with the instrumentation shape the rest of the ecosystem
// scrapes.
type PoolMetrics struct {
	capacityUsed  prometheus.Gauge
	capacityMax   prometheus.Gauge
	poolWaitlist  prometheus.Gauge
	groupsActive  prometheus.Gauge

	groupWaitlist   *prometheus.GaugeVec
	groupEnabled    *prometheus.GaugeVec
	groupDisabling  *prometheus.GaugeVec
	groupDisabled   *prometheus.GaugeVec
	groupDetached   *prometheus.GaugeVec
	groupSpawning   *prometheus.GaugeVec

	sessionsTotal   *prometheus.GaugeVec
	busynessGauge   *prometheus.GaugeVec

	spawnAttempts prometheus.Counter
	spawnFailures prometheus.Counter
	processesGCed prometheus.Counter
	processesRecycled prometheus.Counter

	spawnDuration prometheus.Histogram
}

// NewPoolMetrics constructs and registers a PoolMetrics against reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from
// the cmd entrypoint.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		capacityUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "capacity_used", Help: "Sum of capacity_used() across all groups.",
		}),
		capacityMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "capacity_max", Help: "Pool.max, the global process ceiling.",
		}),
		poolWaitlist: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "pool_waitlist_length", Help: "Entries on the pool-global get_waitlist.",
		}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "groups_active", Help: "Number of application groups currently tracked.",
		}),
		groupWaitlist: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_waitlist_length", Help: "Entries on a group's get_waitlist.",
		}, []string{"group"}),
		groupEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_enabled_processes", Help: "Processes in the enabled list.",
		}, []string{"group"}),
		groupDisabling: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_disabling_processes", Help: "Processes in the disabling list.",
		}, []string{"group"}),
		groupDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_disabled_processes", Help: "Processes in the disabled list.",
		}, []string{"group"}),
		groupDetached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_detached_processes", Help: "Processes awaiting OS exit.",
		}, []string{"group"}),
		groupSpawning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_spawning", Help: "1 if the group's spawn loop is active.",
		}, []string{"group"}),
		sessionsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_sessions_open", Help: "Open sessions summed across a group's enabled processes.",
		}, []string{"group"}),
		busynessGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apppool", Name: "group_min_busyness", Help: "Lowest Process.Busyness() among a group's enabled processes.",
		}, []string{"group"}),
		spawnAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apppool", Name: "spawn_attempts_total", Help: "Spawn attempts across all groups.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apppool", Name: "spawn_failures_total", Help: "Failed spawn attempts across all groups.",
		}),
		processesGCed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apppool", Name: "processes_idle_gc_total", Help: "Processes detached by the idle-time GC.",
		}),
		processesRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apppool", Name: "processes_recycled_total", Help: "Processes detached after exceeding max_requests.",
		}),
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apppool", Name: "spawn_duration_seconds", Help: "Time from spawn start to a new process becoming routable.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.capacityUsed, m.capacityMax, m.poolWaitlist, m.groupsActive,
		m.groupWaitlist, m.groupEnabled, m.groupDisabling, m.groupDisabled, m.groupDetached, m.groupSpawning,
		m.sessionsTotal, m.busynessGauge,
		m.spawnAttempts, m.spawnFailures, m.processesGCed, m.processesRecycled,
		m.spawnDuration,
	)
	return m
}

// Collect snapshots a Pool's current state into the registered gauges.
// Intended to be called on a short ticker from the metrics HTTP server,
// the same polling idiom the teacher used for worker health.
func (m *PoolMetrics) Collect(p *Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m.capacityUsed.Set(float64(p.capacityUsedLocked()))
	m.capacityMax.Set(float64(p.max))
	m.poolWaitlist.Set(float64(p.getWaitlist.Len()))
	m.groupsActive.Set(float64(len(p.groups)))

	for name, g := range p.groups {
		m.groupWaitlist.WithLabelValues(name).Set(float64(g.getWaitlist.Len()))
		m.groupEnabled.WithLabelValues(name).Set(float64(len(g.enabled)))
		m.groupDisabling.WithLabelValues(name).Set(float64(len(g.disabling)))
		m.groupDisabled.WithLabelValues(name).Set(float64(len(g.disabled)))
		m.groupDetached.WithLabelValues(name).Set(float64(len(g.detached)))
		if g.spawning {
			m.groupSpawning.WithLabelValues(name).Set(1)
		} else {
			m.groupSpawning.WithLabelValues(name).Set(0)
		}

		sessions := 0
		var minBusy int64 = -1
		for _, proc := range g.enabled {
			sessions += proc.SessionCount()
			b := proc.Busyness()
			if minBusy == -1 || b < minBusy {
				minBusy = b
			}
		}
		m.sessionsTotal.WithLabelValues(name).Set(float64(sessions))
		if minBusy >= 0 {
			m.busynessGauge.WithLabelValues(name).Set(float64(minBusy))
		}
	}
}

// RecordSpawnAttempt counts one spawn attempt and, when it failed,
// also counts it as a failure.
func (m *PoolMetrics) RecordSpawnAttempt(ok bool, elapsed time.Duration) {
	m.spawnAttempts.Inc()
	m.spawnDuration.Observe(elapsed.Seconds())
	if !ok {
		m.spawnFailures.Inc()
	}
}

// RecordIdleGC counts one idle-time process eviction.
func (m *PoolMetrics) RecordIdleGC() { m.processesGCed.Inc() }

// RecordRecycle counts one max_requests-triggered process eviction.
func (m *PoolMetrics) RecordRecycle() { m.processesRecycled.Inc() }
