// Package metrics exposes orchestrator counters on a private
// prometheus registry owned by the process that created it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the orchestrator maintains.
type Metrics struct {
	Registry *prometheus.Registry

	AgentsSpawned     prometheus.Counter
	AgentsTerminal    *prometheus.CounterVec
	PhaseTransitions  *prometheus.CounterVec
	ReviewsFinalized  *prometheus.CounterVec
	DaemonScans       prometheus.Counter
	DeadSessions      prometheus.Counter
	StuckAgents       prometheus.Counter
	LockTimeouts      prometheus.Counter
	StaleVersionRetry prometheus.Counter
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AgentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_agents_spawned_total",
			Help: "Agents spawned since process start.",
		}),
		AgentsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_agents_terminal_total",
			Help: "Agent terminal transitions by status.",
		}, []string{"status"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_phase_transitions_total",
			Help: "Phase transitions by target status.",
		}, []string{"to"}),
		ReviewsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_reviews_finalized_total",
			Help: "Reviews finalized by final verdict.",
		}, []string{"verdict"}),
		DaemonScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_health_scans_total",
			Help: "Health daemon scans completed.",
		}),
		DeadSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_dead_sessions_total",
			Help: "Dead multiplexer sessions detected.",
		}),
		StuckAgents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_stuck_agents_total",
			Help: "Agents flagged stuck by log inactivity.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_lock_timeouts_total",
			Help: "Advisory lock acquisitions that timed out.",
		}),
		StaleVersionRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_stale_version_retries_total",
			Help: "Optimistic-concurrency conflicts retried.",
		}),
	}
	reg.MustRegister(m.AgentsSpawned, m.AgentsTerminal, m.PhaseTransitions,
		m.ReviewsFinalized, m.DaemonScans, m.DeadSessions, m.StuckAgents,
		m.LockTimeouts, m.StaleVersionRetry)
	return m
}

// Nop returns a metrics set that records into a throwaway registry,
// for tests and callers that do not scrape.
func Nop() *Metrics { return New() }
