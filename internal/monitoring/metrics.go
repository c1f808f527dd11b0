package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the runtime core.
type Metrics struct {
	// Sandbox lifecycle
	SandboxesCreated     *prometheus.CounterVec
	SandboxesDestroyed   *prometheus.CounterVec
	ActiveSandboxes      prometheus.Gauge
	SandboxCreateLatency *prometheus.HistogramVec

	// Pool
	PoolSize       *prometheus.GaugeVec
	PoolAcquires   *prometheus.CounterVec
	PoolRepurposes *prometheus.CounterVec

	// Billing
	CreditCommits          *prometheus.CounterVec
	CreditUnitsCommitted   prometheus.Counter
	CreditExhaustionEvents prometheus.Counter
	IdleTransitions        *prometheus.CounterVec

	// Gateway
	GatewayConnections prometheus.Gauge
	GatewayMessages    *prometheus.CounterVec
	GatewayCloses      *prometheus.CounterVec

	// Engine
	EngineRetries     *prometheus.CounterVec
	EngineBreakerOpen prometheus.Counter
}

// NewMetrics creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in main; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SandboxesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_sandboxes_created_total",
				Help: "Sandboxes created, by runtime and source (pool refill or direct)",
			},
			[]string{"runtime", "source"},
		),

		SandboxesDestroyed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_sandboxes_destroyed_total",
				Help: "Sandboxes destroyed, by termination cause",
			},
			[]string{"runtime", "cause"},
		),

		ActiveSandboxes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codeloft_active_sandboxes",
				Help: "Sandboxes currently assigned to a session",
			},
		),

		SandboxCreateLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloft_sandbox_create_latency_seconds",
				Help:    "Time from assign request to usable sandbox",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"runtime", "source"}, // source: pool, fresh, clone
		),

		PoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codeloft_pool_size",
				Help: "Warm entries currently parked per pool key",
			},
			[]string{"runtime"},
		),

		PoolAcquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_pool_acquires_total",
				Help: "Pool acquisition attempts by outcome",
			},
			[]string{"runtime", "outcome"}, // outcome: hit, miss
		),

		PoolRepurposes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_pool_repurposes_total",
				Help: "Pool entry repurpose attempts by outcome",
			},
			[]string{"runtime", "outcome"}, // outcome: ok, failed
		),

		CreditCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_credit_commits_total",
				Help: "Meter commits against the ledger by result",
			},
			[]string{"result"}, // result: ok, insufficient, error
		),

		CreditUnitsCommitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeloft_credit_units_committed_total",
				Help: "Billing units debited across all sessions",
			},
		),

		CreditExhaustionEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeloft_credit_exhaustion_events_total",
				Help: "Sessions reaped because their account ran dry",
			},
		),

		IdleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_idle_transitions_total",
				Help: "Session idle state changes",
			},
			[]string{"direction"}, // direction: to_idle, to_active
		),

		GatewayConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codeloft_gateway_connections",
				Help: "Open IDE connections",
			},
		),

		GatewayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_gateway_messages_total",
				Help: "Protocol messages by type and direction",
			},
			[]string{"type", "direction"}, // direction: in, out
		),

		GatewayCloses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_gateway_closes_total",
				Help: "Server-initiated connection closes by cause",
			},
			[]string{"cause"}, // cause: auth_required, invalid_token, stale, slow_client, shutdown
		),

		EngineRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloft_engine_retries_total",
				Help: "Engine call retries by operation",
			},
			[]string{"op"},
		),

		EngineBreakerOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeloft_engine_breaker_open_total",
				Help: "Calls rejected because the engine circuit breaker was open",
			},
		),
	}
}

// RecordSandboxCreated records one sandbox creation and its latency.
func (m *Metrics) RecordSandboxCreated(runtime, source string, seconds float64) {
	m.SandboxesCreated.WithLabelValues(runtime, source).Inc()
	m.SandboxCreateLatency.WithLabelValues(runtime, source).Observe(seconds)
}

// RecordSandboxDestroyed records one sandbox teardown.
func (m *Metrics) RecordSandboxDestroyed(runtime, cause string) {
	m.SandboxesDestroyed.WithLabelValues(runtime, cause).Inc()
}

// SetPoolSize updates the warm-entry gauge for a pool key.
func (m *Metrics) SetPoolSize(runtime string, size int) {
	m.PoolSize.WithLabelValues(runtime).Set(float64(size))
}

// RecordPoolAcquire records a pool hit or miss.
func (m *Metrics) RecordPoolAcquire(runtime string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.PoolAcquires.WithLabelValues(runtime, outcome).Inc()
}

// RecordRepurpose records a repurpose attempt outcome.
func (m *Metrics) RecordRepurpose(runtime string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.PoolRepurposes.WithLabelValues(runtime, outcome).Inc()
}

// RecordCommit records a meter commit and the units it moved.
func (m *Metrics) RecordCommit(result string, units int64) {
	m.CreditCommits.WithLabelValues(result).Inc()
	if units > 0 {
		m.CreditUnitsCommitted.Add(float64(units))
	}
}

// RecordIdleTransition records a session flipping between idle and active.
func (m *Metrics) RecordIdleTransition(toIdle bool) {
	direction := "to_active"
	if toIdle {
		direction = "to_idle"
	}
	m.IdleTransitions.WithLabelValues(direction).Inc()
}

// RecordMessage records one gateway protocol message.
func (m *Metrics) RecordMessage(msgType, direction string) {
	m.GatewayMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordClose records a server-initiated close.
func (m *Metrics) RecordClose(cause string) {
	m.GatewayCloses.WithLabelValues(cause).Inc()
}
