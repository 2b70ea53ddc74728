package security

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricGatewayDecisions    = "gateway_decisions_total"
	MetricSecurityEvents      = "security_events_total"
	MetricSuspiciousActivity  = "suspicious_activity_total"
	MetricBlocksTotal         = "blocks_total"
	MetricEventQueueDropped   = "security_event_queue_dropped_total"
	MetricBlockCacheRefreshes = "block_cache_refreshes_total"
)

// Gateway decision outcomes for labeling.
const (
	DecisionPass        = "pass"
	DecisionBlocked     = "blocked"
	DecisionRateLimited = "rate_limited"
	DecisionEscalated   = "escalated"
)

// Metrics contains Prometheus metrics for the security gateway.
// All operations are thread-safe.
type Metrics struct {
	decisions       *prometheus.CounterVec
	events          *prometheus.CounterVec
	suspicious      prometheus.Counter
	blocks          *prometheus.CounterVec
	queueDropped    prometheus.Counter
	cacheRefreshes  *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayDecisions,
				Help: "Total number of gateway decisions by outcome",
			},
			[]string{"decision"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSecurityEvents,
				Help: "Total number of security events logged by type and severity",
			},
			[]string{"event_type", "severity"},
		),
		suspicious: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricSuspiciousActivity,
				Help: "Total number of suspicious-activity records written",
			},
		),
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBlocksTotal,
				Help: "Total number of block and unblock operations by action and origin",
			},
			[]string{"action", "origin"},
		),
		queueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricEventQueueDropped,
				Help: "Total number of security events dropped because the write queue was full",
			},
		),
		cacheRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBlockCacheRefreshes,
				Help: "Total number of block cache refreshes by status",
			},
			[]string{"status"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.decisions,
		m.events,
		m.suspicious,
		m.blocks,
		m.queueDropped,
		m.cacheRefreshes,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncDecision increments the gateway decision counter.
func (m *Metrics) IncDecision(decision string) {
	m.decisions.WithLabelValues(decision).Inc()
}

// IncEvent increments the security events counter.
func (m *Metrics) IncEvent(eventType EventType, severity Severity) {
	m.events.WithLabelValues(string(eventType), string(severity)).Inc()
}

// IncSuspicious increments the suspicious-activity counter.
func (m *Metrics) IncSuspicious() {
	m.suspicious.Inc()
}

// IncBlock increments the block operations counter.
// action: "block" or "unblock"; origin: "manual", "automatic", or "gateway".
func (m *Metrics) IncBlock(action, origin string) {
	m.blocks.WithLabelValues(action, origin).Inc()
}

// IncQueueDropped increments the dropped-events counter.
func (m *Metrics) IncQueueDropped() {
	m.queueDropped.Inc()
}

// IncCacheRefresh increments the cache refresh counter.
// status: "success" or "failure".
func (m *Metrics) IncCacheRefresh(status string) {
	m.cacheRefreshes.WithLabelValues(status).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.decisions,
		m.events,
		m.suspicious,
		m.blocks,
		m.queueDropped,
		m.cacheRefreshes,
	}
}
