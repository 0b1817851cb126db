// Package metrics provides Prometheus metrics collection for the node,
// adapted from the teacher's infrastructure/metrics package (same
// New/NewWithRegistry/MustRegister shape, record-method-per-concern
// pattern) but replacing its HTTP-service-fleet collectors with this
// node's own domain metrics: WAL appends, replication lag, rate-limit
// rejections, relay deliveries, dropped events.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this node exposes at GET /metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	WALAppendsTotal   *prometheus.CounterVec
	WALPosition       *prometheus.GaugeVec
	ReplicationLag    *prometheus.GaugeVec
	ReplicationState  *prometheus.GaugeVec
	RateLimitRejected *prometheus.CounterVec
	RelayDelivered    *prometheus.CounterVec
	RelaySubscribers  prometheus.Gauge
	EventsDropped     prometheus.Gauge
}

// New creates a Metrics instance registered against the default registry.
func New(nodeID string) *Metrics {
	return NewWithRegistry(nodeID, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// used by tests that want an isolated registry instead of the process
// global.
func NewWithRegistry(nodeID string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_http_requests_total",
				Help: "Total number of HTTP requests handled by this node.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "node_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		WALAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_wal_appends_total",
				Help: "Total number of WAL entries appended, per database.",
			},
			[]string{"database_id"},
		),
		WALPosition: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "node_wal_position",
				Help: "Current WAL position, per database.",
			},
			[]string{"database_id"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "node_replication_lag_entries",
				Help: "Entries the local replica has not yet applied relative to its last observed primary position.",
			},
			[]string{"database_id"},
		),
		ReplicationState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "node_replication_state",
				Help: "1 if the follower for this database is in the given state (catching_up/live/faulted), else 0.",
			},
			[]string{"database_id", "state"},
		),
		RateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter, per tier.",
			},
			[]string{"tier"},
		),
		RelayDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_relay_messages_delivered_total",
				Help: "Total number of relay messages delivered, split by delivery path.",
			},
			[]string{"path"}, // "live" (subscriber push) or "replay" (pending queue on subscribe)
		),
		RelaySubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "node_relay_subscribers",
				Help: "Current number of connected relay WebSocket subscribers.",
			},
		),
		EventsDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "node_events_dropped_total",
				Help: "Cumulative count of Node lifecycle events dropped because a subscriber's channel was full.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.WALAppendsTotal,
			m.WALPosition,
			m.ReplicationLag,
			m.ReplicationState,
			m.RateLimitRejected,
			m.RelayDelivered,
			m.RelaySubscribers,
			m.EventsDropped,
		)
	}

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWALAppend records one WAL append for databaseID and its resulting
// position.
func (m *Metrics) RecordWALAppend(databaseID string, position uint64) {
	m.WALAppendsTotal.WithLabelValues(databaseID).Inc()
	m.WALPosition.WithLabelValues(databaseID).Set(float64(position))
}

// SetReplicationLag records how many entries databaseID's follower has yet
// to apply.
func (m *Metrics) SetReplicationLag(databaseID string, lag uint64) {
	m.ReplicationLag.WithLabelValues(databaseID).Set(float64(lag))
}

// replicationStates lists every state RecordReplicationState clears before
// setting the current one, so a dashboard querying this gauge never sees
// two states set to 1 for the same database at once.
var replicationStates = []string{"catching_up", "live", "faulted"}

// RecordReplicationState marks databaseID's follower as currently in
// state, zeroing every other known state.
func (m *Metrics) RecordReplicationState(databaseID, state string) {
	for _, s := range replicationStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.ReplicationState.WithLabelValues(databaseID, s).Set(value)
	}
}

// RecordRateLimitRejection records one rejected request for tier.
func (m *Metrics) RecordRateLimitRejection(tier string) {
	m.RateLimitRejected.WithLabelValues(tier).Inc()
}

// RecordRelayDelivery records one delivered relay message along path
// ("live" or "replay").
func (m *Metrics) RecordRelayDelivery(path string) {
	m.RelayDelivered.WithLabelValues(path).Inc()
}

// SetRelaySubscribers records the current subscriber count.
func (m *Metrics) SetRelaySubscribers(count int) {
	m.RelaySubscribers.Set(float64(count))
}

// SetEventsDropped mirrors node.Node.EventsDropped() onto a gauge so it is
// visible on the /metrics surface rather than only through polling the API.
func (m *Metrics) SetEventsDropped(count uint64) {
	m.EventsDropped.Set(float64(count))
}

// Handler returns the promhttp handler this node mounts at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	globalMu sync.Mutex
	global   *Metrics
)

// Init installs the process-wide Metrics instance, creating it on first
// call and returning the existing one on subsequent calls.
func Init(nodeID string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(nodeID)
	}
	return global
}

// Global returns the process-wide Metrics instance, creating an unlabeled
// one if Init was never called — callers that only want to record a metric
// opportunistically should not have to thread a *Metrics through first.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("unknown")
	}
	return global
}
