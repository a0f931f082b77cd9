package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgerl",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests issued to remote nodes.",
		},
		[]string{"node", "kind", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgerl",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "kind"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgerl",
			Subsystem: "node",
			Name:      "connections",
			Help:      "Live connections to remote nodes.",
		},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgerl",
			Subsystem: "node",
			Name:      "connect_total",
			Help:      "Connection attempts by result.",
		},
		[]string{"node", "success"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgerl",
			Subsystem: "async",
			Name:      "pending_requests",
			Help:      "Async requests that have not completed.",
		},
	)
	degradedDecodes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgerl",
			Subsystem: "codec",
			Name:      "degraded_decodes_total",
			Help:      "Responses that contained unrecognised terms.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requests, requestDuration, connections, connectAttempts, pendingRequests, degradedDecodes)
	})
}

func RecordRequest(node, kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(node, kind, outcome).Inc()
	requestDuration.WithLabelValues(node, kind).Observe(duration.Seconds())
}

func RecordConnect(node string, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
	}
	connectAttempts.WithLabelValues(node, label).Inc()
}

func SetConnections(n int) {
	RegisterMetrics()
	connections.Set(float64(n))
}

func SetPending(n int) {
	RegisterMetrics()
	pendingRequests.Set(float64(n))
}

func RecordDegradedDecode() {
	RegisterMetrics()
	degradedDecodes.Inc()
}
