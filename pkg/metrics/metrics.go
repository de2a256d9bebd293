// Package metrics exposes the Prometheus collectors instrumenting the
// session, dispatcher, bus adapter, and history store: promauto vectors
// plus small Inc/Set helpers called from the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts dispatcher actions by name and result.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp02_commands_total",
		Help: "Total dispatcher commands processed, by action and status",
	}, []string{"action", "status"})

	// SessionSendDuration observes the latency of the dispatcher's first
	// Session.Send per command; token-discovery probes and the retry after a
	// reconnect are not timed.
	SessionSendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cp02_session_send_seconds",
		Help:    "Latency of station.Session.Send round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	// TokenAcquisitions counts token-manager outcomes by method.
	TokenAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp02_token_acquisitions_total",
		Help: "Token manager ensure()/refresh() outcomes",
	}, []string{"method", "status"})

	// ReconnectAttempts counts supervisor reconnect attempts.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp02_reconnect_attempts_total",
		Help: "Connection supervisor reconnect attempts, by outcome",
	}, []string{"status"})

	// GatewaysOnline is the current count of aggregator gateways considered
	// online (heartbeat within timeout).
	GatewaysOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cp02_gateways_online",
		Help: "Number of gateways currently considered online",
	})

	// BusCommandsInflight tracks the aggregator's cmd_id correlation map size.
	BusCommandsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cp02_bus_commands_inflight",
		Help: "Number of aggregator commands awaiting a cmd_response",
	})

	// HistorySamplesTotal counts telemetry rows appended to the history store.
	HistorySamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp02_history_samples_total",
		Help: "Telemetry rows appended to the history store, by gateway",
	}, []string{"gateway_id"})
)

// Status label values shared across the counters above.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// ObserveCommand records a dispatcher action outcome.
func ObserveCommand(action, status string) {
	CommandsTotal.WithLabelValues(action, status).Inc()
}

// SetGatewaysOnline sets the online gateway gauge.
func SetGatewaysOnline(n int) {
	GatewaysOnline.Set(float64(n))
}

// SetBusCommandsInflight sets the bus correlation-map size gauge.
func SetBusCommandsInflight(n int) {
	BusCommandsInflight.Set(float64(n))
}

// IncHistorySamples increments the per-gateway history sample counter by n.
func IncHistorySamples(gatewayID string, n int) {
	HistorySamplesTotal.WithLabelValues(gatewayID).Add(float64(n))
}
