package csms

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session layer
type Metrics struct {
	// Counters
	FramesTotal      prometheus.CounterVec
	CommandsTotal    prometheus.CounterVec
	ConnectionsTotal prometheus.CounterVec
	BroadcastsTotal  prometheus.CounterVec
	ErrorsTotal      prometheus.CounterVec

	// Gauges
	SessionsActive prometheus.Gauge
	ChargersOnline prometheus.Gauge
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			FramesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "csms_frames_total",
					Help: "Total protocol frames handled, by action and outcome",
				},
				[]string{"action", "outcome"},
			),
			CommandsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "csms_commands_total",
					Help: "Total operator commands arbitrated",
				},
				[]string{"command", "outcome"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "csms_connections_total",
					Help: "Total charger connections (accepted/rejected/replaced)",
				},
				[]string{"status"},
			),
			BroadcastsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "csms_broadcasts_total",
					Help: "Total group broadcast deliveries (delivered/dropped)",
				},
				[]string{"event", "outcome"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "csms_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "csms_sessions_active",
					Help: "Current open WebSocket sessions",
				},
			),
			ChargersOnline: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "csms_chargers_online",
					Help: "Current registered charger sessions",
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordFrame records a handled protocol frame
func (m *Metrics) RecordFrame(action string, outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCommand records an arbitrated operator command
func (m *Metrics) RecordCommand(command string, outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordConnection records a connection attempt
func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordBroadcast records a group broadcast delivery attempt
func (m *Metrics) RecordBroadcast(event string, outcome string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetActiveSessions sets the current open session count
func (m *Metrics) SetActiveSessions(count int64) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// SetChargersOnline sets the current registered charger count
func (m *Metrics) SetChargersOnline(count int64) {
	if m == nil {
		return
	}
	m.ChargersOnline.Set(float64(count))
}
