package agent

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the process-wide counters and exports them in Prometheus
// format. Atomic mirrors back the JSON status endpoint without touching the
// registry.
type Metrics struct {
	registry *prometheus.Registry

	bytesTransferred prometheus.Counter
	activeTransfers  prometheus.Gauge
	connectedClients prometheus.Gauge

	bytesTotal atomic.Int64
	activeNow  atomic.Int64
	clientsNow atomic.Int64
}

// NewMetrics builds a metrics set on its own registry.
func NewMetrics(pairedCount func() int) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_bytes_transferred_total",
			Help: "Total payload bytes moved over the transfer channel.",
		}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_transfers",
			Help: "Transfers currently holding a worker slot.",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_connected_clients",
			Help: "Open HTTP client connections.",
		}),
	}

	registry.MustRegister(m.bytesTransferred, m.activeTransfers, m.connectedClients)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agent_paired_devices",
		Help: "Devices currently in the pairing store.",
	}, func() float64 { return float64(pairedCount()) }))

	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddBytes implements transfer.Counters.
func (m *Metrics) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	m.bytesTransferred.Add(float64(n))
	m.bytesTotal.Add(n)
}

// TransferStarted implements transfer.Counters.
func (m *Metrics) TransferStarted() {
	m.activeTransfers.Inc()
	m.activeNow.Add(1)
}

// TransferFinished implements transfer.Counters.
func (m *Metrics) TransferFinished() {
	m.activeTransfers.Dec()
	m.activeNow.Add(-1)
}

// ClientConnected implements server.ClientGauge.
func (m *Metrics) ClientConnected() {
	m.connectedClients.Inc()
	m.clientsNow.Add(1)
}

// ClientDisconnected implements server.ClientGauge.
func (m *Metrics) ClientDisconnected() {
	m.connectedClients.Dec()
	m.clientsNow.Add(-1)
}

// BytesTransferred returns the running payload byte total.
func (m *Metrics) BytesTransferred() int64 { return m.bytesTotal.Load() }

// ActiveTransfers returns the number of in-flight transfers.
func (m *Metrics) ActiveTransfers() int64 { return m.activeNow.Load() }

// ConnectedClients returns the number of open HTTP connections.
func (m *Metrics) ConnectedClients() int64 { return m.clientsNow.Load() }
