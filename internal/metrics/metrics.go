// Package metrics defines the Prometheus collectors StreamSockets emits,
// all labeled by account_name. Serialization and the scrape endpoint are
// left to prometheus/client_golang/promhttp (mounted by internal/server when
// METRICS_ENABLED is set).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections is the number of currently open connections per account.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamsockets_active_connections",
		Help: "Number of currently active connections",
	}, []string{"account_name"})

	// ConnectionStatus is 1 while a connection is up, 0 otherwise.
	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamsockets_connection_status",
		Help: "Connection status (1 = up, 0 = down)",
	}, []string{"account_name"})

	// TotalConnections counts every connection ever admitted.
	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_total_connections",
		Help: "Total number of connections admitted",
	}, []string{"account_name"})

	// BytesReceivedTotal counts bytes read from the WebSocket carrier.
	BytesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_bytes_received_total",
		Help: "Total bytes received over the WebSocket carrier",
	}, []string{"account_name"})

	// BytesSentTotal counts bytes written to the WebSocket carrier.
	BytesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_bytes_sent_total",
		Help: "Total bytes sent over the WebSocket carrier",
	}, []string{"account_name"})

	// ConnectionDuration observes the lifetime of a closed connection.
	ConnectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamsockets_connection_duration_seconds",
		Help:    "Connection lifetime in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"account_name"})
)

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
