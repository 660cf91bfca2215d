// Package metrics holds the Prometheus collectors exported on the debug
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientConnections is the current number of accepted client connections.
	ClientConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socksbridge_client_connections",
		Help: "Current number of open client connections",
	})

	// Requests counts proxied requests by kind (connect, forward) and outcome.
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksbridge_requests_total",
		Help: "Total number of proxy requests",
	}, []string{"kind", "outcome"})

	// Denials counts requests refused by the access gate.
	Denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksbridge_denials_total",
		Help: "Total number of requests denied by access policy",
	}, []string{"reason"})

	// UpstreamErrors counts failed SOCKS5 dials by reason.
	UpstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksbridge_upstream_errors_total",
		Help: "Total number of failed SOCKS5 upstream dials",
	}, []string{"reason"})

	// DialDuration observes SOCKS5 connect+handshake latency.
	DialDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socksbridge_dial_duration_seconds",
		Help:    "Time to establish a stream through the SOCKS5 upstream",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// Tunnels is the current number of CONNECT tunnels pumping bytes.
	Tunnels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socksbridge_tunnels",
		Help: "Current number of active CONNECT tunnels",
	})

	// TunnelBytes counts bytes relayed by CONNECT tunnels by direction
	// (upstream = client to target, downstream = target to client).
	TunnelBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksbridge_tunnel_bytes_total",
		Help: "Total bytes relayed through CONNECT tunnels",
	}, []string{"direction"})

	// DNSLookups counts local resolver lookups by result (hit, miss, error).
	DNSLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksbridge_dns_lookups_total",
		Help: "Total number of local DNS lookups",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ClientConnections,
		Requests,
		Denials,
		UpstreamErrors,
		DialDuration,
		Tunnels,
		TunnelBytes,
		DNSLookups,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
