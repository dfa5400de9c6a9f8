// Package metrics exposes the proxy's Prometheus counters and gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the proxy publishes on its admin surface.
type Registry struct {
	ConnectTotal           prometheus.Counter
	TLSInterceptedTotal    prometheus.Counter
	BlindTunnelsTotal      prometheus.Counter
	SSLPoolListeners       prometheus.Gauge
	SSLPoolSingleFlight    prometheus.Counter
	WSBridgesActive        prometheus.Gauge
	WSCloseRemappedTotal   prometheus.Counter
	UpstreamSelectedTotal  *prometheus.CounterVec
	PipelineErrorsTotal    *prometheus.CounterVec
	BytesClientToOrigin    prometheus.Counter
	BytesOriginToClient    prometheus.Counter
}

// New builds and registers the registry against the default Prometheus registerer.
func New() *Registry {
	r := &Registry{
		ConnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_connect_total",
			Help: "Total number of CONNECT requests handled",
		}),
		TLSInterceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_tls_intercepted_total",
			Help: "Total number of CONNECT tunnels routed to the SSL server pool",
		}),
		BlindTunnelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_blind_tunnels_total",
			Help: "Total number of CONNECT tunnels spliced blindly (non-TLS preview byte)",
		}),
		SSLPoolListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vanessa_sslpool_listeners",
			Help: "Number of ephemeral HTTPS listeners currently owned by the SSL server pool",
		}),
		SSLPoolSingleFlight: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_sslpool_singleflight_waits_total",
			Help: "Total number of callers that found their listener already created once they held its group's creation lock",
		}),
		WSBridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vanessa_ws_bridges_active",
			Help: "Number of currently active WebSocket bridges",
		}),
		WSCloseRemappedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_ws_close_remapped_total",
			Help: "Total number of WebSocket close codes remapped from the reserved range to 1001",
		}),
		UpstreamSelectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanessa_upstream_selected_total",
			Help: "Total number of requests dispatched per selected upstream agent type",
		}, []string{"type"}),
		PipelineErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanessa_pipeline_errors_total",
			Help: "Total number of pipeline errors by kind",
		}, []string{"kind"}),
		BytesClientToOrigin: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_bytes_client_to_origin_total",
			Help: "Total bytes spliced from clients toward origins or the SSL server pool in CONNECT tunnels",
		}),
		BytesOriginToClient: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanessa_bytes_origin_to_client_total",
			Help: "Total bytes spliced toward clients from origins or the SSL server pool in CONNECT tunnels",
		}),
	}

	prometheus.MustRegister(
		r.ConnectTotal,
		r.TLSInterceptedTotal,
		r.BlindTunnelsTotal,
		r.SSLPoolListeners,
		r.SSLPoolSingleFlight,
		r.WSBridgesActive,
		r.WSCloseRemappedTotal,
		r.UpstreamSelectedTotal,
		r.PipelineErrorsTotal,
		r.BytesClientToOrigin,
		r.BytesOriginToClient,
	)

	return r
}
