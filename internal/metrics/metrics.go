// Package metrics exposes prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's counters and gauges. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	sessionsActive      prometheus.Gauge
	subscribersActive   prometheus.Gauge
	transcoderSpawns    prometheus.Counter
	idleTeardowns       prometheus.Counter
	packetsPublished    prometheus.Counter
	bytesPublished      prometheus.Counter
	subscribersEvicted  prometheus.Counter
	rtspRequests        *prometheus.CounterVec
	rtspAuthFailures    prometheus.Counter
	relayPacketsRelayed *prometheus.CounterVec
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_http_requests_total",
			Help: "Total number of HTTP API requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hubstream_rebroadcast_sessions",
			Help: "Number of live rebroadcast sessions",
		}),
		subscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hubstream_rebroadcast_subscribers",
			Help: "Number of downstream clients attached to rebroadcast sessions",
		}),
		transcoderSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_transcoder_spawns_total",
			Help: "Total number of transcoder processes started",
		}),
		idleTeardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_rebroadcast_idle_teardowns_total",
			Help: "Total number of sessions torn down by the idle timer",
		}),
		packetsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_rebroadcast_packets_total",
			Help: "Total number of MPEG-TS packets read from transcoders",
		}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_rebroadcast_bytes_total",
			Help: "Total number of bytes read from transcoders",
		}),
		subscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_subscribers_evicted_total",
			Help: "Total number of subscribers dropped for falling behind",
		}),
		rtspRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubstream_rtsp_requests_total",
			Help: "RTSP requests handled by the server, by method and status code",
		}, []string{"method", "status"}),
		rtspAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubstream_rtsp_auth_failures_total",
			Help: "Total number of upstream RTSP authentication failures",
		}),
		relayPacketsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubstream_relay_packets_total",
			Help: "RTP and RTCP packets received by RTSP relay paths",
		}, []string{"path", "kind"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsActive,
		m.subscribersActive,
		m.transcoderSpawns,
		m.idleTeardowns,
		m.packetsPublished,
		m.bytesPublished,
		m.subscribersEvicted,
		m.rtspRequests,
		m.rtspAuthFailures,
		m.relayPacketsRelayed,
	)
	return m
}

// IncRequests increments the HTTP request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SessionStarted records a new rebroadcast session and its transcoder.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.transcoderSpawns.Inc()
}

// SessionEnded records a session teardown. idle is true when the idle timer
// caused it.
func (m *Metrics) SessionEnded(idle bool) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if idle {
		m.idleTeardowns.Inc()
	}
}

// SubscriberAdded tracks an attached downstream client.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribersActive.Inc()
}

// SubscriberRemoved tracks a detached downstream client.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribersActive.Dec()
}

// SubscriberEvicted counts a subscriber dropped for lagging.
func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.subscribersEvicted.Inc()
}

// PacketPublished counts one packet read from a transcoder.
func (m *Metrics) PacketPublished(size int) {
	if m == nil {
		return
	}
	m.packetsPublished.Inc()
	m.bytesPublished.Add(float64(size))
}

// RTSPRequest counts a request handled by the RTSP server.
func (m *Metrics) RTSPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.rtspRequests.WithLabelValues(method, statusLabel(status)).Inc()
}

// IncAuthFailures counts an upstream authentication failure.
func (m *Metrics) IncAuthFailures() {
	if m == nil {
		return
	}
	m.rtspAuthFailures.Inc()
}

// RelayPacket counts a packet received on a relay path.
func (m *Metrics) RelayPacket(path, kind string) {
	if m == nil {
		return
	}
	m.relayPacketsRelayed.WithLabelValues(path, kind).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler that serves the registry. updateGauges is
// called before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
