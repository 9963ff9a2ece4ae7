// Package metrics defines the service's Prometheus registry. Grounded on
// internal/interfaces/http/metrics.go's MetricsRegistry: a struct of
// Counter/Gauge/Histogram vecs built in one constructor and registered with
// prometheus.MustRegister. Call sites update the exported vecs directly with
// WithLabelValues; RecordParse is the one helper method.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the ingestion service exports.
type Registry struct {
	ConnectionState    *prometheus.GaugeVec
	ReconnectTotal     *prometheus.CounterVec
	HeartbeatRTT       *prometheus.HistogramVec
	MessagesReceived   *prometheus.CounterVec
	BytesReceived      *prometheus.CounterVec

	ParseTotal         *prometheus.CounterVec
	ParseErrors        *prometheus.CounterVec
	ParseDuration      *prometheus.HistogramVec

	SubscriptionsByStatus *prometheus.GaugeVec
	MessageRate           *prometheus.GaugeVec

	RouterQueueLag     *prometheus.GaugeVec
	RouterDropped      *prometheus.CounterVec
	RouterErrors       *prometheus.CounterVec
	RouterChannelState *prometheus.GaugeVec

	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	CacheMemoryEstimate prometheus.Gauge

	PublishTotal  prometheus.Counter
	PublishErrors prometheus.Counter
}

// New builds and registers every metric. Call once per process.
func New() *Registry {
	r := &Registry{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfeed_connection_state",
			Help: "Connection state (0=idle,1=connecting,2=connected,3=reconnecting,4=disconnecting,5=disconnected,6=error)",
		}, []string{"exchange", "conn_id"}),

		ReconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_reconnect_total",
			Help: "Total reconnect attempts per connection",
		}, []string{"exchange", "conn_id"}),

		HeartbeatRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketfeed_heartbeat_rtt_ms",
			Help:    "Self-initiated ping round-trip time in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"exchange", "conn_id"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_messages_received_total",
			Help: "Total raw messages received per connection",
		}, []string{"exchange", "conn_id"}),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_bytes_received_total",
			Help: "Total bytes received per connection",
		}, []string{"exchange", "conn_id"}),

		ParseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_parse_total",
			Help: "Total parse attempts by exchange",
		}, []string{"exchange"}),

		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_parse_errors_total",
			Help: "Total parse failures by exchange and error kind",
		}, []string{"exchange", "kind"}),

		ParseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketfeed_parse_duration_seconds",
			Help:    "Per-message parse duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),

		SubscriptionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfeed_subscriptions",
			Help: "Current subscriptions by status",
		}, []string{"exchange", "status"}),

		MessageRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfeed_message_rate_per_second",
			Help: "Rolling 60s message rate by exchange",
		}, []string{"exchange"}),

		RouterQueueLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfeed_router_queue_lag",
			Help: "Current queue depth per Router channel",
		}, []string{"channel"}),

		RouterDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_router_dropped_total",
			Help: "Total records dropped per Router channel",
		}, []string{"channel"}),

		RouterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_router_sink_errors_total",
			Help: "Total sink callback errors per Router channel",
		}, []string{"channel"}),

		RouterChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfeed_router_channel_enabled",
			Help: "1 if the Router channel is enabled, 0 if auto-disabled",
		}, []string{"channel"}),

		CacheHits:       prometheus.NewCounter(prometheus.CounterOpts{Name: "marketfeed_cache_hits_total", Help: "Stream Cache hits"}),
		CacheMisses:     prometheus.NewCounter(prometheus.CounterOpts{Name: "marketfeed_cache_misses_total", Help: "Stream Cache misses"}),
		CacheEvictions:  prometheus.NewCounter(prometheus.CounterOpts{Name: "marketfeed_cache_evictions_total", Help: "Stream Cache evictions"}),
		CacheMemoryEstimate: prometheus.NewGauge(prometheus.GaugeOpts{Name: "marketfeed_cache_memory_estimate_bytes", Help: "Stream Cache estimated memory usage"}),

		PublishTotal:  prometheus.NewCounter(prometheus.CounterOpts{Name: "marketfeed_publish_total", Help: "Total records forwarded to the Publisher sink"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{Name: "marketfeed_publish_errors_total", Help: "Total Publisher sink failures"}),
	}

	prometheus.MustRegister(
		r.ConnectionState, r.ReconnectTotal, r.HeartbeatRTT, r.MessagesReceived, r.BytesReceived,
		r.ParseTotal, r.ParseErrors, r.ParseDuration,
		r.SubscriptionsByStatus, r.MessageRate,
		r.RouterQueueLag, r.RouterDropped, r.RouterErrors, r.RouterChannelState,
		r.CacheHits, r.CacheMisses, r.CacheEvictions, r.CacheMemoryEstimate,
		r.PublishTotal, r.PublishErrors,
	)
	return r
}

// RecordParse records one parse attempt's outcome and duration.
func (r *Registry) RecordParse(exchange string, d time.Duration, errKind string) {
	r.ParseTotal.WithLabelValues(exchange).Inc()
	r.ParseDuration.WithLabelValues(exchange).Observe(d.Seconds())
	if errKind != "" {
		r.ParseErrors.WithLabelValues(exchange, errKind).Inc()
	}
}

// Handler returns the promhttp handler for mounting under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
