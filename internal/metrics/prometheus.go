package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as the "reason" label.
const (
	ReasonBanned         = "banned"
	ReasonMalformed      = "malformed"
	ReasonDecryptError   = "decrypt_error"
	ReasonUnknownSession = "unknown_session"
	ReasonQueueFull      = "queue_full"
)

// Metrics contains all Prometheus metrics for the server
type Metrics struct {
	// Datagram metrics
	DatagramsReceived  prometheus.Counter
	DatagramsProcessed prometheus.Counter
	DatagramsSent      prometheus.Counter
	Rejections         *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	SendDuration       prometheus.Histogram

	// Dispatch metrics
	QueueSize         prometheus.Gauge
	RegisteredSockets prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "cumulus_datagrams_received_total",
			Help: "Total number of datagrams received on the RTMFP socket",
		}),
		DatagramsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "cumulus_datagrams_processed_total",
			Help: "Total number of datagrams decoded and routed to a session",
		}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "cumulus_datagrams_sent_total",
			Help: "Total number of datagrams sent to peers",
		}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cumulus_datagrams_rejected_total",
			Help: "Total number of datagrams dropped, by reason",
		}, []string{"reason"}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cumulus_processing_duration_seconds",
			Help:    "Time from receive to routed for each datagram",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~330ms
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cumulus_send_duration_seconds",
			Help:    "Time spent encoding and writing each outgoing datagram",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		}),

		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cumulus_worker_queue_size",
			Help: "Current number of datagrams waiting for a worker",
		}),
		RegisteredSockets: f.NewGauge(prometheus.GaugeOpts{
			Name: "cumulus_registered_sockets",
			Help: "Current number of sockets registered with the multiplexer",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cumulus_active_sessions",
			Help: "Current number of sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "cumulus_sessions_created_total",
			Help: "Total number of sessions created through the server hooks",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "cumulus_sessions_destroyed_total",
			Help: "Total number of sessions destroyed through the server hooks",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cumulus_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cumulus_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cumulus_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDatagramReceived increments the datagrams received counter
func (m *Metrics) RecordDatagramReceived() {
	m.DatagramsReceived.Inc()
}

// RecordDatagramProcessed counts a routed datagram and its processing time
func (m *Metrics) RecordDatagramProcessed(durationSeconds float64) {
	m.DatagramsProcessed.Inc()
	m.ProcessingDuration.Observe(durationSeconds)
}

// RecordDatagramSent counts an outgoing datagram and its send time
func (m *Metrics) RecordDatagramSent(durationSeconds float64) {
	m.DatagramsSent.Inc()
	m.SendDuration.Observe(durationSeconds)
}

// RecordRejection counts a dropped datagram
func (m *Metrics) RecordRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetRegisteredSockets sets the multiplexer registration count
func (m *Metrics) SetRegisteredSockets(count int) {
	m.RegisteredSockets.Set(float64(count))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter
func (m *Metrics) RecordSessionDestroyed() {
	m.SessionsDestroyed.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
