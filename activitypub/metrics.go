package activitypub

import (
	"net/http"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records every verification and delivery outcome with its coded result
type Metrics struct {
	registry *prometheus.Registry

	Verifications    *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	DeliveryLatency  *prometheus.HistogramVec
	JobsEnqueued     *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	Handshakes       *prometheus.CounterVec
}

// NewMetrics registers the federation metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apfed_signature_verifications_total",
			Help: "Inbound signature verifications by result code",
		}, []string{"code"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apfed_delivery_attempts_total",
			Help: "Delivery attempts by queue category, outcome and result code",
		}, []string{"category", "outcome", "code"}),
		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apfed_delivery_attempt_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apfed_jobs_enqueued_total",
			Help: "Jobs added to the delivery queue",
		}, []string{"category"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apfed_dead_letters_total",
			Help: "Jobs parked as dead letters by result code",
		}, []string{"category", "code"}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apfed_handshake_activities_total",
			Help: "Processed inbound activities by type and result code",
		}, []string{"type", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) verification(err error) {
	m.Verifications.WithLabelValues(resultCode(err)).Inc()
}

func (m *Metrics) attempt(category domain.QueueCategory, outcome string, err error, took time.Duration) {
	m.DeliveryAttempts.WithLabelValues(string(category), outcome, resultCode(err)).Inc()
	m.DeliveryLatency.WithLabelValues(string(category)).Observe(took.Seconds())
}

func (m *Metrics) handshake(kind string, err error) {
	m.Handshakes.WithLabelValues(kind, resultCode(err)).Inc()
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	return string(CodeOf(err))
}
