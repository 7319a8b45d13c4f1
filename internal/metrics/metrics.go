// Package metrics exposes Prometheus counters and histograms for the
// gateway's hot paths.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway records into.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InvoicesCreated  prometheus.Counter
	InvoicesPaid     prometheus.Counter
	InvoicesExpired  prometheus.Counter
	WebhookAttempts  *prometheus.CounterVec
	RateLimitHits    prometheus.Counter
	AuthFailures     *prometheus.CounterVec
	SchedulerTicks   prometheus.Counter
	UpstreamFailures prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qrisgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),
		InvoicesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "invoices_created_total",
			Help:      "Invoices created.",
		}),
		InvoicesPaid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "invoices_paid_total",
			Help:      "Invoices confirmed paid.",
		}),
		InvoicesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "invoices_expired_total",
			Help:      "Invoices expired by TTL.",
		}),
		WebhookAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the per-merchant rate limit.",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "auth_failures_total",
			Help:      "Signed-request pipeline rejections by code.",
		}, []string{"code"}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "scheduler_ticks_total",
			Help:      "Completed scheduler ticks.",
		}),
		UpstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qrisgate",
			Name:      "upstream_failures_total",
			Help:      "Failed upstream credit fetches.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The chi route pattern keeps label cardinality bounded.
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
