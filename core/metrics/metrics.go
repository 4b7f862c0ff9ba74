// Package metrics holds the prometheus collectors of the service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_http_requests_total",
			Help: "Total number of HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxtro_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Webhook metrics
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_webhooks_total",
			Help: "Total number of webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Job queue metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_jobs_total",
			Help: "Total number of processed jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxtro_job_duration_seconds",
			Help:    "Job handler duration by type",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	// Domain metrics
	CrawlsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_crawls_total",
			Help: "Total number of website crawls by outcome",
		},
		[]string{"outcome"},
	)

	LeadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_leads_total",
			Help: "Total number of extracted leads by source and qualification",
		},
		[]string{"source", "qualification"},
	)

	EmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxtro_emails_total",
			Help: "Total number of emails sent by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhooksTotal,
		JobsTotal,
		JobDuration,
		CrawlsTotal,
		LeadsTotal,
		EmailsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since the timer was created
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware counts requests per route template. Unmatched requests are
// counted under the route "unmatched".
func Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer := NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		timer.ObserveDuration(HTTPRequestDuration.WithLabelValues(route))
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
