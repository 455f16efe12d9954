package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UCI metrics
	UCIsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cumulus_ucis_total",
			Help: "Total number of UCIs by state",
		},
		[]string{"state"},
	)

	// Work queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cumulus_queue_depth",
			Help: "Number of jobs waiting in the work queue",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_jobs_total",
			Help: "Total number of dispatched jobs by handler and outcome",
		},
		[]string{"handler", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cumulus_handler_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"handler"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cumulus_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps completed",
		},
	)

	ReconciliationSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_reconciliation_skipped_total",
			Help: "Total number of UCIs skipped by a sweep because a worker held them",
		},
	)

	ZombiesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_zombies_detected_total",
			Help: "Total number of zombie instances detected by outcome",
		},
		[]string{"outcome"},
	)

	// Backend metrics
	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_backend_errors_total",
			Help: "Total number of backend errors by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_api_requests_total",
			Help: "Total number of admin API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cumulus_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(UCIsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationSkippedTotal)
	prometheus.MustRegister(ZombiesDetectedTotal)
	prometheus.MustRegister(BackendErrorsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
