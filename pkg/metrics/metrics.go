package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics: one cycle per worker kind (git-sync, build,
	// container-gc, files-gc).
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation worker pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_reconciliation_cycles_total",
			Help: "Total number of reconciliation worker passes completed",
		},
		[]string{"worker"},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_reconciliation_errors_total",
			Help: "Total number of errors logged during a reconciliation pass",
		},
		[]string{"worker"},
	)

	// Deployment/build metrics.
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearth_deployments_total",
			Help: "Total number of deployments tracked by the world model, by state",
		},
		[]string{"state"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_build_duration_seconds",
			Help:    "Time taken to build a deployment's app image, in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_builds_total",
			Help: "Total number of builds completed, by result",
		},
		[]string{"result"},
	)

	// Container lifecycle metrics.
	ContainerStateTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearth_container_state_total",
			Help: "Number of deployment containers currently in each state",
		},
		[]string{"state"},
	)

	ContainerWakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_container_wake_duration_seconds",
			Help:    "Time taken for EnqueueUp to bring a container to Ready, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerDowngradesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_container_downgrades_total",
			Help: "Total number of containers downgraded from Ready to StandBy for idleness",
		},
	)

	// Reverse proxy metrics.
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_proxy_requests_total",
			Help: "Total number of proxied requests by label kind and outcome status",
		},
		[]string{"kind", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds, including any EnqueueUp wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Certificate store metrics.
	CertificatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearth_certificates_total",
			Help: "Number of domains tracked by the certificate store, by state",
		},
		[]string{"state"},
	)

	CertAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_cert_acquisitions_total",
			Help: "Total number of certificate acquisition/renewal attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_api_requests_total",
			Help: "Total number of management API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_api_request_duration_seconds",
			Help:    "Management API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationErrorsTotal,
		DeploymentsTotal,
		BuildDuration,
		BuildsTotal,
		ContainerStateTotal,
		ContainerWakeDuration,
		ContainerDowngradesTotal,
		ProxyRequestsTotal,
		ProxyRequestDuration,
		CertificatesTotal,
		CertAcquisitionsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
