package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	searchDuration     prometheus.Histogram
	writeDuration      prometheus.Histogram
	memoriesLive       prometheus.Gauge
	memoriesTombstoned prometheus.Gauge

	jobQueueDepth      prometheus.Gauge
	jobsTotal          *prometheus.CounterVec
	jobsRejectedTotal  prometheus.Counter
	extractionDuration prometheus.Histogram

	providerCallsTotal  *prometheus.CounterVec
	consolidationsTotal prometheus.Counter
	prunedMemoriesTotal prometheus.Counter
	backupsTotal        prometheus.Counter
	reclaimInvocations  prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
	registry    *prometheus.Registry
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mnemo_search_duration_seconds",
				Help:    "Hybrid search latency.",
				Buckets: prometheus.DefBuckets,
			}),
			writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mnemo_write_duration_seconds",
				Help:    "Index mutation latency (add/update/delete).",
				Buckets: prometheus.DefBuckets,
			}),
			memoriesLive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mnemo_memories_live",
				Help: "Number of live memories in the index.",
			}),
			memoriesTombstoned: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mnemo_memories_tombstoned",
				Help: "Number of tombstoned memory slots.",
			}),
			jobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mnemo_job_queue_depth",
				Help: "Extraction jobs waiting in the queue.",
			}),
			jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemo_jobs_total",
				Help: "Extraction jobs by terminal status.",
			}, []string{"status"}),
			jobsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemo_jobs_rejected_total",
				Help: "Extraction submissions rejected for backpressure.",
			}),
			extractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mnemo_extraction_duration_seconds",
				Help:    "End-to-end extraction job duration.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			providerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemo_provider_calls_total",
				Help: "LLM provider calls by provider and outcome.",
			}, []string{"provider", "outcome"}),
			consolidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemo_consolidations_total",
				Help: "Memory clusters consolidated.",
			}),
			prunedMemoriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemo_pruned_memories_total",
				Help: "Memories deleted by pruning.",
			}),
			backupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemo_backups_total",
				Help: "Backup snapshots created.",
			}),
			reclaimInvocations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemo_reclaim_invocations_total",
				Help: "Memory reclaim hook invocations.",
			}),
			httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemo_http_requests_total",
				Help: "HTTP requests by route and status class.",
			}, []string{"route", "code"}),
			httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mnemo_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.searchDuration,
			m.writeDuration,
			m.memoriesLive,
			m.memoriesTombstoned,
			m.jobQueueDepth,
			m.jobsTotal,
			m.jobsRejectedTotal,
			m.extractionDuration,
			m.providerCallsTotal,
			m.consolidationsTotal,
			m.prunedMemoriesTotal,
			m.backupsTotal,
			m.reclaimInvocations,
			m.httpRequestsTotal,
			m.httpRequestDuration,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered initializes the metric registry. Safe to call from any
// component constructor.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordSearch(d time.Duration) {
	getMetrics().searchDuration.Observe(d.Seconds())
}

func RecordWrite(d time.Duration) {
	getMetrics().writeDuration.Observe(d.Seconds())
}

func SetMemoryCounts(live, tombstoned int) {
	m := getMetrics()
	m.memoriesLive.Set(float64(live))
	m.memoriesTombstoned.Set(float64(tombstoned))
}

func SetJobQueueDepth(n int) {
	getMetrics().jobQueueDepth.Set(float64(n))
}

func RecordJob(status string, d time.Duration) {
	m := getMetrics()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.extractionDuration.Observe(d.Seconds())
}

func RecordJobRejected() {
	getMetrics().jobsRejectedTotal.Inc()
}

func RecordProviderCall(provider, outcome string) {
	getMetrics().providerCallsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordConsolidation() {
	getMetrics().consolidationsTotal.Inc()
}

func RecordPruned(n int) {
	getMetrics().prunedMemoriesTotal.Add(float64(n))
}

func RecordBackup() {
	getMetrics().backupsTotal.Inc()
}

func RecordReclaim() {
	getMetrics().reclaimInvocations.Inc()
}

func RecordHTTPRequest(route string, code int, d time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, httpCodeClass(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func httpCodeClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
