// Package observability exposes Prometheus metrics for the retrieval
// service and the HTTP API.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

// Metric names.
const (
	MetricNameFeedbackAdded   = "soulstay_feedback_added_total"
	MetricNameChunksIndexed   = "soulstay_chunks_indexed_total"
	MetricNameSearches        = "soulstay_searches_total"
	MetricNameSearchDuration  = "soulstay_search_duration_seconds"
	MetricNameSearchResults   = "soulstay_search_results"
	MetricNameRerankFailures  = "soulstay_rerank_failures_total"
	MetricNameRequestDuration = "soulstay_http_request_duration_seconds"
)

// latencyBuckets are in seconds.
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10}

var allowedAddStatuses = map[retrieval.AddStatus]bool{
	retrieval.AddInserted:  true,
	retrieval.AddDuplicate: true,
	retrieval.AddSkipped:   true,
	retrieval.AddFailed:    true,
}

var allowedSearchOutcomes = map[string]bool{
	retrieval.SearchOK:       true,
	retrieval.SearchEmpty:    true,
	retrieval.SearchFailed:   true,
	retrieval.SearchReranked: true,
}

// Metrics implements retrieval.Metrics on a private Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	feedbackAdded   *prometheus.CounterVec
	chunksIndexed   prometheus.Counter
	searches        *prometheus.CounterVec
	searchDuration  *prometheus.HistogramVec
	searchResults   prometheus.Histogram
	rerankFailures  prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

var _ retrieval.Metrics = (*Metrics)(nil)

// NewMetrics registers all collectors, plus the Go runtime and process
// collectors, on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		feedbackAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNameFeedbackAdded,
			Help: "AddFeedback calls by outcome.",
		}, []string{"status"}),
		chunksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameChunksIndexed,
			Help: "Chunks written to the vector index.",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNameSearches,
			Help: "SearchSimilar calls by outcome.",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricNameSearchDuration,
			Help:    "SearchSimilar latency in seconds.",
			Buckets: latencyBuckets,
		}, []string{"outcome"}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricNameSearchResults,
			Help:    "Results returned per search.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		rerankFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameRerankFailures,
			Help: "Re-ranking failures that fell back to index order.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricNameRequestDuration,
			Help:    "HTTP request duration in seconds.",
			Buckets: latencyBuckets,
		}, []string{"method", "route", "status_class"}),
	}
	reg.MustRegister(
		m.feedbackAdded,
		m.chunksIndexed,
		m.searches,
		m.searchDuration,
		m.searchResults,
		m.rerankFailures,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) FeedbackAdded(status retrieval.AddStatus, chunks int) {
	if !allowedAddStatuses[status] {
		status = "unknown"
	}
	m.feedbackAdded.WithLabelValues(string(status)).Inc()
	if status == retrieval.AddInserted && chunks > 0 {
		m.chunksIndexed.Add(float64(chunks))
	}
}

func (m *Metrics) SearchCompleted(outcome string, took time.Duration, results int) {
	if !allowedSearchOutcomes[outcome] {
		outcome = "unknown"
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.WithLabelValues(outcome).Observe(took.Seconds())
	m.searchResults.Observe(float64(results))
}

func (m *Metrics) RerankFailed() { m.rerankFailures.Inc() }

// RecordRequest observes one HTTP request. route is the chi route pattern,
// not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordRequest(method, route string, status int, took time.Duration) {
	m.requestDuration.WithLabelValues(method, route, statusClass(status)).Observe(took.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
