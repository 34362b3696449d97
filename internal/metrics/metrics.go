// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsLeasedTotal            *prometheus.CounterVec
	jobResultsTotal            *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	patternOutcomesTotal       *prometheus.CounterVec
	qualityOverall             *prometheus.HistogramVec
	sessionTransitionsTotal    *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// this function multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		jobsLeasedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_jobs_leased_total",
				Help: "Jobs handed to workers, labeled by priority tier.",
			},
			[]string{"tier"},
		)

		jobResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_job_results_total",
				Help: "Job transitions out of the leased state, labeled by result.",
			},
			[]string{"result"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dnocrawler_queue_depth",
				Help: "Queued jobs per priority tier.",
			},
			[]string{"tier"},
		)

		patternOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_pattern_outcomes_total",
				Help: "Recorded pattern outcomes, labeled by pattern type and result.",
			},
			[]string{"pattern_type", "result"},
		)

		qualityOverall = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dnocrawler_quality_overall",
				Help:    "Overall quality score of evaluated candidates.",
				Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
			[]string{"data_type"},
		)

		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_session_transitions_total",
				Help: "Session state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_fetches_total",
				Help: "Fetches performed, labeled by site, status class and renderer.",
			},
			[]string{"site", "status", "renderer"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnocrawler_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnocrawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dnocrawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJobLeased counts a lease from the given tier.
func ObserveJobLeased(tier string) {
	Init()
	jobsLeasedTotal.WithLabelValues(tier).Inc()
}

// ObserveJobResult counts a job leaving the leased state.
func ObserveJobResult(result string) {
	Init()
	jobResultsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the queued job count for a tier.
func SetQueueDepth(tier string, depth int) {
	Init()
	queueDepth.WithLabelValues(tier).Set(float64(depth))
}

// ObservePatternOutcome counts a pattern success or failure.
func ObservePatternOutcome(patternType string, success bool) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	patternOutcomesTotal.WithLabelValues(patternType, result).Inc()
}

// ObserveQuality records an overall quality score.
func ObserveQuality(dataType string, overall float64) {
	Init()
	qualityOverall.WithLabelValues(dataType).Observe(overall)
}

// ObserveSessionTransition counts a session entering state.
func ObserveSessionTransition(state string) {
	Init()
	sessionTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveFetch records one fetch.
func ObserveFetch(site string, statusCode int, bytesFetched int, headless bool) {
	Init()
	sanitizedSite := SanitizeSite(site)
	renderer := "probe"
	if headless {
		renderer = "headless"
	}
	fetchesTotal.WithLabelValues(sanitizedSite, statusClass(statusCode), renderer).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
