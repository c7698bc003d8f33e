// Package metrics exposes Prometheus collectors for the scrape relay.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetch_total",
			Help: "Total number of fetch attempts, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"outcome"},
	)

	fetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_fetches_in_flight",
			Help: "Number of fetches currently holding a throttle gate slot.",
		},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_publish_total",
			Help: "Total number of publish attempts, labeled by queue and result.",
		},
		[]string{"queue", "result"},
	)

	acksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_acks_total",
			Help: "Input message settlements, labeled by action and result.",
		},
		[]string{"action", "result"},
	)

	tickBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_tick_batch_size",
			Help:    "Number of tasks drained per non-empty tick.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	tickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_tick_duration_seconds",
			Help:    "Wall time of non-empty ticks.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_http_requests_total",
			Help: "Total number of ops HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_http_request_duration_seconds",
			Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

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
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL, outcome string, duration time.Duration) {
	fetchTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetFetchesInFlight reports the current gate occupancy.
func SetFetchesInFlight(n int) {
	fetchesInFlight.Set(float64(n))
}

// ObservePublish records one publish attempt outcome ("ok" or "error").
func ObservePublish(queue, result string) {
	publishTotal.WithLabelValues(queue, result).Inc()
}

// ObserveSettle records an ack or nack of an input message.
func ObserveSettle(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	acksTotal.WithLabelValues(action, result).Inc()
}

// ObserveTick records the size and duration of a processed batch.
func ObserveTick(batchSize int, duration time.Duration) {
	tickBatchSize.Observe(float64(batchSize))
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
