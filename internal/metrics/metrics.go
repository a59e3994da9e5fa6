// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestPagesTotal            *prometheus.CounterVec
	harvestReplaysTotal          *prometheus.CounterVec
	harvestReplayBytesTotal      *prometheus.CounterVec
	harvestCheckpointWritesTotal *prometheus.CounterVec
	harvestBoundarySeconds       *prometheus.GaugeVec
	harvestSweepsTotal           *prometheus.CounterVec
	harvestRateLimitWaitSeconds  prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_pages_total",
				Help: "Total number of listing pages requested, labeled by format, direction and result.",
			},
			[]string{"format", "direction", "result"},
		)

		harvestReplaysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_replays_total",
				Help: "Total number of replay downloads, labeled by format and result.",
			},
			[]string{"format", "result"},
		)

		harvestReplayBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_replay_bytes_total",
				Help: "Total number of replay bytes stored, labeled by format.",
			},
			[]string{"format"},
		)

		harvestCheckpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_checkpoint_writes_total",
				Help: "Total number of checkpoint writes, labeled by result.",
			},
			[]string{"result"},
		)

		harvestBoundarySeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_boundary_seconds",
				Help: "Last persisted checkpoint boundary as a unix timestamp.",
			},
			[]string{"format", "direction"},
		)

		harvestSweepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_sweeps_total",
				Help: "Total number of sweeps run, labeled by direction and result.",
			},
			[]string{"direction", "result"},
		)

		harvestRateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting on the outbound rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts one listing page request.
func ObservePage(format, direction, result string) {
	Init()
	harvestPagesTotal.WithLabelValues(format, direction, result).Inc()
}

// ObserveReplay counts one replay download and the bytes it stored.
func ObserveReplay(format, result string, bytesStored int) {
	Init()
	harvestReplaysTotal.WithLabelValues(format, result).Inc()
	if bytesStored > 0 {
		harvestReplayBytesTotal.WithLabelValues(format).Add(float64(bytesStored))
	}
}

// ObserveCheckpointWrite counts a checkpoint store update.
func ObserveCheckpointWrite(result string) {
	Init()
	harvestCheckpointWritesTotal.WithLabelValues(result).Inc()
}

// SetBoundary records the persisted boundary of a format.
func SetBoundary(format, direction string, ts int64) {
	Init()
	harvestBoundarySeconds.WithLabelValues(format, direction).Set(float64(ts))
}

// ObserveSweep counts a finished sweep.
func ObserveSweep(direction, result string) {
	Init()
	harvestSweepsTotal.WithLabelValues(direction, result).Inc()
}

// ObserveRateLimitWait records time spent blocked on the rate limiter.
func ObserveRateLimitWait(d time.Duration) {
	Init()
	harvestRateLimitWaitSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
