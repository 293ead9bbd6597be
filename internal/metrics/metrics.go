// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	candidatesTotal        *prometheus.CounterVec
	downloadsTotal         *prometheus.CounterVec
	downloadBytesTotal     prometheus.Counter
	verificationsTotal     *prometheus.CounterVec
	rateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_candidates_total",
				Help: "Total candidates discovered, labeled by source.",
			},
			[]string{"source"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Total download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Total bytes fetched by the safe downloader.",
			},
		)

		verificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_verifications_total",
				Help: "Total verification outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by source class.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)
	})
}

// ObserveCandidates adds to the per-source candidate counter.
func ObserveCandidates(source string, count int) {
	if candidatesTotal == nil {
		return
	}
	candidatesTotal.WithLabelValues(source).Add(float64(count))
}

// ObserveDownload records one download attempt and its size.
func ObserveDownload(outcome string, bytes int64) {
	if downloadsTotal == nil {
		return
	}
	downloadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// ObserveVerification records one verification outcome.
func ObserveVerification(status string) {
	if verificationsTotal == nil {
		return
	}
	verificationsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing the /metrics endpoint.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve starts a metrics listener on addr. It returns the server so the
// caller can shut it down; errors from the listener go to errFn.
func Serve(addr string, errFn func(error)) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errFn != nil {
				errFn(err)
			}
		}
	}()
	return srv
}
