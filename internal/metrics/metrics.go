// Package metrics provides Prometheus metrics for scan run monitoring.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScansTotal counts completed scan jobs by final outcome.
	// Labels: status (success, skipped, transient_failure, fatal_failure)
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repomon",
			Subsystem: "scan",
			Name:      "jobs_total",
			Help:      "Total number of completed scan jobs by outcome",
		},
		[]string{"status"},
	)

	// ScanDuration tracks per-repository scan duration end to end,
	// clone included.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "repomon",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of individual repository scans in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// FindingsTotal counts detected secrets.
	// Labels: verified (true, false)
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repomon",
			Subsystem: "scan",
			Name:      "findings_total",
			Help:      "Total number of secret findings",
		},
		[]string{"verified"},
	)

	// RateLimitEvents counts credential exhaustion events.
	// Labels: platform (github, gitlab)
	RateLimitEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repomon",
			Subsystem: "api",
			Name:      "rate_limit_events_total",
			Help:      "Total number of rate limit events by platform",
		},
		[]string{"platform"},
	)

	// ScanRetries counts transient-failure retries.
	ScanRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "repomon",
			Subsystem: "scan",
			Name:      "retries_total",
			Help:      "Total number of scan retries after transient failures",
		},
	)

	// ScansInFlight tracks currently running scan jobs.
	ScansInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "repomon",
			Subsystem: "scan",
			Name:      "in_flight",
			Help:      "Number of scan jobs currently running",
		},
	)
)

// Serve exposes the collectors over HTTP at /metrics so a scraper can
// observe a run in progress. It returns the bound address and a
// shutdown function; pass a port-zero addr in tests.
func Serve(addr string) (string, func(ctx context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln) //nolint:errcheck

	return ln.Addr().String(), srv.Shutdown, nil
}

// RecordOutcome records one finished job.
func RecordOutcome(status string, durationSeconds float64) {
	ScansTotal.WithLabelValues(status).Inc()
	ScanDuration.Observe(durationSeconds)
}

// RecordFindings records detected secrets split by verification.
func RecordFindings(verified, unverified int) {
	if verified > 0 {
		FindingsTotal.WithLabelValues("true").Add(float64(verified))
	}
	if unverified > 0 {
		FindingsTotal.WithLabelValues("false").Add(float64(unverified))
	}
}
