package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stage counters, partitioned by outcome or address.

var (
	// Discovery
	DiscoveryPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "discovery",
		Name:      "pages_total",
		Help:      "Total discovery pages requested",
	}, []string{"outcome"})

	// Fetcher
	FetcherRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "fetcher",
		Name:      "records_total",
		Help:      "Total record lookups by outcome (found, absent, error)",
	}, []string{"outcome"})

	FetcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersignals",
		Subsystem: "fetcher",
		Name:      "in_flight",
		Help:      "Record lookups currently in flight",
	})

	FetcherLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgersignals",
		Subsystem: "fetcher",
		Name:      "record_duration_seconds",
		Help:      "Single record lookup duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Extractor
	ExtractorSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "extractor",
		Name:      "skipped_total",
		Help:      "Sub-instructions matched by a rule but skipped as malformed",
	})

	// Watch
	WatchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "cycles_total",
		Help:      "Total poll cycles by outcome",
	}, []string{"outcome"})

	WatchEventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "events_delivered_total",
		Help:      "Total sub-events handed to consumers",
	}, []string{"address"})

	WatchConsumerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "consumer_errors_total",
		Help:      "Consumer callbacks that failed or panicked",
	})

	WatchSkippedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "skipped_records_total",
		Help:      "Records skipped after failing to resolve on consecutive cycles",
	})

	WatchCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "cycle_duration_seconds",
		Help:      "Poll cycle duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	WatchTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersignals",
		Subsystem: "watch",
		Name:      "targets",
		Help:      "Registered watch targets",
	})

	// Aggregation
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersignals",
		Subsystem: "aggregate",
		Name:      "anomalies_total",
		Help:      "Anomalies emitted per metric stream",
	}, []string{"metric"})
)

// Serve binds addr and exposes /metrics in the background. Bind failures
// are returned; later serve errors are logged. The caller owns shutdown.
func Serve(addr string, logger zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server stopped")
		}
	}()
	return srv, nil
}
