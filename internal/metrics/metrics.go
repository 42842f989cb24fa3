// Package metrics exposes Prometheus collectors for price collection and volatility estimation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchesTotal counts price fetches per source and outcome.
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volest_price_fetches_total",
			Help: "Total number of price fetches by source and status",
		},
		[]string{"source", "status"},
	)

	// ReconnectsTotal counts websocket connection attempts by outcome.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volest_feed_connects_total",
			Help: "Total number of feed connection attempts by status",
		},
		[]string{"source", "status"},
	)

	// DiscardedFramesTotal counts feed frames dropped without producing a sample.
	DiscardedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volest_feed_discarded_frames_total",
			Help: "Total number of feed frames discarded by reason",
		},
		[]string{"source", "reason"},
	)

	// LastPrice holds the most recent price per source.
	LastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volest_last_price",
			Help: "Most recent price observed per source",
		},
		[]string{"source"},
	)

	// AnnualizedVolatility holds the most recent annualized volatility as a fraction.
	AnnualizedVolatility = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volest_annualized_volatility",
			Help: "Most recent annualized volatility estimate (fraction, not percent)",
		},
	)

	// WindowSamples holds the number of samples retained in the sliding window.
	WindowSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volest_window_samples",
			Help: "Number of samples currently retained in the volatility window",
		},
	)

	// CycleDuration observes how long a full fetch-and-estimate cycle takes.
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volest_cycle_duration_seconds",
			Help:    "Duration of fetch-and-estimate cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FetchesTotal,
			ReconnectsTotal,
			DiscardedFramesTotal,
			LastPrice,
			AnnualizedVolatility,
			WindowSamples,
			CycleDuration,
		)
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordFetch records the outcome of a price fetch.
func RecordFetch(source string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FetchesTotal.WithLabelValues(source, status).Inc()
}

// RecordConnect records a feed connection attempt.
func RecordConnect(source string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ReconnectsTotal.WithLabelValues(source, status).Inc()
}

// RecordDiscard records a dropped feed frame.
func RecordDiscard(source, reason string) {
	DiscardedFramesTotal.WithLabelValues(source, reason).Inc()
}

// RecordPrice records the latest price for a source.
func RecordPrice(source string, price float64) {
	LastPrice.WithLabelValues(source).Set(price)
}

// RecordWindow records the estimator state after a cycle.
func RecordWindow(samples int, volatility float64, ok bool) {
	WindowSamples.Set(float64(samples))
	if ok {
		AnnualizedVolatility.Set(volatility)
	}
}

// RecordCycle records the duration of a cycle.
func RecordCycle(duration time.Duration) {
	CycleDuration.Observe(duration.Seconds())
}
