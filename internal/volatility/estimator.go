// Package volatility estimates annualized volatility from a sliding window of price samples.
package volatility

import (
	"math"
	"sync"
	"time"

	"volatility-estimator/internal/price"
)

// SecondsPerYear is the annualization horizon (365 days).
const SecondsPerYear = 365 * 24 * 60 * 60

// MinSamples is the smallest window that yields an estimate: two log returns are needed
// for a Bessel-corrected variance.
const MinSamples = 3

// Option customises an Estimator.
type Option func(*Estimator)

// WithClock overrides the clock used to compute the eviction cutoff.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

// Estimator keeps samples in arrival order and drops those older than the window.
type Estimator struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	samples []price.Sample
}

// New creates an Estimator with the given window duration.
func New(window time.Duration, opts ...Option) *Estimator {
	e := &Estimator{window: window, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Window returns the configured window duration.
func (e *Estimator) Window() time.Duration {
	return e.window
}

// Add appends a sample and evicts every sample older than now - window.
func (e *Estimator) Add(sample price.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, sample)
	e.evict(e.now().Add(-e.window))
}

// evict keeps arrival order. Timestamps from different sources can arrive out of order,
// so stale samples are removed wherever they sit, not only at the front.
func (e *Estimator) evict(cutoff time.Time) {
	start := 0
	for start < len(e.samples) && e.samples[start].Timestamp.Before(cutoff) {
		start++
	}

	kept := e.samples[:0]
	for _, s := range e.samples[start:] {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	clear(e.samples[len(kept):])
	e.samples = kept
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// Snapshot returns a copy of the retained samples in arrival order.
func (e *Estimator) Snapshot() []price.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]price.Sample, len(e.samples))
	copy(out, e.samples)
	return out
}

// Volatility returns the annualized volatility of log returns across the window.
// ok is false while the window holds too little data: fewer than MinSamples samples,
// or no positive time span between the first and last sample.
func (e *Estimator) Volatility() (vol float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return annualized(e.samples)
}

func annualized(samples []price.Sample) (float64, bool) {
	if len(samples) < MinSamples {
		return 0, false
	}

	n := len(samples) - 1
	returns := make([]float64, n)
	var sum float64
	for i := 1; i < len(samples); i++ {
		r := math.Log(samples[i].Price / samples[i-1].Price)
		returns[i-1] = r
		sum += r
	}
	mean := sum / float64(n)

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	variance := sq / float64(n-1)

	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	interval := span / float64(n)
	if interval <= 0 || math.IsNaN(variance) || math.IsInf(variance, 0) {
		return 0, false
	}

	factor := SecondsPerYear / interval
	return math.Sqrt(variance) * math.Sqrt(factor), true
}
