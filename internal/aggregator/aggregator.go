// Package aggregator combines one or two price collectors into a single price source.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"volatility-estimator/internal/price"
)

// AggregatedSource is the source tag for samples averaged across collectors.
const AggregatedSource = "Aggregated"

// ErrNoPrimary is returned by New when no primary collector is supplied.
var ErrNoPrimary = errors.New("aggregator: primary collector required")

// Aggregator favours availability: any one live collector is enough to answer.
type Aggregator struct {
	primary   price.Collector
	secondary price.Collector
	logger    zerolog.Logger
	now       func() time.Time
}

// New wires a primary collector and an optional secondary collector (nil to disable).
func New(primary, secondary price.Collector, logger zerolog.Logger) (*Aggregator, error) {
	if primary == nil {
		return nil, ErrNoPrimary
	}
	return &Aggregator{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		now:       time.Now,
	}, nil
}

type result struct {
	sample price.Sample
	err    error
}

// AggregatedPrice returns one combined observation.
//
// With only a primary collector its result is returned unchanged. With both configured
// they are queried concurrently: two successes are averaged, a single success is returned
// verbatim, and when both fail the primary's error is returned.
func (a *Aggregator) AggregatedPrice(ctx context.Context) (price.Sample, error) {
	if a.secondary == nil {
		return a.primary.LatestPrice(ctx)
	}

	var (
		wg                 sync.WaitGroup
		primary, secondary result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		primary.sample, primary.err = a.primary.LatestPrice(ctx)
	}()
	go func() {
		defer wg.Done()
		secondary.sample, secondary.err = a.secondary.LatestPrice(ctx)
	}()
	wg.Wait()

	switch {
	case primary.err == nil && secondary.err == nil:
		return price.Sample{
			Timestamp: a.now().UTC(),
			Price:     (primary.sample.Price + secondary.sample.Price) / 2,
			Source:    AggregatedSource,
		}, nil
	case primary.err != nil && secondary.err == nil:
		a.logger.Warn().Err(primary.err).
			Str("failed", a.primary.Name()).
			Str("fallback", a.secondary.Name()).
			Msg("primary price collection failed; using secondary")
		return secondary.sample, nil
	case primary.err == nil:
		a.logger.Warn().Err(secondary.err).
			Str("failed", a.secondary.Name()).
			Str("fallback", a.primary.Name()).
			Msg("secondary price collection failed; using primary")
		return primary.sample, nil
	default:
		a.logger.Error().Err(secondary.err).Str("source", a.secondary.Name()).Msg("secondary price collection failed")
		return price.Sample{}, primary.err
	}
}
