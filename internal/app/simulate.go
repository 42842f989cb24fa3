package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"volatility-estimator/internal/price"
	"volatility-estimator/internal/service"
	"volatility-estimator/internal/volatility"
)

// SimulatedSource tags samples produced by a replay.
const SimulatedSource = "Simulated"

// Simulate replays a synthetic price series through the estimation pipeline.
// Nothing is journaled; alerts go out only when alerting is enabled and a channel is configured.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	readings, err := a.replay(ctx, opts)
	if err != nil {
		return err
	}

	last := readings[len(readings)-1]
	event := a.Logger.Info().Int("samples", len(readings)).Int("window_samples", last.WindowSamples)
	if last.HasVolatility {
		event = event.Float64("volatility_pct", last.VolatilityPct())
	}
	event.Msg("simulation finished")
	return nil
}

func (a *App) replay(ctx context.Context, opts SimulateOptions) ([]service.Reading, error) {
	if len(opts.Prices) == 0 {
		return nil, errors.New("at least one price is required")
	}
	if opts.Step <= 0 {
		return nil, errors.New("step must be positive")
	}

	start := opts.Start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Second)
	}

	clock := start
	estimator := volatility.New(a.Config.Volatility.Window, volatility.WithClock(func() time.Time { return clock }))

	notifier := a.newNotifier()
	svcOpts := a.serviceOptions()
	svcOpts.AdvisoryLockKey = 0
	svc := service.New(nil, nil, estimator, nil, notifier, svcOpts, a.Logger)

	readings := make([]service.Reading, 0, len(opts.Prices))
	for i, p := range opts.Prices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock = start.Add(time.Duration(i) * opts.Step)
		sample := price.Sample{Timestamp: clock, Price: p, Source: SimulatedSource}
		if err := sample.Validate(); err != nil {
			return nil, fmt.Errorf("price #%d: %w", i+1, err)
		}
		readings = append(readings, svc.Observe(ctx, sample))
	}
	return readings, nil
}
