package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"volatility-estimator/internal/alerting"
	"volatility-estimator/internal/metrics"
	"volatility-estimator/internal/price"
	"volatility-estimator/internal/scheduler"
	"volatility-estimator/internal/storage"
	"volatility-estimator/internal/volatility"
)

// PriceSource yields one combined observation per cycle.
type PriceSource interface {
	AggregatedPrice(ctx context.Context) (price.Sample, error)
}

// Options tune the optional journal, alerting and locking behaviour.
type Options struct {
	AlertsEnabled   bool
	ThresholdPct    float64
	Cooldown        time.Duration
	Channels        []string
	AdvisoryLockKey int64
}

// Reading is the outcome of one cycle.
type Reading struct {
	Sample        price.Sample
	Volatility    float64
	HasVolatility bool
	WindowSamples int
}

// VolatilityPct returns the annualized volatility as a percentage.
func (r Reading) VolatilityPct() float64 {
	return r.Volatility * 100
}

// Service orchestrates fetching, estimation, journaling and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	source    PriceSource
	estimator *volatility.Estimator
	store     storage.ReadingStore
	notifier  alerting.Notifier
	logger    zerolog.Logger
	opts      Options
	locker    storage.AdvisoryLocker
	now       func() time.Time

	alertMu   sync.Mutex
	lastAlert time.Time
}

// New constructs the estimation service. store and notifier may be nil.
func New(sched *scheduler.Scheduler, source PriceSource, estimator *volatility.Estimator, store storage.ReadingStore, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		source:    source,
		estimator: estimator,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		opts:      opts,
		locker:    locker,
		now:       time.Now,
	}
}

// Run begins the periodic fetch loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle runs one fetch-and-estimate cycle. Fetch failures are returned so the
// scheduler logs them; the next cycle retries from scratch.
func (s *Service) ProcessCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.executeCycle(ctx)
	return err
}

func (s *Service) executeCycle(ctx context.Context) (Reading, error) {
	started := time.Now()
	defer func() { metrics.RecordCycle(time.Since(started)) }()

	s.logger.Debug().Msg("fetching latest price")
	sample, err := s.source.AggregatedPrice(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("fetch price: %w", err)
	}
	return s.Observe(ctx, sample), nil
}

// Observe feeds a sample through the estimator, reports it, and runs journal and alert hooks.
func (s *Service) Observe(ctx context.Context, sample price.Sample) Reading {
	s.estimator.Add(sample)
	vol, ok := s.estimator.Volatility()
	reading := Reading{
		Sample:        sample,
		Volatility:    vol,
		HasVolatility: ok,
		WindowSamples: s.estimator.Len(),
	}

	metrics.RecordWindow(reading.WindowSamples, vol, ok)
	s.report(reading)
	s.journal(ctx, reading)
	s.evaluateAlert(ctx, reading)
	return reading
}

func (s *Service) report(r Reading) {
	event := s.logger.Info().
		Str("price", decimal.NewFromFloat(r.Sample.Price).StringFixed(2)).
		Str("source", r.Sample.Source).
		Str("observed_at", r.Sample.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")).
		Int("window_samples", r.WindowSamples)

	if !r.HasVolatility {
		event.Msg("not enough data points for volatility calculation yet")
		return
	}
	event.Str("volatility_pct", decimal.NewFromFloat(r.VolatilityPct()).StringFixed(2)).
		Msg("current annualized volatility estimate")
}

func (s *Service) journal(ctx context.Context, r Reading) {
	if s.store == nil {
		return
	}
	rec := storage.Reading{
		ObservedAt:    r.Sample.Timestamp,
		Price:         decimal.NewFromFloat(r.Sample.Price),
		Source:        r.Sample.Source,
		WindowSamples: r.WindowSamples,
	}
	if r.HasVolatility {
		pct := decimal.NewFromFloat(r.VolatilityPct()).Round(6)
		rec.VolatilityPct = &pct
	}
	if _, err := s.store.InsertReading(ctx, rec); err != nil {
		s.logger.Error().Err(err).Time("observed_at", r.Sample.Timestamp).Msg("failed to journal reading")
	}
}

func (s *Service) evaluateAlert(ctx context.Context, r Reading) {
	if !s.opts.AlertsEnabled || s.notifier == nil || s.opts.ThresholdPct <= 0 || !r.HasVolatility {
		return
	}
	if r.VolatilityPct() <= s.opts.ThresholdPct {
		return
	}

	s.alertMu.Lock()
	now := s.now()
	if !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < s.opts.Cooldown {
		s.alertMu.Unlock()
		s.logger.Debug().Time("last_alert", s.lastAlert).Msg("volatility alert suppressed by cooldown")
		return
	}
	s.lastAlert = now
	s.alertMu.Unlock()

	note := alerting.Notification{
		ObservedAt:    r.Sample.Timestamp,
		Price:         decimal.NewFromFloat(r.Sample.Price),
		Source:        r.Sample.Source,
		VolatilityPct: decimal.NewFromFloat(r.VolatilityPct()),
		ThresholdPct:  decimal.NewFromFloat(s.opts.ThresholdPct),
		Window:        s.estimator.Window(),
		WindowSamples: r.WindowSamples,
		Channels:      s.opts.Channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch volatility alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
