package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"volatility-estimator/internal/aggregator"
	"volatility-estimator/internal/alerting"
	"volatility-estimator/internal/collector"
	"volatility-estimator/internal/config"
	"volatility-estimator/internal/metrics"
	"volatility-estimator/internal/price"
	"volatility-estimator/internal/scheduler"
	"volatility-estimator/internal/service"
	"volatility-estimator/internal/storage"
	"volatility-estimator/internal/volatility"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newStream() *collector.StreamCollector {
	feed := a.Config.Feed
	return collector.NewStream(collector.StreamOptions{
		URL:              feed.URL,
		Symbol:           feed.Symbol,
		SourceName:       feed.SourceName,
		ReadTimeout:      feed.ReadTimeout,
		HandshakeTimeout: feed.HandshakeTimeout,
		BackoffInitial:   feed.BackoffInitial,
		BackoffMax:       feed.BackoffMax,
	}, a.Logger)
}

func (a *App) newPool() price.Collector {
	uni := a.Config.Uniswap
	if !uni.Enabled {
		return nil
	}
	return collector.NewPool(collector.PoolOptions{
		RPCURL:         uni.RPCURL,
		PoolAddress:    uni.PoolAddress,
		Token0Decimals: uni.Token0Decimals,
		Token1Decimals: uni.Token1Decimals,
		Invert:         uni.Invert,
		Timeout:        uni.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) serviceOptions() service.Options {
	alerts := a.Config.Alerting
	return service.Options{
		AlertsEnabled:   alerts.Enabled,
		ThresholdPct:    alerts.ThresholdPct,
		Cooldown:        alerts.Cooldown,
		Channels:        alerts.Channels,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) startMetrics(ctx context.Context) {
	metrics.Init()
	if !a.Config.Metrics.Enabled {
		return
	}
	addr := a.Config.Metrics.ListenAddr
	go func() {
		a.Logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := metrics.Serve(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// Run executes the long-running estimation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.startMetrics(ctx)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Info().Msg("database.dsn not configured; journal disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	stream := a.newStream()
	defer func() {
		if err := stream.Close(); err != nil {
			a.Logger.Debug().Err(err).Msg("close feed connection")
		}
	}()

	agg, err := aggregator.New(stream, a.newPool(), a.Logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	estimator := volatility.New(a.Config.Volatility.Window)

	var readingStore storage.ReadingStore
	if store != nil {
		readingStore = store
	}

	svc := service.New(sched, agg, estimator, readingStore, a.newNotifier(), a.serviceOptions(), a.Logger)

	a.Logger.Info().
		Str("feed", a.Config.Feed.URL).
		Bool("uniswap", a.Config.Uniswap.Enabled).
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("window", a.Config.Volatility.Window).
		Msg("starting volatility estimator")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("volatility estimator stopped")
	return nil
}

// ExportOptions hold parameters for exporting journaled readings.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a synthetic replay.
type SimulateOptions struct {
	Prices []float64
	Step   time.Duration
	Start  time.Time
}
