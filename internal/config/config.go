package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"volatility-estimator/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Uniswap    UniswapConfig    `mapstructure:"uniswap"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// FeedConfig describes the streaming exchange feed.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	Symbol           string        `mapstructure:"symbol"`
	SourceName       string        `mapstructure:"source_name"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

// UniswapConfig covers the optional on-chain pool collector.
type UniswapConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	PoolAddress    string        `mapstructure:"pool_address"`
	Token0Decimals int           `mapstructure:"token0_decimals"`
	Token1Decimals int           `mapstructure:"token1_decimals"`
	Invert         bool          `mapstructure:"invert"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// VolatilityConfig sets the sliding window.
type VolatilityConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the reading journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// AlertingConfig defines volatility alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("VOLEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLegacyUnits(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindLegacyEnv keeps the variable names used by earlier deployments working.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("feed.url", "VOLEST_FEED_URL", "BINANCE_WS_URL"); err != nil {
		return fmt.Errorf("bind feed.url: %w", err)
	}
	if err := v.BindEnv("legacy.update_interval_seconds", "UPDATE_INTERVAL_SECONDS"); err != nil {
		return fmt.Errorf("bind legacy interval: %w", err)
	}
	if err := v.BindEnv("legacy.volatility_window_hours", "VOLATILITY_WINDOW_HOURS"); err != nil {
		return fmt.Errorf("bind legacy window: %w", err)
	}
	return nil
}

// applyLegacyUnits maps integer seconds/hours variables onto durations. Unparseable values
// fall back to the configured defaults.
func applyLegacyUnits(v *viper.Viper, cfg *Config) {
	if v.IsSet("legacy.update_interval_seconds") {
		if secs := v.GetInt("legacy.update_interval_seconds"); secs > 0 {
			cfg.Scheduler.Interval = time.Duration(secs) * time.Second
		}
	}
	if v.IsSet("legacy.volatility_window_hours") {
		if hours := v.GetInt("legacy.volatility_window_hours"); hours > 0 {
			cfg.Volatility.Window = time.Duration(hours) * time.Hour
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "volatility-estimator")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("feed.symbol", "ethusdc")
	v.SetDefault("feed.source_name", "Binance")
	v.SetDefault("feed.read_timeout", "30s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.backoff_initial", "1s")
	v.SetDefault("feed.backoff_max", "30s")

	v.SetDefault("uniswap.enabled", false)
	v.SetDefault("uniswap.token0_decimals", 6)
	v.SetDefault("uniswap.token1_decimals", 18)
	v.SetDefault("uniswap.invert", true)
	v.SetDefault("uniswap.request_timeout", "10s")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("volatility.window", "6h")

	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 100.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("feed.url must be set (VOLEST_FEED_URL or BINANCE_WS_URL)")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Volatility.Window <= 0 {
		return fmt.Errorf("volatility.window must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Uniswap.Enabled {
		if c.Uniswap.RPCURL == "" {
			return fmt.Errorf("uniswap.rpc_url is required when uniswap is enabled")
		}
		if c.Uniswap.PoolAddress == "" {
			return fmt.Errorf("uniswap.pool_address is required when uniswap is enabled")
		}
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
