package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ledger-signals/internal/logging"
)

// EnvPrefix scopes environment overrides, e.g. LEDGERSIGNALS_SOLANA_RPC_URL.
const EnvPrefix = "LEDGERSIGNALS"

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Solana      SolanaConfig      `mapstructure:"solana"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SolanaConfig covers JSON-RPC access.
type SolanaConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	Commitment        string        `mapstructure:"commitment"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// DiscoveryConfig bounds one discovery walk.
type DiscoveryConfig struct {
	PageSize int `mapstructure:"page_size"`
	MaxPages int `mapstructure:"max_pages"`
}

// FetcherConfig bounds record resolution.
type FetcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// AggregationConfig tunes the derived metrics.
type AggregationConfig struct {
	ShortWindow      int     `mapstructure:"short_window"`
	MediumWindow     int     `mapstructure:"medium_window"`
	LongWindow       int     `mapstructure:"long_window"`
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
	HeatmapHours     int     `mapstructure:"heatmap_hours"`
	VolumeAlert      float64 `mapstructure:"volume_alert"`
	SenderAlert      int     `mapstructure:"sender_alert"`
}

// WatchConfig governs the polling loop.
type WatchConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
	MaxFetchAttempts int           `mapstructure:"max_fetch_attempts"`
	Targets          []string      `mapstructure:"targets"`
	MinNotifyAmount  float64       `mapstructure:"min_notify_amount"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig enables the event topic sink.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig exposes the Prometheus endpoint; empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ledgersignals")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("solana.rpc_url", "")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.request_timeout", "10s")
	v.SetDefault("solana.requests_per_second", 10.0)
	v.SetDefault("solana.burst", 5)

	v.SetDefault("discovery.page_size", 100)
	v.SetDefault("discovery.max_pages", 1)

	v.SetDefault("fetcher.concurrency", 5)

	v.SetDefault("aggregation.short_window", 5)
	v.SetDefault("aggregation.medium_window", 15)
	v.SetDefault("aggregation.long_window", 60)
	v.SetDefault("aggregation.anomaly_threshold", 3.0)
	v.SetDefault("aggregation.heatmap_hours", 24)
	v.SetDefault("aggregation.volume_alert", 1_000_000.0)
	v.SetDefault("aggregation.sender_alert", 50)

	v.SetDefault("watch.interval", "10s")
	v.SetDefault("watch.page_size", 100)
	v.SetDefault("watch.max_pages", 1)
	v.SetDefault("watch.cycle_timeout", "0s")
	v.SetDefault("watch.max_fetch_attempts", 3)
	v.SetDefault("watch.targets", []string{})
	v.SetDefault("watch.min_notify_amount", 0.0)
	v.SetDefault("watch.advisory_lock_key", int64(0))

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "ledger-events")

	v.SetDefault("metrics.addr", "")

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
	if c.Discovery.PageSize <= 0 || c.Watch.PageSize <= 0 {
		return fmt.Errorf("page_size must be greater than zero")
	}
	if c.Discovery.MaxPages <= 0 || c.Watch.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be greater than zero")
	}
	if c.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be greater than zero")
	}
	if c.Aggregation.ShortWindow <= 0 || c.Aggregation.MediumWindow <= 0 || c.Aggregation.LongWindow <= 0 {
		return fmt.Errorf("aggregation windows must be greater than zero")
	}
	if c.Aggregation.HeatmapHours <= 0 {
		return fmt.Errorf("aggregation.heatmap_hours must be greater than zero")
	}
	if c.Aggregation.AnomalyThreshold < 0 || c.Aggregation.VolumeAlert < 0 || c.Aggregation.SenderAlert < 0 {
		return fmt.Errorf("aggregation thresholds cannot be negative")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if c.Watch.CycleTimeout < 0 {
		return fmt.Errorf("watch.cycle_timeout cannot be negative")
	}
	if c.Watch.MaxFetchAttempts <= 0 {
		return fmt.Errorf("watch.max_fetch_attempts must be greater than zero")
	}
	if c.Watch.MinNotifyAmount < 0 {
		return fmt.Errorf("watch.min_notify_amount cannot be negative")
	}
	if c.Solana.RequestsPerSecond < 0 {
		return fmt.Errorf("solana.requests_per_second cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers 必须配置")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic 必须配置")
		}
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

// ResolveCycleTimeout returns the per-poll budget; zero means one interval.
func (w WatchConfig) ResolveCycleTimeout() time.Duration {
	if w.CycleTimeout > 0 {
		return w.CycleTimeout
	}
	return w.Interval
}
