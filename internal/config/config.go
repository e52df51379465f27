package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"signal-gate/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gate      GateConfig      `mapstructure:"gate"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Precision PrecisionConfig `mapstructure:"precision"`
	Market    MarketConfig    `mapstructure:"market"`
	Watches   []WatchConfig   `mapstructure:"watches"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig covers the optional Redis dedup backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// GateConfig tunes the throttle gates applied per evaluation key.
type GateConfig struct {
	Cooldown          time.Duration `mapstructure:"cooldown"`
	ObservationMaxAge time.Duration `mapstructure:"observation_max_age"`
}

// DedupConfig governs the actionable-event ledger.
type DedupConfig struct {
	Backend     string        `mapstructure:"backend"`
	TTL         time.Duration `mapstructure:"ttl"`
	PriceBucket float64       `mapstructure:"price_bucket"`
	TimeBucket  time.Duration `mapstructure:"time_bucket"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// PrecisionConfig drives instrument metadata refresh.
type PrecisionConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// MarketConfig covers the spot ticker source.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// WatchConfig declares one symbol/strategy combination under evaluation.
type WatchConfig struct {
	Symbol       string   `mapstructure:"symbol"`
	StrategyKey  string   `mapstructure:"strategy_key"`
	Timeframe    string   `mapstructure:"timeframe"`
	Enabled      bool     `mapstructure:"enabled"`
	Sides        []string `mapstructure:"sides"`
	ThresholdPct float64  `mapstructure:"threshold_pct"`
	TradeSize    float64  `mapstructure:"trade_size"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the Prometheus endpoint when set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALGATE")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7367617465))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("gate.cooldown", "60s")
	v.SetDefault("gate.observation_max_age", "2m")

	v.SetDefault("dedup.backend", "postgres")
	v.SetDefault("dedup.ttl", "15m")
	v.SetDefault("dedup.price_bucket", 0.5)
	v.SetDefault("dedup.time_bucket", "5m")
	v.SetDefault("dedup.key_prefix", "signalgate:dedup")

	v.SetDefault("precision.base_url", "https://api.binance.com")
	v.SetDefault("precision.refresh_interval", "30m")
	v.SetDefault("precision.max_age", "2h")
	v.SetDefault("precision.request_timeout", "10s")

	v.SetDefault("market.base_url", "https://api.binance.com")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.user_agent", "signalgate/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.write_timeout", "5s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Gate.Cooldown <= 0 {
		return fmt.Errorf("gate.cooldown must be greater than zero")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be greater than zero")
	}
	if c.Dedup.TimeBucket <= 0 {
		return fmt.Errorf("dedup.time_bucket must be greater than zero")
	}
	if c.Dedup.PriceBucket <= 0 {
		return fmt.Errorf("dedup.price_bucket must be greater than zero")
	}
	switch c.Dedup.Backend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("dedup.backend must be postgres or redis, got %q", c.Dedup.Backend)
	}
	if c.Dedup.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr 必须配置 (dedup.backend=redis)")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for i, w := range c.Watches {
		if w.Symbol == "" {
			return fmt.Errorf("watches[%d].symbol is required", i)
		}
		if w.StrategyKey == "" {
			return fmt.Errorf("watches[%d].strategy_key is required", i)
		}
		if w.ThresholdPct < 0 {
			return fmt.Errorf("watches[%d].threshold_pct cannot be negative", i)
		}
		if w.TradeSize < 0 {
			return fmt.Errorf("watches[%d].trade_size cannot be negative", i)
		}
		for _, side := range w.Sides {
			switch strings.ToUpper(side) {
			case "BUY", "SELL":
			default:
				return fmt.Errorf("watches[%d].sides contains invalid side %q", i, side)
			}
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
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
