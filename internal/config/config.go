package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jacklefroy/liquid-abt-sub002/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App            AppConfig             `mapstructure:"app"`
	Logging        logging.Config        `mapstructure:"logging"`
	Database       DatabaseConfig        `mapstructure:"database"`
	Server         ServerConfig          `mapstructure:"server"`
	Webhook        WebhookConfig         `mapstructure:"webhook"`
	Exchange       ExchangeConfig        `mapstructure:"exchange"`
	PriceFeed      PriceFeedConfig       `mapstructure:"price_feed"`
	CircuitBreaker CircuitBreakerConfig  `mapstructure:"circuit_breaker"`
	DCA            DCAConfig             `mapstructure:"dca"`
	Replay         ReplayConfig          `mapstructure:"replay"`
	Tiers          map[string]TierConfig `mapstructure:"tiers"`
	Alerting       AlertingConfig        `mapstructure:"alerting"`
	Export         ExportConfig          `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ServerConfig governs the webhook HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// ProviderConfig is one payment provider's webhook verification setup.
type ProviderConfig struct {
	SigningSecret      string        `mapstructure:"signing_secret"`
	SignatureHeader    string        `mapstructure:"signature_header"`
	Algorithm          string        `mapstructure:"algorithm"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	RSAPublicKeyPEM    string        `mapstructure:"rsa_public_key_pem"`
}

// WebhookConfig tunes inbound event handling.
type WebhookConfig struct {
	ReplayWindow time.Duration             `mapstructure:"replay_window"`
	DedupTTL     time.Duration             `mapstructure:"dedup_ttl"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
}

// ExchangeConfig covers the trading venue API.
type ExchangeConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	Instrument     string        `mapstructure:"instrument"`
	Currency       string        `mapstructure:"currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PriceFeedConfig configures the corroborating websocket feed and the
// exchange quote poller.
type PriceFeedConfig struct {
	URL          string        `mapstructure:"url"`
	Source       string        `mapstructure:"source"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	QuoteMaxAge  time.Duration `mapstructure:"quote_max_age"`
}

// CircuitBreakerConfig tunes trade gating thresholds, in percent.
type CircuitBreakerConfig struct {
	MaxPriceChangePct  float64       `mapstructure:"max_price_change_pct"`
	MaxSlippagePct     float64       `mapstructure:"max_slippage_pct"`
	TimeWindow         time.Duration `mapstructure:"time_window"`
	SuspensionDuration time.Duration `mapstructure:"suspension_duration"`
	MinDataSources     int           `mapstructure:"min_data_sources"`
	HistoryRetention   time.Duration `mapstructure:"history_retention"`
}

// DCAConfig governs the scheduled purchase sweep.
type DCAConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// ReplayConfig governs the failure-ledger replay sweep.
type ReplayConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// TierConfig is one subscription plan's conversion ceilings. Zero means
// unlimited.
type TierConfig struct {
	MaxPercentage        float64 `mapstructure:"max_percentage"`
	MaxSingleTransaction float64 `mapstructure:"max_single_transaction"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIQUIDABT")
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
	v.SetDefault("app.name", "liquidabt")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", int64(1<<20))

	v.SetDefault("webhook.replay_window", "5m")
	v.SetDefault("webhook.dedup_ttl", "1h")

	v.SetDefault("exchange.provider", "independent_reserve")
	v.SetDefault("exchange.instrument", "BTC-AUD")
	v.SetDefault("exchange.currency", "AUD")
	v.SetDefault("exchange.request_timeout", "15s")

	v.SetDefault("price_feed.source", "market_feed")
	v.SetDefault("price_feed.poll_interval", "30s")
	v.SetDefault("price_feed.quote_max_age", "1m")

	v.SetDefault("circuit_breaker.max_price_change_pct", 10.0)
	v.SetDefault("circuit_breaker.max_slippage_pct", 5.0)
	v.SetDefault("circuit_breaker.time_window", "5m")
	v.SetDefault("circuit_breaker.suspension_duration", "15m")
	v.SetDefault("circuit_breaker.min_data_sources", 2)
	v.SetDefault("circuit_breaker.history_retention", "24h")

	v.SetDefault("dca.enabled", true)
	v.SetDefault("dca.check_interval", "1h")

	v.SetDefault("replay.enabled", true)
	v.SetDefault("replay.check_interval", "5m")
	v.SetDefault("replay.batch_size", 50)
	v.SetDefault("replay.max_retries", 10)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Webhook.ReplayWindow <= 0 {
		return fmt.Errorf("webhook.replay_window must be greater than zero")
	}
	if c.Exchange.Instrument == "" {
		return fmt.Errorf("exchange.instrument must be configured")
	}
	if c.CircuitBreaker.MaxPriceChangePct < 0 || c.CircuitBreaker.MaxSlippagePct < 0 {
		return fmt.Errorf("circuit_breaker thresholds cannot be negative")
	}
	if c.Replay.Enabled && c.Replay.BatchSize <= 0 {
		return fmt.Errorf("replay.batch_size must be greater than zero")
	}
	for name, provider := range c.Webhook.Providers {
		switch provider.Algorithm {
		case "", "hmac-sha256", "hmac-sha1":
			if provider.SigningSecret == "" {
				return fmt.Errorf("webhook.providers.%s.signing_secret must be configured", name)
			}
		case "rsa":
			if provider.RSAPublicKeyPEM == "" {
				return fmt.Errorf("webhook.providers.%s.rsa_public_key_pem must be configured", name)
			}
		default:
			return fmt.Errorf("webhook.providers.%s.algorithm %q not supported", name, provider.Algorithm)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
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
