package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xraph/tally/refresh"
)

// Config is the tallyd configuration. Every key can be overridden with a
// TALLY_ prefixed environment variable, e.g. TALLY_STORE_DSN.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Referral ReferralConfig `mapstructure:"referral"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Refresh  refresh.Config `mapstructure:"refresh"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=memory postgres sqlite mongo"`
	DSN      string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	Database string `mapstructure:"database"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type ReferralConfig struct {
	DiscountAmount int64  `mapstructure:"discount_amount" validate:"gt=0"`
	Currency       string `mapstructure:"currency" validate:"len=3"`
}

type SyncConfig struct {
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries   uint64        `mapstructure:"fetch_retries"`
	RepairInterval time.Duration `mapstructure:"repair_interval"`
	RepairGrace    time.Duration `mapstructure:"repair_grace"`
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.base_path", "")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "tally")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("referral.discount_amount", 25000)
	v.SetDefault("referral.currency", "EUR")
	v.SetDefault("sync.fetch_timeout", 10*time.Second)
	v.SetDefault("sync.fetch_retries", 2)
	v.SetDefault("sync.repair_interval", time.Minute)
	v.SetDefault("sync.repair_grace", 2*time.Minute)
	v.SetDefault("cache.redis_addr", "")

	d := refresh.DefaultConfig()
	v.SetDefault("refresh.ttl", d.TTL)
	v.SetDefault("refresh.min_interval", d.MinInterval)
	v.SetDefault("refresh.interval", d.Interval)
	v.SetDefault("refresh.stale_after", d.StaleAfter)
	v.SetDefault("refresh.concurrency", d.Concurrency)
	v.SetDefault("refresh.idle_after", d.IdleAfter)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9091")
}

// loadConfig reads .env (if any), the optional config file and the
// environment, in increasing precedence.
func loadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tally")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tally")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the decoded configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
