package extension

import (
	"time"

	"github.com/xraph/tally/refresh"
)

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being built.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for tally routes (default: "/tally").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// StaleAfter is how old a mirrored subscription may get before a read
	// reconciles it with the provider (default: 5m).
	StaleAfter time.Duration `json:"stale_after" mapstructure:"stale_after" yaml:"stale_after"`

	// FetchTimeout bounds each provider fetch attempt (default: 10s).
	FetchTimeout time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout" yaml:"fetch_timeout"`

	// FetchRetries is the number of retries for a retryable fetch
	// (default: 2).
	FetchRetries uint64 `json:"fetch_retries" mapstructure:"fetch_retries" yaml:"fetch_retries"`

	// RepairInterval is how often in-flight referral credits are repaired
	// (default: 1m).
	RepairInterval time.Duration `json:"repair_interval" mapstructure:"repair_interval" yaml:"repair_interval"`

	// RepairGrace is how long a credit must be in flight before repair
	// touches it (default: 2m).
	RepairGrace time.Duration `json:"repair_grace" mapstructure:"repair_grace" yaml:"repair_grace"`

	// DiscountAmount is the referral credit in minor units (default: 25000).
	DiscountAmount int64 `json:"discount_amount" mapstructure:"discount_amount" yaml:"discount_amount"`

	// DiscountCurrency is the referral credit currency (default: "EUR").
	DiscountCurrency string `json:"discount_currency" mapstructure:"discount_currency" yaml:"discount_currency"`

	// StripeWebhookSecret enables the Stripe webhook route when set.
	StripeWebhookSecret string `json:"stripe_webhook_secret" mapstructure:"stripe_webhook_secret" yaml:"stripe_webhook_secret"`

	// Refresh tunes the client cache and refresh scheduler.
	Refresh refresh.Config `json:"refresh" mapstructure:"refresh" yaml:"refresh"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:         "/tally",
		StaleAfter:       5 * time.Minute,
		FetchTimeout:     10 * time.Second,
		FetchRetries:     2,
		RepairInterval:   time.Minute,
		RepairGrace:      2 * time.Minute,
		DiscountAmount:   25000,
		DiscountCurrency: "EUR",
		Refresh:          refresh.DefaultConfig(),
	}
}
