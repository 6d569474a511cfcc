package extension

import (
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/refresh"
	"github.com/xraph/tally/store"
)

// Option configures the Tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the tally engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithProvider sets the billing provider.
func WithProvider(p provider.Provider) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithProvider(p))
	}
}

// WithCache replaces the scheduler's in-process cache, e.g. with a
// refresh.RedisCache shared between replicas.
func WithCache(c refresh.Cache) Option {
	return func(e *Extension) { e.cache = c }
}

// WithTallyOption passes a tally.Option through to the underlying engine.
func WithTallyOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP handler from being built.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for tally routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithStaleAfter sets the mirror freshness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Extension) { e.config.StaleAfter = d }
}

// WithFetchTimeout bounds each provider fetch attempt.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.FetchTimeout = d }
}

// WithReferralDiscount sets the referral credit in minor units.
func WithReferralDiscount(amount int64, currency string) Option {
	return func(e *Extension) {
		e.config.DiscountAmount = amount
		e.config.DiscountCurrency = currency
	}
}

// WithStripeWebhookSecret enables the Stripe webhook route.
func WithStripeWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.StripeWebhookSecret = secret }
}

// WithRefreshConfig tunes the client cache and refresh scheduler.
func WithRefreshConfig(cfg refresh.Config) Option {
	return func(e *Extension) { e.config.Refresh = cfg }
}
