// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate Tally
// into a Forge application with DI registration and lifecycle management.
// The engine, the refresh scheduler and the HTTP handler are provided to
// the container; the host application mounts the handler.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/refresh"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription mirror and referral credit engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config    Config
	engine    *tally.Engine
	sched     *refresh.Scheduler
	handler   *api.Handler
	store     store.Store
	cache     refresh.Cache
	tallyOpts []tally.Option

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tally engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// Scheduler returns the refresh scheduler.
// This is nil until Register is called.
func (e *Extension) Scheduler() *refresh.Scheduler { return e.sched }

// Handler returns the HTTP handler rooted at the configured base path, or
// nil when routes are disabled or Register has not run.
func (e *Extension) Handler() http.Handler {
	if e.handler == nil {
		return nil
	}
	return e.handler.Router(e.config.BasePath)
}

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine and scheduler, and registers them in the DI
// container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = tally.New(e.store, e.buildTallyOpts()...)
	e.sched = e.buildScheduler()
	if !e.config.DisableRoutes {
		e.handler = api.New(e.engine, e.sched,
			api.WithLogger(e.engine.Logger()),
			api.WithStripeWebhookSecret(e.config.StripeWebhookSecret),
		)
	}

	if err := vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	if err := vessel.Provide(fapp.Container(), func() (*refresh.Scheduler, error) {
		return e.sched, nil
	}); err != nil {
		return err
	}
	if e.handler == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return e.handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	// The scheduler outlives the start context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := e.sched.Run(runCtx); err != nil {
			e.Logger().Warn("tally: refresh scheduler stopped",
				forge.F("error", err.Error()),
			)
		}
	}()

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildTallyOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildTallyOpts() []tally.Option {
	opts := make([]tally.Option, 0, len(e.tallyOpts)+8)

	opts = append(opts,
		tally.WithAutoMigrate(!e.config.DisableMigrate),
		tally.WithStaleAfter(e.config.StaleAfter),
		tally.WithFetchTimeout(e.config.FetchTimeout),
		tally.WithFetchRetries(e.config.FetchRetries),
		tally.WithRepairInterval(e.config.RepairInterval),
		tally.WithRepairGrace(e.config.RepairGrace),
		tally.WithReferralDiscount(types.New(e.config.DiscountAmount, e.config.DiscountCurrency)),
	)

	// Pass-through options win over config-derived ones.
	opts = append(opts, e.tallyOpts...)

	return opts
}

func (e *Extension) buildScheduler() *refresh.Scheduler {
	cfg := e.config.Refresh
	cfg.StaleAfter = e.engine.StaleAfter()

	opts := []refresh.Option{
		refresh.WithConfig(cfg),
		refresh.WithClock(e.engine.Now),
		refresh.WithLogger(e.engine.Logger()),
	}
	if e.cache != nil {
		opts = append(opts, refresh.WithCache(e.cache))
	}
	if feed := e.engine.ChangeFeed(); feed != nil {
		opts = append(opts, refresh.WithChangeFeed(feed))
	}
	return refresh.New(e.engine, e.engine.Store(), opts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("stale_after", e.config.StaleAfter),
		forge.F("fetch_timeout", e.config.FetchTimeout),
		forge.F("repair_interval", e.config.RepairInterval),
		forge.F("webhooks", e.config.StripeWebhookSecret != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = d.BasePath
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	if cfg.FetchRetries == 0 {
		cfg.FetchRetries = d.FetchRetries
	}
	if cfg.RepairInterval == 0 {
		cfg.RepairInterval = d.RepairInterval
	}
	if cfg.RepairGrace == 0 {
		cfg.RepairGrace = d.RepairGrace
	}
	if cfg.DiscountAmount == 0 {
		cfg.DiscountAmount = d.DiscountAmount
	}
	if cfg.DiscountCurrency == "" {
		cfg.DiscountCurrency = d.DiscountCurrency
	}
	if cfg.Refresh.MinInterval == 0 {
		cfg.Refresh.MinInterval = d.Refresh.MinInterval
	}
	if cfg.Refresh.Interval == 0 {
		cfg.Refresh.Interval = d.Refresh.Interval
	}
	// TTL, StaleAfter and Concurrency are defaulted by refresh.WithConfig.
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.DiscountCurrency == "" {
		yamlConfig.DiscountCurrency = programmaticConfig.DiscountCurrency
	}
	if yamlConfig.StripeWebhookSecret == "" {
		yamlConfig.StripeWebhookSecret = programmaticConfig.StripeWebhookSecret
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.StaleAfter == 0 {
		yamlConfig.StaleAfter = programmaticConfig.StaleAfter
	}
	if yamlConfig.FetchTimeout == 0 {
		yamlConfig.FetchTimeout = programmaticConfig.FetchTimeout
	}
	if yamlConfig.FetchRetries == 0 {
		yamlConfig.FetchRetries = programmaticConfig.FetchRetries
	}
	if yamlConfig.RepairInterval == 0 {
		yamlConfig.RepairInterval = programmaticConfig.RepairInterval
	}
	if yamlConfig.RepairGrace == 0 {
		yamlConfig.RepairGrace = programmaticConfig.RepairGrace
	}
	if yamlConfig.DiscountAmount == 0 {
		yamlConfig.DiscountAmount = programmaticConfig.DiscountAmount
	}
	if yamlConfig.Refresh == (refresh.Config{}) {
		yamlConfig.Refresh = programmaticConfig.Refresh
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
