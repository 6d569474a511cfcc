package tally

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/changefeed"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Engine keeps the local subscription mirror consistent with the billing
// provider and drives referral credits from it.
type Engine struct {
	store    store.Store
	provider provider.Provider
	feed     changefeed.Feed
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    func() time.Time

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	fetchTimeout   time.Duration
	fetchRetries   uint64
	staleAfter     time.Duration
	repairInterval time.Duration
	repairGrace    time.Duration
	repairWindow   time.Duration
	discount       types.Money
	autoMigrate    bool
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		clock:          func() time.Time { return time.Now().UTC() },
		stopChan:       make(chan struct{}),
		fetchTimeout:   10 * time.Second,
		fetchRetries:   2,
		staleAfter:     5 * time.Minute,
		repairInterval: time.Minute,
		repairGrace:    2 * time.Minute,
		repairWindow:   24 * time.Hour,
		discount:       types.EUR(25000),
		autoMigrate:    true,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.feed != nil {
		e.store = store.WithChangeFeed(e.store, e.feed, e.logger)
	}

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProvider sets the billing provider.
func WithProvider(p provider.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithChangeFeed publishes a change event for every store write.
func WithChangeFeed(f changefeed.Feed) Option {
	return func(e *Engine) { e.feed = f }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithFetchTimeout bounds each billing state fetch attempt.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fetchTimeout = d }
}

// WithFetchRetries sets how many times a retryable fetch is retried.
func WithFetchRetries(n uint64) Option {
	return func(e *Engine) { e.fetchRetries = n }
}

// WithStaleAfter sets how old last_api_sync may be before a non-forced
// refresh reconciles again.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleAfter = d }
}

// WithRepairInterval sets how often in-flight credits are repaired.
// Zero disables the background worker.
func WithRepairInterval(d time.Duration) Option {
	return func(e *Engine) { e.repairInterval = d }
}

// WithRepairGrace sets how long a claim must be in flight before repair
// touches it.
func WithRepairGrace(d time.Duration) Option {
	return func(e *Engine) { e.repairGrace = d }
}

// WithRepairWindow sets the provider idempotency window. Claims older than
// this are not retried.
func WithRepairWindow(d time.Duration) Option {
	return func(e *Engine) { e.repairWindow = d }
}

// WithReferralDiscount sets the amount credited for new referrals.
func WithReferralDiscount(m types.Money) Option {
	return func(e *Engine) { e.discount = m }
}

// WithAutoMigrate controls whether Start migrates the store.
func WithAutoMigrate(enabled bool) Option {
	return func(e *Engine) { e.autoMigrate = enabled }
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Provider returns the billing provider, or nil.
func (e *Engine) Provider() provider.Provider { return e.provider }

// ChangeFeed returns the change feed, or nil.
func (e *Engine) ChangeFeed() changefeed.Feed { return e.feed }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// StaleAfter returns the freshness threshold.
func (e *Engine) StaleAfter() time.Duration { return e.staleAfter }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.clock() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.autoMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	if e.repairInterval > 0 {
		e.wg.Add(1)
		go e.repairWorker(ctx)
	}

	provName := "none"
	if e.provider != nil {
		provName = e.provider.Name()
	}
	e.logger.Info("tally started",
		"provider", provName,
		"fetch_timeout", e.fetchTimeout,
		"stale_after", e.staleAfter,
		"repair_interval", e.repairInterval,
	)

	return nil
}

// Stop shuts down background workers, plugins and the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	if e.feed != nil {
		_ = e.feed.Close() //nolint:errcheck // best-effort feed shutdown
	}
	return e.store.Close()
}

// repairWorker periodically re-drives stuck monetary transitions.
func (e *Engine) repairWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.repairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := e.RepairInFlightCredits(ctx, RepairOpts{})
			if err != nil {
				e.logger.Error("credit repair failed", "error", err)
				continue
			}
			if report.Attempted > 0 {
				e.logger.Info("credit repair pass",
					"attempted", report.Attempted,
					"committed", report.Committed,
					"released", report.Released,
					"abandoned", report.Abandoned,
				)
			}
		}
	}
}

func (e *Engine) requireProvider() error {
	if e.provider == nil {
		return ErrProviderNotConfigured
	}
	return nil
}
