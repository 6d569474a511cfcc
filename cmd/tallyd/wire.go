package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/tally"
	audit_hook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/changefeed"
	"github.com/xraph/tally/changefeed/natsfeed"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/provider/stripe"
	"github.com/xraph/tally/refresh"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
	"github.com/xraph/tally/types"
)

// app holds everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg    *Config
	logger *slog.Logger
	store  store.Store
	engine *tally.Engine
	sched  *refresh.Scheduler

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects the configured backend. It does not migrate.
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil

	case "postgres":
		drv := pgdriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("grove: %w", err)
		}
		return postgres.New(db), nil

	case "sqlite":
		drv := sqlitedriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("grove: %w", err)
		}
		return sqlite.New(db), nil

	case "mongo":
		drv := mongodriver.New()
		if err := drv.Open(ctx, cfg.DSN, mongodriver.WithDatabase(cfg.Database)); err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("grove: %w", err)
		}
		return mongo.New(db), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// build wires the engine and its collaborators from cfg.
func build(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.Log, os.Stderr)}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	opts := []tally.Option{
		tally.WithLogger(a.logger),
		tally.WithFetchTimeout(cfg.Sync.FetchTimeout),
		tally.WithFetchRetries(cfg.Sync.FetchRetries),
		tally.WithStaleAfter(cfg.Refresh.StaleAfter),
		tally.WithRepairInterval(cfg.Sync.RepairInterval),
		tally.WithRepairGrace(cfg.Sync.RepairGrace),
		tally.WithReferralDiscount(types.New(cfg.Referral.DiscountAmount, cfg.Referral.Currency)),
		tally.WithPlugin(audit_hook.New(slogRecorder(a.logger), audit_hook.WithLogger(a.logger))),
	}

	if cfg.Stripe.SecretKey != "" {
		opts = append(opts, tally.WithProvider(stripe.New(cfg.Stripe.SecretKey,
			stripe.WithTimeout(cfg.Sync.FetchTimeout),
			stripe.WithLogger(a.logger),
		)))
	} else {
		a.logger.Warn("stripe.secret_key not set; provider calls will fail")
	}

	var feed changefeed.Feed
	if cfg.NATS.URL != "" {
		nopts := []natsfeed.Option{natsfeed.WithLogger(a.logger)}
		if cfg.NATS.Subject != "" {
			nopts = append(nopts, natsfeed.WithSubject(cfg.NATS.Subject))
		}
		nf, err := natsfeed.Connect(cfg.NATS.URL, nopts...)
		if err != nil {
			a.close()
			return nil, err
		}
		feed = nf
	} else {
		feed = changefeed.NewBroker(64, a.logger)
	}
	a.closers = append(a.closers, feed.Close)
	opts = append(opts, tally.WithChangeFeed(feed))

	if cfg.Metrics.Enabled {
		opts = append(opts, tally.WithPlugin(
			observability.NewMetricsExtension(observability.NewPrometheusFactory(reg)),
		))
	}

	a.engine = tally.New(s, opts...)

	sopts := []refresh.Option{
		refresh.WithConfig(cfg.Refresh),
		refresh.WithLogger(a.logger),
		refresh.WithChangeFeed(feed),
	}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		sopts = append(sopts, refresh.WithCache(refresh.NewRedisCache(rdb, cfg.Refresh.TTL)))
	}
	a.sched = refresh.New(a.engine, s, sopts...)

	return a, nil
}

// slogRecorder writes audit events to the structured log.
func slogRecorder(logger *slog.Logger) audit_hook.Recorder {
	return audit_hook.RecorderFunc(func(ctx context.Context, ev *audit_hook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("outcome", ev.Outcome),
			slog.String("severity", ev.Severity),
			slog.Any("metadata", ev.Metadata),
		)
		return nil
	})
}
