// Command tallyd serves the Tally HTTP API and runs maintenance tasks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "tallyd",
		Short:         "Subscription mirror and referral credit service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./tally.yaml)")

	load := func() (*Config, error) { return loadConfig(configFile) }

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSyncCmd(load),
	)
	return root
}

func newServeCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *Config) error {
	a, err := build(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.engine.Stop(); err != nil {
			a.logger.Warn("engine stop failed", "error", err)
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := a.sched.Run(ctx); err != nil {
			a.logger.Error("refresh scheduler stopped", "error", err)
		}
	}()

	handler := api.New(a.engine, a.sched,
		api.WithLogger(a.logger),
		api.WithStripeWebhookSecret(cfg.Stripe.WebhookSecret),
	)
	servers := []*http.Server{{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(cfg.HTTP.BasePath),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		a.logger.Info("listening", "addr", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-errc:
		a.logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("server shutdown error", "addr", srv.Addr, "error", serr)
		}
	}
	<-schedDone
	return err
}

func newMigrateCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
			return nil
		},
	}
}

func newSyncCmd(load func() (*Config, error)) *cobra.Command {
	var (
		users  []string
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile users with the billing provider",
		Long: "Reconcile the listed users' subscriptions with the billing provider. " +
			"With --repair, re-drive referral credits stuck in flight.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(users) == 0 && !repair {
				return errors.New("nothing to do: pass --user or --repair")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// No background workers for one-shot runs.
			cfg.Sync.RepairInterval = 0
			cfg.Metrics.Enabled = false
			a, err := build(ctx, cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			return runSync(ctx, a.engine, users, repair, json.NewEncoder(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "user id to reconcile (repeatable)")
	cmd.Flags().BoolVar(&repair, "repair", false, "repair in-flight referral credits")
	return cmd
}

func runSync(ctx context.Context, engine *tally.Engine, users []string, repair bool, out *json.Encoder) error {
	var failed int
	for _, userID := range users {
		res, err := engine.SyncSubscription(ctx, userID)
		if err != nil {
			failed++
			_ = out.Encode(map[string]any{"user_id": userID, "error": err.Error()})
			continue
		}
		_ = out.Encode(map[string]any{"user_id": userID, "status": res.Outcome})
	}

	if repair {
		report, err := engine.RepairInFlightCredits(ctx, tally.RepairOpts{})
		if err != nil {
			return fmt.Errorf("repair: %w", err)
		}
		_ = out.Encode(map[string]any{"repair": report})
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d users failed to sync", failed, len(users))
	}
	return nil
}
