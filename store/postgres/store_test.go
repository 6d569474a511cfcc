package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/storetest"
)

// Set TALLY_TEST_POSTGRES_DSN to run against a real database. The suite
// truncates the tally tables before every case.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TALLY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TALLY_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		drv := pgdriver.New()
		if err := drv.Open(ctx, dsn); err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			t.Fatalf("grove.Open: %v", err)
		}
		s := postgres.New(db)
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if _, err := drv.NewRaw("TRUNCATE tally_referrals, tally_subscriptions").Exec(ctx); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
