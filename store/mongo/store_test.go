package mongo_test

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/storetest"
)

// Set TALLY_TEST_MONGO_URI to run against a real server. Each case gets a
// freshly dropped database.
func TestConformance(t *testing.T) {
	uri := os.Getenv("TALLY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TALLY_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		drv := mongodriver.New()
		if err := drv.Open(ctx, uri, mongodriver.WithDatabase("tally_test")); err != nil {
			t.Fatalf("open mongo: %v", err)
		}
		if err := drv.Database().Drop(ctx); err != nil {
			t.Fatalf("drop database: %v", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			t.Fatalf("grove.Open: %v", err)
		}
		s := mongo.New(db)
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
