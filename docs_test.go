package tally_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// TestDocumentationExamples verifies that all examples in the documentation compile
func TestDocumentationExamples(t *testing.T) {
	// Test Quick Start example from the package docs
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		// In-memory provider standing in for Stripe
		billing := providertest.New()
		periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
		billing.PutSubscription(subscription.Snapshot{
			ExternalSubscriptionID: "sub_123",
			ExternalClientID:       "cus_123",
			Status:                 subscription.StatusActive,
			CurrentPeriodEnd:       &periodEnd,
		})

		engine := tally.New(store,
			tally.WithProvider(billing),
			tally.WithLogger(slog.Default()),
			tally.WithStaleAfter(5*time.Minute),
			tally.WithRepairInterval(0),
		)

		// Start the engine
		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		// Mirror a completed checkout
		sub, err := engine.RecordCheckout(ctx, "user_123", "cus_123", "sub_123")
		if err != nil {
			t.Fatal(err)
		}

		// Reconcile against the provider
		res, err := engine.SyncSubscription(ctx, "user_123")
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("sync: %s\n", res.Outcome)

		// Gate workspace actions
		caps := entitlement.Derive(sub, entitlement.RoleOwner, engine.Now())
		if !caps.CanCreate {
			t.Fatalf("owner of an active subscription should create, got %+v", caps)
		}
	})

	// Test Money type examples
	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.EUR(25000)  // €250.00
		_ = types.USD(4900)   // $49.00
		_ = types.Zero("eur") // €0.00

		// Credits are negative balance adjustments
		credit := types.EUR(25000).AsCredit()     // -€250.00
		reversal := types.EUR(25000).AsReversal() // €250.00
		if !credit.Add(reversal).IsZero() {
			t.Fatal("credit and reversal should cancel out")
		}

		// Formatting
		_ = credit.String()      // "-€250.00"
		_ = credit.FormatMajor() // "-250.00"
	})
}
