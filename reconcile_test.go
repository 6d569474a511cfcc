package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func TestSyncSubscription(t *testing.T) {
	ctx := context.Background()
	periodEnd := testNow.Add(10 * 24 * time.Hour)

	t.Run("updated", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusActive, false, periodEnd)

		renewed := periodEnd.Add(30 * 24 * time.Hour)
		f.prov.PutSubscription(subscription.Snapshot{
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			Status:                 subscription.StatusPastDue,
			CurrentPeriodEnd:       &renewed,
		})

		res, err := f.engine.SyncSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("SyncSubscription: %v", err)
		}
		if res.Outcome != tally.SyncUpdated {
			t.Fatalf("outcome: got %s, want %s", res.Outcome, tally.SyncUpdated)
		}

		got := f.getSubscription(t, sub.ID)
		if got.Status != subscription.StatusPastDue {
			t.Errorf("status: got %s, want past_due", got.Status)
		}
		if !got.CurrentPeriodEnd.Equal(renewed) {
			t.Errorf("period end: got %v, want %v", got.CurrentPeriodEnd, renewed)
		}
		if got.ExternalClientID != sub.ExternalClientID {
			t.Errorf("absent client id overwrote mirror: %q", got.ExternalClientID)
		}
		if got.LastAPISync == nil || !got.LastAPISync.Equal(testNow) {
			t.Errorf("last_api_sync: got %v, want %v", got.LastAPISync, testNow)
		}
	})

	t.Run("unchanged stamps freshness", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusActive, false, periodEnd)

		res, err := f.engine.SyncSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("SyncSubscription: %v", err)
		}
		if res.Outcome != tally.SyncUnchanged {
			t.Fatalf("outcome: got %s, want %s", res.Outcome, tally.SyncUnchanged)
		}
		got := f.getSubscription(t, sub.ID)
		if got.LastAPISync == nil || !got.LastAPISync.Equal(testNow) {
			t.Errorf("last_api_sync: got %v, want %v", got.LastAPISync, testNow)
		}
		if !got.UpdatedAt.Equal(sub.UpdatedAt) {
			t.Errorf("updated_at moved on an unchanged sync: %v", got.UpdatedAt)
		}
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.engine.SyncSubscription(ctx, "nobody")
		if err != nil {
			t.Fatalf("SyncSubscription: %v", err)
		}
		if res.Outcome != tally.SyncNoSubscription {
			t.Errorf("outcome: got %s, want %s", res.Outcome, tally.SyncNoSubscription)
		}
	})

	t.Run("unlinked", func(t *testing.T) {
		f := newFixture(t)
		sub := &subscription.Subscription{
			Entity: types.Entity{CreatedAt: testNow, UpdatedAt: testNow},
			ID:     id.NewSubscriptionID(),
			UserID: "u1",
			Status: subscription.StatusPending,
		}
		if err := f.store.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}

		res, err := f.engine.SyncSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("SyncSubscription: %v", err)
		}
		if res.Outcome != tally.SyncUnlinked {
			t.Errorf("outcome: got %s, want %s", res.Outcome, tally.SyncUnlinked)
		}
		if n := f.prov.Calls(providertest.OpGetSubscription); n != 0 {
			t.Errorf("provider calls: got %d, want 0", n)
		}
	})

	t.Run("retryable failure serves stale", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusActive, false, periodEnd)
		f.prov.PutSubscription(subscription.Snapshot{
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			Status:                 subscription.StatusCanceled,
		})
		f.prov.FailNext(providertest.OpGetSubscription,
			provider.Retryable(provider.OpGetSubscription, errors.New("upstream 503")))

		res, err := f.engine.SyncSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("SyncSubscription: %v", err)
		}
		if res.Outcome != tally.SyncStale {
			t.Fatalf("outcome: got %s, want %s", res.Outcome, tally.SyncStale)
		}
		if !tally.IsRetryable(res.Err) {
			t.Errorf("stale result should carry the retryable cause, got %v", res.Err)
		}
		got := f.getSubscription(t, sub.ID)
		if got.Status != subscription.StatusActive || got.LastAPISync != nil {
			t.Errorf("stale sync touched the row: %+v", got)
		}
	})

	t.Run("terminal failure surfaces", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusActive, false, periodEnd)
		f.prov.FailNext(providertest.OpGetSubscription,
			provider.Terminal(provider.OpGetSubscription, provider.ErrUnknownSubscription))

		_, err := f.engine.SyncSubscription(ctx, "u1")
		if err == nil {
			t.Fatal("expected error")
		}
		if !tally.IsProvider(err) || tally.IsRetryable(err) {
			t.Errorf("expected terminal provider error, got %v", err)
		}
		if !errors.Is(err, provider.ErrUnknownSubscription) {
			t.Errorf("expected ErrUnknownSubscription in chain, got %v", err)
		}
		if got := f.getSubscription(t, sub.ID); got.LastAPISync != nil {
			t.Error("failed sync stamped last_api_sync")
		}
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.engine.SyncSubscription(ctx, ""); !tally.IsValidation(err) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestFetchSubscriptionRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tally.WithFetchRetries(2))
	sub := f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(time.Hour))

	transient := provider.Retryable(provider.OpGetSubscription, errors.New("timeout"))
	f.prov.FailNext(providertest.OpGetSubscription, transient)
	f.prov.FailNext(providertest.OpGetSubscription, transient)

	snap, err := f.engine.FetchSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		t.Fatalf("FetchSubscription: %v", err)
	}
	if snap.Status != subscription.StatusActive {
		t.Errorf("status: got %s, want active", snap.Status)
	}
	if n := f.prov.Calls(providertest.OpGetSubscription); n != 3 {
		t.Errorf("attempts: got %d, want 3", n)
	}
}

func TestFetchSubscriptionDoesNotRetryTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tally.WithFetchRetries(3))

	_, err := f.engine.FetchSubscription(ctx, "sub_missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if n := f.prov.Calls(providertest.OpGetSubscription); n != 1 {
		t.Errorf("attempts: got %d, want 1", n)
	}
}

func TestApplySnapshotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "u1", subscription.StatusTrialing, false, testNow.Add(time.Hour))

	end := testNow.Add(30 * 24 * time.Hour)
	method := "card"
	snap := &subscription.Snapshot{
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       &end,
		PaymentMethod:          &method,
	}

	first, err := f.engine.ApplySnapshot(ctx, sub, snap)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Outcome != tally.SyncUpdated {
		t.Fatalf("first outcome: got %s, want updated", first.Outcome)
	}
	afterFirst := f.getSubscription(t, sub.ID)

	f.clock.Advance(time.Minute)
	second, err := f.engine.ApplySnapshot(ctx, afterFirst, snap)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Outcome != tally.SyncUnchanged {
		t.Fatalf("second outcome: got %s, want unchanged", second.Outcome)
	}
	afterSecond := f.getSubscription(t, sub.ID)

	if afterSecond.Status != afterFirst.Status ||
		afterSecond.PaymentMethod != afterFirst.PaymentMethod ||
		!afterSecond.CurrentPeriodEnd.Equal(afterFirst.CurrentPeriodEnd) ||
		!afterSecond.UpdatedAt.Equal(afterFirst.UpdatedAt) {
		t.Errorf("second apply changed the row:\nfirst  %+v\nsecond %+v", afterFirst, afterSecond)
	}
	if !afterSecond.LastAPISync.After(*afterFirst.LastAPISync) {
		t.Error("second apply should still move last_api_sync")
	}
}

func TestSyncNeverResurrectsDeletedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(time.Hour))

	if _, err := f.engine.DeleteAccount(ctx, "u1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	res, err := f.engine.SyncByExternalID(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		t.Fatalf("SyncByExternalID: %v", err)
	}
	if res.Outcome != tally.SyncNoSubscription {
		t.Errorf("outcome: got %s, want %s", res.Outcome, tally.SyncNoSubscription)
	}

	deleted := f.getSubscription(t, sub.ID)
	if _, err := f.engine.ApplySnapshot(ctx, deleted, &subscription.Snapshot{
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		Status:                 subscription.StatusActive,
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := f.getSubscription(t, sub.ID); got.Status != subscription.StatusCanceled || !got.Deleted() {
		t.Errorf("deleted row was resurrected: %+v", got)
	}
}
