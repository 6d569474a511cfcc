package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func TestReactivateClearsPendingCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.subscribe(t, "referrer", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	sub := f.subscribe(t, "u1", subscription.StatusActive, true, testNow.Add(5*24*time.Hour))
	ref := f.referral(t, "referrer", "u1", reverted)

	res, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if res.Outcome != tally.ReactivateReactivated {
		t.Fatalf("outcome: got %s, want %s", res.Outcome, tally.ReactivateReactivated)
	}
	if res.Subscription.Status != subscription.StatusActive || res.Subscription.CancelAtPeriodEnd {
		t.Errorf("subscription: got status=%s cancel=%v, want active/false",
			res.Subscription.Status, res.Subscription.CancelAtPeriodEnd)
	}
	if res.Restored != 1 {
		t.Errorf("restored: got %d, want 1", res.Restored)
	}

	if got := f.getSubscription(t, sub.ID); got.CancelAtPeriodEnd {
		t.Error("mirror still cancel_at_period_end")
	}

	got := f.getReferral(t, ref.ID)
	if got.Status != referral.StatusRewarded || !got.DiscountApplied {
		t.Errorf("referral: got status=%s applied=%v, want rewarded/true", got.Status, got.DiscountApplied)
	}
	if got.LastTransactionID == "" {
		t.Error("restore transaction not recorded")
	}

	journal := f.prov.Journal()
	if len(journal) != 1 {
		t.Fatalf("journal: got %d entries, want 1", len(journal))
	}
	if journal[0].AccountID != "cus_referrer" || !journal[0].Amount.Equal(types.EUR(-25000)) {
		t.Errorf("restore entry: got %s on %s, want credit of €250.00 on cus_referrer",
			journal[0].Amount, journal[0].AccountID)
	}
	if journal[0].Metadata["transition"] != string(referral.TransitionRestore) {
		t.Errorf("transition metadata: got %q", journal[0].Metadata["transition"])
	}
}

func TestReactivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(5*24*time.Hour))

	var states []subscription.Subscription
	for i := 0; i < 2; i++ {
		res, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
		if err != nil {
			t.Fatalf("Reactivate #%d: %v", i+1, err)
		}
		if res.Outcome != tally.ReactivateNoop {
			t.Errorf("Reactivate #%d outcome: got %s, want noop", i+1, res.Outcome)
		}
		states = append(states, *f.getSubscription(t, sub.ID))
	}

	a, b := states[0], states[1]
	if a.Status != b.Status || a.CancelAtPeriodEnd != b.CancelAtPeriodEnd || !a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
		t.Errorf("persisted state diverged:\n%+v\n%+v", a, b)
	}
	if n := f.prov.Calls(providertest.OpUpdateSubscription); n > 1 {
		t.Errorf("provider mutations: got %d, want at most 1", n)
	}
}

func TestReactivateTerminalGuard(t *testing.T) {
	tests := []struct {
		name      string
		periodEnd time.Time
	}{
		{"ended an hour ago", testNow.Add(-time.Hour)},
		{"ends exactly now", testNow},
		{"ended a year ago", testNow.AddDate(-1, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			sub := f.subscribe(t, "u1", subscription.StatusCanceled, true, tt.periodEnd)

			_, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
			if !tally.IsTerminal(err) {
				t.Fatalf("expected TerminalStateError, got %v", err)
			}
			var te *tally.TerminalStateError
			if errors.As(err, &te) && te.Reason != tally.ReasonSubscriptionEnded {
				t.Errorf("reason: got %q", te.Reason)
			}
			if n := f.prov.Calls(providertest.OpUpdateSubscription); n != 0 {
				t.Errorf("provider update calls: got %d, want 0", n)
			}
			if got := f.getSubscription(t, sub.ID); !got.CancelAtPeriodEnd {
				t.Error("cancel_at_period_end was mutated")
			}
			if snap, _ := f.prov.Subscription(sub.ExternalSubscriptionID); !snap.CancelAtPeriodEnd {
				t.Error("provider cancel_at_period_end was mutated")
			}
		})
	}
}

func TestReactivateCanceledBeforePeriodEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("provider declines", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusCanceled, true, testNow.Add(3*24*time.Hour))

		res, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
		if err != nil {
			t.Fatalf("Reactivate: %v", err)
		}
		if res.Outcome != tally.ReactivateDeclined || res.Message == "" {
			t.Errorf("got outcome=%s message=%q, want declined with a message", res.Outcome, res.Message)
		}
		if got := f.getSubscription(t, sub.ID); got.Status != subscription.StatusCanceled {
			t.Errorf("status: got %s, want canceled", got.Status)
		}
	})

	t.Run("provider accepts", func(t *testing.T) {
		f := newFixture(t)
		f.prov.AllowUncancel = true
		sub := f.subscribe(t, "u1", subscription.StatusCanceled, true, testNow.Add(3*24*time.Hour))

		res, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
		if err != nil {
			t.Fatalf("Reactivate: %v", err)
		}
		if res.Outcome != tally.ReactivateReactivated {
			t.Fatalf("outcome: got %s, want reactivated", res.Outcome)
		}
		if got := f.getSubscription(t, sub.ID); got.Status != subscription.StatusActive || got.CancelAtPeriodEnd {
			t.Errorf("mirror: got status=%s cancel=%v", got.Status, got.CancelAtPeriodEnd)
		}
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscribe(t, "u1", subscription.StatusCanceled, true, testNow.Add(3*24*time.Hour))
		f.prov.FailNext(providertest.OpUpdateSubscription,
			provider.Retryable(provider.OpUpdateSubscription, errors.New("503")))

		if _, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID); !tally.IsRetryable(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
	})
}

func TestReactivateUpdateFailureLeavesMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "u1", subscription.StatusActive, true, testNow.Add(5*24*time.Hour))
	f.prov.FailNext(providertest.OpUpdateSubscription,
		provider.Retryable(provider.OpUpdateSubscription, errors.New("timeout")))

	_, err := f.engine.Reactivate(ctx, sub.ExternalSubscriptionID)
	if !tally.IsProvider(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := f.getSubscription(t, sub.ID); !got.CancelAtPeriodEnd || got.LastAPISync != nil {
		t.Errorf("mirror written without provider confirmation: %+v", got)
	}
}

func TestReactivateErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.engine.Reactivate(ctx, ""); !tally.IsValidation(err) {
		t.Errorf("empty id: expected ValidationError, got %v", err)
	}
	if _, err := f.engine.Reactivate(ctx, "sub_unknown"); !tally.IsNotFound(err) {
		t.Errorf("unknown id: expected not found, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.subscribe(t, "referrer", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	sub := f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(5*24*time.Hour))
	ref := f.referral(t, "referrer", "u1", rewarded)

	res, err := f.engine.Cancel(ctx, "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Subscription.CancelAtPeriodEnd || res.Subscription.Status != subscription.StatusActive {
		t.Errorf("subscription: got status=%s cancel=%v, want active/true",
			res.Subscription.Status, res.Subscription.CancelAtPeriodEnd)
	}
	if !res.Subscription.Entitled(testNow) {
		t.Error("canceled subscription should stay entitled until period end")
	}
	if res.Reverted != 1 {
		t.Errorf("reverted: got %d, want 1", res.Reverted)
	}
	if got := f.getSubscription(t, sub.ID); !got.CancelAtPeriodEnd {
		t.Error("mirror not reconciled after cancel")
	}

	got := f.getReferral(t, ref.ID)
	if got.Status != referral.StatusCompleted || !got.DiscountApplied || !got.Reverted() {
		t.Errorf("referral: got status=%s applied=%v, want reverted", got.Status, got.DiscountApplied)
	}
	if net := f.prov.Net("eur", "referral_id", ref.ID.String()); !net.Equal(types.EUR(25000)) {
		t.Errorf("reversal: got %s, want €250.00", net)
	}
}

func TestCancelErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*testing.T, *fixture)
		check func(error) bool
	}{
		{
			name:  "no subscription",
			setup: func(*testing.T, *fixture) {},
			check: tally.IsNotFound,
		},
		{
			name: "period elapsed",
			setup: func(t *testing.T, f *fixture) {
				f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(-time.Minute))
			},
			check: func(err error) bool { return errors.Is(err, tally.ErrNotEntitled) },
		},
		{
			name: "past due",
			setup: func(t *testing.T, f *fixture) {
				f.subscribe(t, "u1", subscription.StatusPastDue, false, testNow.Add(time.Hour))
			},
			check: func(err error) bool { return errors.Is(err, tally.ErrNotEntitled) },
		},
		{
			name: "provider rejects",
			setup: func(t *testing.T, f *fixture) {
				f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(time.Hour))
				f.prov.FailNext(providertest.OpUpdateSubscription,
					provider.Terminal(provider.OpUpdateSubscription, errors.New("card declined")))
			},
			check: tally.IsProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			if _, err := f.engine.Cancel(ctx, "u1"); !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.subscribe(t, "referrer", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	sub := f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(5*24*time.Hour))
	ref := f.referral(t, "referrer", "u1", rewarded)

	res, err := f.engine.DeleteAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if res.Deleted != 1 || res.Reverted != 1 {
		t.Errorf("result: got %+v, want 1 deleted and 1 reverted", res)
	}

	got := f.getSubscription(t, sub.ID)
	if got.Status != subscription.StatusCanceled || got.DeletedAt == nil {
		t.Errorf("row not soft deleted: %+v", got)
	}
	if snap, _ := f.prov.Subscription(sub.ExternalSubscriptionID); !snap.CancelAtPeriodEnd {
		t.Error("provider subscription not canceled")
	}
	if _, err := f.store.GetLatestSubscription(ctx, "u1"); !tally.IsNotFound(err) {
		t.Errorf("deleted row still authoritative: %v", err)
	}
	if r := f.getReferral(t, ref.ID); r.Status != referral.StatusCompleted {
		t.Errorf("referral status: got %s, want completed", r.Status)
	}
}

func TestDeleteAccountToleratesProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(time.Hour))
	f.prov.FailAlways(providertest.OpUpdateSubscription,
		provider.Retryable(provider.OpUpdateSubscription, errors.New("down")))

	res, err := f.engine.DeleteAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted: got %d, want 1", res.Deleted)
	}
}

func TestRecordCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	end := testNow.Add(30 * 24 * time.Hour)
	f.prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: "sub_new",
		ExternalClientID:       "cus_new",
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       &end,
	})

	sub, err := f.engine.RecordCheckout(ctx, "u1", "cus_new", "sub_new")
	if err != nil {
		t.Fatalf("RecordCheckout: %v", err)
	}
	if sub.Status != subscription.StatusActive || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("row: got status=%s end=%v", sub.Status, sub.CurrentPeriodEnd)
	}
	if sub.LastAPISync == nil {
		t.Error("last_api_sync not stamped")
	}

	again, err := f.engine.RecordCheckout(ctx, "u1", "cus_new", "sub_new")
	if err != nil {
		t.Fatalf("repeat RecordCheckout: %v", err)
	}
	if again.ID != sub.ID {
		t.Errorf("repeat checkout created a second row: %s != %s", again.ID, sub.ID)
	}

	f.prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: "sub_dup",
		ExternalClientID:       "cus_new",
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       &end,
	})
	if _, err := f.engine.RecordCheckout(ctx, "u1", "cus_new", "sub_dup"); !errors.Is(err, tally.ErrSubscriptionExists) {
		t.Errorf("duplicate checkout: expected ErrSubscriptionExists, got %v", err)
	}
}
