package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func counterValue(t *testing.T, c observability.Counter) float64 {
	t.Helper()
	pc, ok := c.(prometheus.Counter)
	if !ok {
		t.Fatalf("counter %T is not a prometheus.Counter", c)
	}
	return testutil.ToFloat64(pc)
}

func TestSyncOutcomeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	ctx := context.Background()
	sub := &subscription.Subscription{UserID: "user_1"}

	for _, outcome := range []string{"updated", "updated", "stale", "unchanged", "bogus"} {
		if err := m.OnSubscriptionSynced(ctx, sub, outcome); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		c    observability.Counter
		want float64
	}{
		{"updated", m.SyncUpdated, 2},
		{"stale", m.SyncStale, 1},
		{"unchanged", m.SyncUnchanged, 1},
		{"no_subscription", m.SyncNoSubscription, 0},
	}
	for _, tt := range tests {
		if got := counterValue(t, tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReferralAndProviderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	ctx := context.Background()
	r := &referral.Referral{DiscountAmount: types.EUR(25000)}

	_ = m.OnReferralTransition(ctx, r, referral.TransitionReward)
	_ = m.OnReferralTransition(ctx, r, referral.TransitionRevert)
	_ = m.OnReferralTransition(ctx, r, referral.TransitionRestore)
	_ = m.OnProviderCall(ctx, "stripe", "get_subscription", 40*time.Millisecond, nil)
	_ = m.OnProviderCall(ctx, "stripe", "get_subscription", 90*time.Millisecond, errors.New("timeout"))
	_ = m.OnAccountDeleted(ctx, "user_1", 3)

	if got := counterValue(t, m.ReferralRewarded); got != 1 {
		t.Errorf("rewarded = %v, want 1", got)
	}
	if got := counterValue(t, m.ReferralReverted); got != 1 {
		t.Errorf("reverted = %v, want 1", got)
	}
	if got := counterValue(t, m.ProviderCalls); got != 2 {
		t.Errorf("provider calls = %v, want 2", got)
	}
	if got := counterValue(t, m.ProviderFailures); got != 1 {
		t.Errorf("provider failures = %v, want 1", got)
	}
	if got := counterValue(t, m.RowsSoftDeleted); got != 3 {
		t.Errorf("rows soft deleted = %v, want 3", got)
	}

	n, err := testutil.GatherAndCount(reg, "tally_referral_credit_amount_minor", "tally_provider_latency_ms")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("histogram series = %d, want 2", n)
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	a := f.Counter("tally.sync.updated")
	b := f.Counter("tally.sync.updated")
	a.Inc()
	b.Inc()

	if got := counterValue(t, a); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(a.(prometheus.Counter), "tally_sync_updated_total"); got != 1 {
		t.Fatalf("collected %d series named tally_sync_updated_total", got)
	}
}
