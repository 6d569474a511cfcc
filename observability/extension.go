// Package observability provides a metrics extension for Tally that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                    = (*MetricsExtension)(nil)
	_ plugin.OnInit                    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionSynced      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionReactivated = (*MetricsExtension)(nil)
	_ plugin.OnAccountDeleted          = (*MetricsExtension)(nil)
	_ plugin.OnReferralCreated         = (*MetricsExtension)(nil)
	_ plugin.OnReferralTransition      = (*MetricsExtension)(nil)
	_ plugin.OnCreditDivergence        = (*MetricsExtension)(nil)
	_ plugin.OnProviderCall            = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tally plugin to track reconciliation and credit metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Reconciliation metrics
	SyncUpdated        Counter
	SyncUnchanged      Counter
	SyncStale          Counter
	SyncNoSubscription Counter
	SyncUnlinked       Counter

	// Controller metrics
	SubscriptionCanceled    Counter
	SubscriptionReactivated Counter
	AccountsDeleted         Counter
	RowsSoftDeleted         Counter

	// Referral metrics
	ReferralCreated   Counter
	ReferralCompleted Counter
	ReferralRewarded  Counter
	ReferralReverted  Counter
	ReferralRestored  Counter
	CreditDivergence  Counter
	CreditAmount      Histogram

	// Provider metrics
	ProviderCalls    Counter
	ProviderFailures Counter
	ProviderLatency  Histogram
	WebhookReceived  Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		SyncUpdated:        factory.Counter("tally.sync.updated"),
		SyncUnchanged:      factory.Counter("tally.sync.unchanged"),
		SyncStale:          factory.Counter("tally.sync.stale"),
		SyncNoSubscription: factory.Counter("tally.sync.no_subscription"),
		SyncUnlinked:       factory.Counter("tally.sync.unlinked"),

		SubscriptionCanceled:    factory.Counter("tally.subscription.canceled"),
		SubscriptionReactivated: factory.Counter("tally.subscription.reactivated"),
		AccountsDeleted:         factory.Counter("tally.account.deleted"),
		RowsSoftDeleted:         factory.Counter("tally.account.rows_soft_deleted"),

		ReferralCreated:   factory.Counter("tally.referral.created"),
		ReferralCompleted: factory.Counter("tally.referral.completed"),
		ReferralRewarded:  factory.Counter("tally.referral.rewarded"),
		ReferralReverted:  factory.Counter("tally.referral.reverted"),
		ReferralRestored:  factory.Counter("tally.referral.restored"),
		CreditDivergence:  factory.Counter("tally.referral.credit_divergence"),
		CreditAmount:      factory.Histogram("tally.referral.credit_amount_minor"),

		ProviderCalls:    factory.Counter("tally.provider.calls"),
		ProviderFailures: factory.Counter("tally.provider.failures"),
		ProviderLatency:  factory.Histogram("tally.provider.latency_ms"),
		WebhookReceived:  factory.Counter("tally.webhook.received"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced implements plugin.OnSubscriptionSynced.
func (m *MetricsExtension) OnSubscriptionSynced(_ context.Context, _ *subscription.Subscription, outcome string) error {
	switch outcome {
	case "updated":
		m.SyncUpdated.Inc()
	case "unchanged":
		m.SyncUnchanged.Inc()
	case "stale":
		m.SyncStale.Inc()
	case "no_subscription":
		m.SyncNoSubscription.Inc()
	case "unlinked":
		m.SyncUnlinked.Inc()
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (m *MetricsExtension) OnSubscriptionReactivated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionReactivated.Inc()
	return nil
}

// OnAccountDeleted implements plugin.OnAccountDeleted.
func (m *MetricsExtension) OnAccountDeleted(_ context.Context, _ string, rows int64) error {
	m.AccountsDeleted.Inc()
	m.RowsSoftDeleted.Add(float64(rows))
	return nil
}

// ──────────────────────────────────────────────────
// Referral lifecycle hooks
// ──────────────────────────────────────────────────

// OnReferralCreated implements plugin.OnReferralCreated.
func (m *MetricsExtension) OnReferralCreated(_ context.Context, _ *referral.Referral) error {
	m.ReferralCreated.Inc()
	return nil
}

// OnReferralTransition implements plugin.OnReferralTransition.
func (m *MetricsExtension) OnReferralTransition(_ context.Context, r *referral.Referral, t referral.Transition) error {
	switch t {
	case referral.TransitionComplete:
		m.ReferralCompleted.Inc()
	case referral.TransitionReward:
		m.ReferralRewarded.Inc()
		m.CreditAmount.Observe(float64(r.DiscountAmount.Abs().Amount))
	case referral.TransitionRevert:
		m.ReferralReverted.Inc()
	case referral.TransitionRestore:
		m.ReferralRestored.Inc()
		m.CreditAmount.Observe(float64(r.DiscountAmount.Abs().Amount))
	}
	return nil
}

// OnCreditDivergence implements plugin.OnCreditDivergence.
func (m *MetricsExtension) OnCreditDivergence(_ context.Context, _ *referral.Referral, _ referral.Transition, _ error) error {
	m.CreditDivergence.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnProviderCall implements plugin.OnProviderCall.
func (m *MetricsExtension) OnProviderCall(_ context.Context, _, _ string, elapsed time.Duration, err error) error {
	m.ProviderCalls.Inc()
	if err != nil {
		m.ProviderFailures.Inc()
	}
	m.ProviderLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _, _ string) error {
	m.WebhookReceived.Inc()
	return nil
}
