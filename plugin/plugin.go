// Package plugin provides an extensible plugin system for Tally.
// Plugins can hook into subscription and referral lifecycle events.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced is called after every reconciliation attempt.
// outcome is one of the tally.SyncOutcome values.
type OnSubscriptionSynced interface {
	Plugin
	OnSubscriptionSynced(ctx context.Context, sub *subscription.Subscription, outcome string) error
}

// OnSubscriptionCanceled is called after a provider-confirmed cancellation.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionReactivated is called after a provider-confirmed reactivation.
type OnSubscriptionReactivated interface {
	Plugin
	OnSubscriptionReactivated(ctx context.Context, sub *subscription.Subscription) error
}

// OnAccountDeleted is called after a user's subscriptions were soft deleted.
type OnAccountDeleted interface {
	Plugin
	OnAccountDeleted(ctx context.Context, userID string, rows int64) error
}

// ──────────────────────────────────────────────────
// Referral hooks
// ──────────────────────────────────────────────────

// OnReferralCreated is called when a referrer registers a new code.
type OnReferralCreated interface {
	Plugin
	OnReferralCreated(ctx context.Context, r *referral.Referral) error
}

// OnReferralTransition is called after a transition was committed.
type OnReferralTransition interface {
	Plugin
	OnReferralTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error
}

// OnCreditDivergence is called when the provider accepted a monetary
// transition that could not be recorded locally, or when repair gave up on
// one. These need a human.
type OnCreditDivergence interface {
	Plugin
	OnCreditDivergence(ctx context.Context, r *referral.Referral, t referral.Transition, cause error) error
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnProviderCall is called after every billing provider call.
type OnProviderCall interface {
	Plugin
	OnProviderCall(ctx context.Context, provider, op string, elapsed time.Duration, err error) error
}

// OnWebhookReceived is called when a verified webhook event arrives.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, provider, eventType string) error
}
