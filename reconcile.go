package tally

import (
	"context"
	"fmt"

	"github.com/xraph/tally/subscription"
)

// SyncOutcome describes what a reconciliation did.
type SyncOutcome string

const (
	// SyncUpdated means a canonical field differed and the mirror was written.
	SyncUpdated SyncOutcome = "updated"
	// SyncUnchanged means the mirror already matched; only last_api_sync moved.
	SyncUnchanged SyncOutcome = "unchanged"
	// SyncStale means the provider was unavailable and the mirror was left as is.
	SyncStale SyncOutcome = "stale"
	// SyncNoSubscription means the user has no live subscription row.
	SyncNoSubscription SyncOutcome = "no_subscription"
	// SyncUnlinked means the row is not bound to a provider subscription yet.
	SyncUnlinked SyncOutcome = "unlinked"
)

// SyncResult is the outcome of a reconciliation.
type SyncResult struct {
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Outcome      SyncOutcome                `json:"status"`
	// Err holds the provider failure behind a stale outcome.
	Err error `json:"-"`
}

// SyncSubscription reconciles the user's authoritative subscription row with
// the provider. A retryable provider failure is not an error: the result is
// stale and the row is untouched.
func (e *Engine) SyncSubscription(ctx context.Context, userID string) (*SyncResult, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	sub, err := e.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return &SyncResult{Outcome: SyncNoSubscription}, nil
		}
		return nil, fmt.Errorf("tally: load subscription: %w", err)
	}
	return e.reconcile(ctx, sub)
}

// SyncByExternalID reconciles the row bound to a provider subscription.
func (e *Engine) SyncByExternalID(ctx context.Context, externalSubscriptionID string) (*SyncResult, error) {
	if externalSubscriptionID == "" {
		return nil, ValidationError{Field: "subscriptionId", Message: "is required"}
	}

	sub, err := e.store.GetSubscriptionByExternalID(ctx, externalSubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			return &SyncResult{Outcome: SyncNoSubscription}, nil
		}
		return nil, fmt.Errorf("tally: load subscription: %w", err)
	}
	return e.reconcile(ctx, sub)
}

func (e *Engine) reconcile(ctx context.Context, sub *subscription.Subscription) (*SyncResult, error) {
	if !sub.Linked() {
		return &SyncResult{Subscription: sub, Outcome: SyncUnlinked}, nil
	}

	snap, err := e.FetchSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		if IsRetryable(err) {
			e.logger.Warn("subscription sync degraded, serving stale mirror",
				"user_id", sub.UserID,
				"subscription_id", sub.ID.String(),
				"external_subscription_id", sub.ExternalSubscriptionID,
				"error", err,
			)
			e.plugins.EmitSubscriptionSynced(ctx, sub, string(SyncStale))
			return &SyncResult{Subscription: sub, Outcome: SyncStale, Err: err}, nil
		}
		e.logger.Error("subscription sync failed",
			"user_id", sub.UserID,
			"subscription_id", sub.ID.String(),
			"external_subscription_id", sub.ExternalSubscriptionID,
			"error", err,
		)
		return nil, err
	}

	return e.ApplySnapshot(ctx, sub, snap)
}

// ApplySnapshot is the single write path from provider state to the mirror.
// It writes only when a canonical field differs and always stamps
// last_api_sync. Soft-deleted rows are never written. Applying the same
// snapshot twice leaves the row as the first apply did, apart from the
// freshness stamp.
func (e *Engine) ApplySnapshot(ctx context.Context, sub *subscription.Subscription, snap *subscription.Snapshot) (*SyncResult, error) {
	if sub.Deleted() {
		return &SyncResult{Subscription: sub, Outcome: SyncUnchanged}, nil
	}

	now := e.clock()
	next := *sub
	outcome := SyncUnchanged

	if next.Apply(snap) {
		next.TouchAt(now)
		next.LastAPISync = &now
		if err := e.store.UpsertSubscription(ctx, &next); err != nil {
			e.logger.Error("subscription mirror write failed",
				"user_id", sub.UserID,
				"subscription_id", sub.ID.String(),
				"error", err,
			)
			return nil, fmt.Errorf("tally: write subscription: %w", err)
		}
		outcome = SyncUpdated
	} else {
		if err := e.store.TouchSubscriptionSync(ctx, next.ID, now); err != nil {
			return nil, fmt.Errorf("tally: stamp subscription sync: %w", err)
		}
		next.LastAPISync = &now
	}

	e.plugins.EmitSubscriptionSynced(ctx, &next, string(outcome))
	e.logger.Debug("subscription reconciled",
		"user_id", next.UserID,
		"subscription_id", next.ID.String(),
		"status", next.Status,
		"outcome", outcome,
	)

	// Freshness check: re-drive credits left in flight for this user.
	if e.provider != nil {
		if _, err := e.RepairInFlightCredits(ctx, RepairOpts{UserID: next.UserID}); err != nil {
			e.logger.Warn("credit repair after sync failed", "user_id", next.UserID, "error", err)
		}
	}

	return &SyncResult{Subscription: &next, Outcome: outcome}, nil
}
