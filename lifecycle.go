package tally

import (
	"context"
	"fmt"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ReactivateOutcome describes what a reactivation did.
type ReactivateOutcome string

const (
	// ReactivateReactivated means the provider cleared the cancellation.
	ReactivateReactivated ReactivateOutcome = "reactivated"
	// ReactivateNoop means nothing was pending; the mirror was reconciled.
	ReactivateNoop ReactivateOutcome = "noop"
	// ReactivateDeclined means the provider refused to clear a cancellation
	// that had not yet taken effect.
	ReactivateDeclined ReactivateOutcome = "declined"
)

// MessageReactivateDeclined is shown when the provider refuses to reactivate.
const MessageReactivateDeclined = "Your subscription could not be reactivated. Please start a new subscription."

// ReactivateResult is the outcome of Reactivate.
type ReactivateResult struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Outcome      ReactivateOutcome          `json:"outcome"`
	Message      string                     `json:"message,omitempty"`
	// Restored counts referral credits restored for this user.
	Restored int `json:"restored"`
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Subscription *subscription.Subscription `json:"subscription"`
	// Reverted counts referral credits reversed for this user.
	Reverted int `json:"reverted"`
}

// DeleteResult is the outcome of DeleteAccount.
type DeleteResult struct {
	Deleted  int64 `json:"deleted"`
	Reverted int   `json:"reverted"`
}

// Cancel schedules the user's subscription to end at the period boundary.
// The status is unchanged and entitlement continues until the period ends.
// Rewarded referrals in which the user was referred are reverted.
func (e *Engine) Cancel(ctx context.Context, userID string) (*CancelResult, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	sub, err := e.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.Linked() {
		return nil, ErrNoExternalSubscription
	}
	if !sub.Entitled(e.clock()) {
		return nil, ErrNotEntitled
	}

	snap, err := e.updateSubscription(ctx, sub.ExternalSubscriptionID, true)
	if err != nil {
		e.logger.Error("cancel failed",
			"user_id", userID,
			"subscription_id", sub.ID.String(),
			"external_subscription_id", sub.ExternalSubscriptionID,
			"error", err,
		)
		return nil, err
	}

	res, err := e.ApplySnapshot(ctx, sub, snap)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCanceled(ctx, res.Subscription)
	e.logger.Info("subscription canceled at period end",
		"user_id", userID,
		"subscription_id", sub.ID.String(),
		"current_period_end", res.Subscription.CurrentPeriodEnd,
	)

	return &CancelResult{
		Subscription: res.Subscription,
		Reverted:     e.revertReferralsOf(ctx, userID),
	}, nil
}

// Reactivate undoes a pending cancellation of the provider subscription.
// Decisions are taken on freshly fetched provider state, in this order:
//
//  1. canceled and the period elapsed: rejected with a TerminalStateError,
//     after reconciling the mirror.
//  2. canceled but the period not yet elapsed: the provider is asked to
//     clear the cancellation; a refusal yields the declined outcome.
//  3. cancel_at_period_end set: the flag is cleared.
//  4. anything else: noop, the mirror is reconciled.
//
// The mirror is written only from provider-confirmed state. Reverted referral
// credits of the user are restored after a reactivation.
func (e *Engine) Reactivate(ctx context.Context, externalSubscriptionID string) (*ReactivateResult, error) {
	if externalSubscriptionID == "" {
		return nil, ValidationError{Field: "subscriptionId", Message: "is required"}
	}
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	sub, err := e.store.GetSubscriptionByExternalID(ctx, externalSubscriptionID)
	if err != nil {
		return nil, err
	}

	snap, err := e.FetchSubscription(ctx, externalSubscriptionID)
	if err != nil {
		e.logger.Error("reactivate fetch failed",
			"user_id", sub.UserID,
			"external_subscription_id", externalSubscriptionID,
			"error", err,
		)
		return nil, err
	}

	now := e.clock()
	periodEnd := sub.CurrentPeriodEnd
	if snap.CurrentPeriodEnd != nil {
		periodEnd = *snap.CurrentPeriodEnd
	}
	elapsed := !periodEnd.After(now)

	switch {
	case snap.Status == subscription.StatusCanceled && elapsed:
		if _, err := e.ApplySnapshot(ctx, sub, snap); err != nil {
			e.logger.Warn("defensive sync of ended subscription failed",
				"user_id", sub.UserID,
				"external_subscription_id", externalSubscriptionID,
				"error", err,
			)
		}
		return nil, &TerminalStateError{Reason: ReasonSubscriptionEnded}

	case snap.Status == subscription.StatusCanceled:
		updated, err := e.updateSubscription(ctx, externalSubscriptionID, false)
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}
			e.logger.Warn("provider declined reactivation of canceled subscription",
				"user_id", sub.UserID,
				"external_subscription_id", externalSubscriptionID,
				"error", err,
			)
			res, aerr := e.ApplySnapshot(ctx, sub, snap)
			if aerr != nil {
				return nil, aerr
			}
			return &ReactivateResult{
				Subscription: res.Subscription,
				Outcome:      ReactivateDeclined,
				Message:      MessageReactivateDeclined,
			}, nil
		}
		return e.finishReactivate(ctx, sub, updated)

	case snap.CancelAtPeriodEnd:
		updated, err := e.updateSubscription(ctx, externalSubscriptionID, false)
		if err != nil {
			e.logger.Error("reactivate failed",
				"user_id", sub.UserID,
				"external_subscription_id", externalSubscriptionID,
				"error", err,
			)
			return nil, err
		}
		return e.finishReactivate(ctx, sub, updated)

	default:
		res, err := e.ApplySnapshot(ctx, sub, snap)
		if err != nil {
			return nil, err
		}
		result := &ReactivateResult{Subscription: res.Subscription, Outcome: ReactivateNoop}
		// A restore that failed on an earlier reactivation is retried here.
		if snap.Entitled(now) {
			result.Restored = e.restoreReferralsOf(ctx, sub.UserID)
		}
		return result, nil
	}
}

func (e *Engine) finishReactivate(ctx context.Context, sub *subscription.Subscription, snap *subscription.Snapshot) (*ReactivateResult, error) {
	res, err := e.ApplySnapshot(ctx, sub, snap)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionReactivated(ctx, res.Subscription)
	e.logger.Info("subscription reactivated",
		"user_id", sub.UserID,
		"subscription_id", sub.ID.String(),
	)

	return &ReactivateResult{
		Subscription: res.Subscription,
		Outcome:      ReactivateReactivated,
		Restored:     e.restoreReferralsOf(ctx, sub.UserID),
	}, nil
}

func (e *Engine) updateSubscription(ctx context.Context, externalSubscriptionID string, cancel bool) (*subscription.Snapshot, error) {
	var snap *subscription.Snapshot
	err := e.call(ctx, provider.OpUpdateSubscription, func(ctx context.Context) error {
		s, err := e.provider.UpdateSubscription(ctx, externalSubscriptionID, provider.SubscriptionUpdate{CancelAtPeriodEnd: cancel})
		snap = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteAccount cancels the user's provider subscription at period end on a
// best-effort basis, soft deletes every live row and reverts rewarded
// referrals in which the user was referred.
func (e *Engine) DeleteAccount(ctx context.Context, userID string) (*DeleteResult, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	sub, err := e.store.GetLatestSubscription(ctx, userID)
	switch {
	case err == nil:
		if e.provider != nil && sub.Linked() && sub.Status != subscription.StatusCanceled && !sub.CancelAtPeriodEnd {
			if _, err := e.updateSubscription(ctx, sub.ExternalSubscriptionID, true); err != nil {
				e.logger.Warn("provider cancel during account deletion failed",
					"user_id", userID,
					"external_subscription_id", sub.ExternalSubscriptionID,
					"error", err,
				)
			}
		}
	case !IsNotFound(err):
		return nil, fmt.Errorf("tally: load subscription: %w", err)
	}

	deleted, err := e.store.SoftDeleteSubscriptions(ctx, userID, e.clock())
	if err != nil {
		return nil, fmt.Errorf("tally: soft delete subscriptions: %w", err)
	}

	reverted := 0
	if e.provider != nil {
		reverted = e.revertReferralsOf(ctx, userID)
	}

	e.plugins.EmitAccountDeleted(ctx, userID, deleted)
	e.logger.Info("account deleted",
		"user_id", userID,
		"rows", deleted,
		"reverted", reverted,
	)

	return &DeleteResult{Deleted: deleted, Reverted: reverted}, nil
}

// RecordCheckout binds a completed checkout to the user's subscription row,
// creating it from the provider snapshot when needed. A user already entitled
// through a different provider subscription gets ErrSubscriptionExists.
func (e *Engine) RecordCheckout(ctx context.Context, userID, externalClientID, externalSubscriptionID string) (*subscription.Subscription, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	if externalSubscriptionID == "" {
		return nil, ValidationError{Field: "subscriptionId", Message: "is required"}
	}

	if existing, err := e.store.GetSubscriptionByExternalID(ctx, externalSubscriptionID); err == nil {
		if existing.UserID != userID {
			return nil, ValidationError{Field: "subscriptionId", Message: "belongs to another user"}
		}
		res, err := e.reconcile(ctx, existing)
		if err != nil {
			return nil, err
		}
		return res.Subscription, nil
	} else if !IsNotFound(err) {
		return nil, fmt.Errorf("tally: load subscription: %w", err)
	}

	now := e.clock()
	latest, err := e.store.GetLatestSubscription(ctx, userID)
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("tally: load subscription: %w", err)
	}
	if latest != nil && latest.Linked() && latest.Entitled(now) {
		return nil, ErrSubscriptionExists
	}

	snap, err := e.FetchSubscription(ctx, externalSubscriptionID)
	if err != nil {
		return nil, err
	}

	var row *subscription.Subscription
	create := latest == nil || latest.Linked()
	if create {
		row = &subscription.Subscription{
			Entity: types.Entity{CreatedAt: now, UpdatedAt: now},
			ID:     id.NewSubscriptionID(),
			UserID: userID,
			Status: subscription.StatusNone,
		}
	} else {
		row = latest
	}
	row.ExternalClientID = externalClientID
	row.ExternalSubscriptionID = externalSubscriptionID
	row.Apply(snap)
	row.TouchAt(now)
	row.LastAPISync = &now

	if create {
		err = e.store.CreateSubscription(ctx, row)
	} else {
		err = e.store.UpsertSubscription(ctx, row)
	}
	if err != nil {
		return nil, fmt.Errorf("tally: record checkout: %w", err)
	}

	e.plugins.EmitSubscriptionSynced(ctx, row, string(SyncUpdated))
	e.logger.Info("checkout recorded",
		"user_id", userID,
		"subscription_id", row.ID.String(),
		"external_subscription_id", externalSubscriptionID,
		"status", row.Status,
	)
	return row, nil
}
