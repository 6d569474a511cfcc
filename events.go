package tally

import (
	"context"

	"github.com/xraph/tally/subscription"
)

// SubscriptionChanged reconciles a subscription the provider reported as
// changed out of band, e.g. from its customer portal. A pending or completed
// cancellation reverts the user's referral credits; an entitled subscription
// without a pending cancellation restores credits reverted earlier.
func (e *Engine) SubscriptionChanged(ctx context.Context, externalSubscriptionID string) (*SyncResult, error) {
	res, err := e.SyncByExternalID(ctx, externalSubscriptionID)
	if err != nil || res.Subscription == nil || res.Outcome == SyncStale {
		return res, err
	}

	sub := res.Subscription
	switch {
	case sub.CancelAtPeriodEnd || sub.Status == subscription.StatusCanceled:
		if n := e.revertReferralsOf(ctx, sub.UserID); n > 0 {
			e.logger.Info("referral credits reverted after provider cancellation",
				"user_id", sub.UserID,
				"reverted", n,
			)
		}
	case sub.Entitled(e.clock()):
		if n := e.restoreReferralsOf(ctx, sub.UserID); n > 0 {
			e.logger.Info("referral credits restored after provider reactivation",
				"user_id", sub.UserID,
				"restored", n,
			)
		}
	}
	return res, nil
}

// FirstPaymentReceived handles the first paid invoice of a provider
// subscription: the subscription is reconciled and the payer's pending
// referral is completed and credited.
func (e *Engine) FirstPaymentReceived(ctx context.Context, externalSubscriptionID string) (*CreditResult, error) {
	res, err := e.SyncByExternalID(ctx, externalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if res.Subscription == nil {
		return &CreditResult{Success: true, Message: MessageNoSubscription}, nil
	}
	return e.RegisterFirstPayment(ctx, res.Subscription.UserID)
}

// InvoiceCreated applies a completed referral's credit to a freshly created
// invoice of the subscription's user.
func (e *Engine) InvoiceCreated(ctx context.Context, externalSubscriptionID, invoiceID string) (*CreditResult, error) {
	res, err := e.SyncByExternalID(ctx, externalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if res.Subscription == nil {
		return &CreditResult{Success: true, Message: MessageNoSubscription}, nil
	}
	return e.ApplyReferralCredit(ctx, res.Subscription.UserID, invoiceID)
}
