package tally

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
)

// DefaultInvoiceLimit caps ListInvoices when no limit is given.
const DefaultInvoiceLimit = 20

// FetchSubscription returns the provider's canonical state for an external
// subscription. It never writes locally. Each attempt is bounded by the fetch
// timeout; retryable failures are retried with exponential backoff.
func (e *Engine) FetchSubscription(ctx context.Context, externalSubscriptionID string) (*subscription.Snapshot, error) {
	if err := e.requireProvider(); err != nil {
		return nil, err
	}
	if externalSubscriptionID == "" {
		return nil, ValidationError{Field: "subscriptionId", Message: "is required"}
	}

	var snap *subscription.Snapshot
	op := func() error {
		s, err := e.callGetSubscription(ctx, externalSubscriptionID)
		if err != nil {
			if provider.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		snap = s
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = e.fetchTimeout * time.Duration(e.fetchRetries+1)

	b := backoff.WithContext(backoff.WithMaxRetries(policy, e.fetchRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, wrapProvider(provider.OpGetSubscription, err)
	}
	return snap, nil
}

func (e *Engine) callGetSubscription(ctx context.Context, externalSubscriptionID string) (*subscription.Snapshot, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	start := time.Now()
	snap, err := e.provider.GetSubscription(attemptCtx, externalSubscriptionID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !provider.IsRetryable(err) {
		err = provider.Retryable(provider.OpGetSubscription, err)
	}
	e.plugins.EmitProviderCall(ctx, e.provider.Name(), provider.OpGetSubscription, time.Since(start), err)
	return snap, err
}

// call wraps a mutating provider call with timing, plugin emission and
// error classification.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := e.requireProvider(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	e.plugins.EmitProviderCall(ctx, e.provider.Name(), op, time.Since(start), err)
	return wrapProvider(op, err)
}

// ListInvoices returns the user's most recent provider invoices, newest
// first, for billing history display. Nothing is stored locally.
func (e *Engine) ListInvoices(ctx context.Context, userID string, limit int) ([]*invoice.Invoice, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	if err := e.requireProvider(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultInvoiceLimit
	}

	sub, err := e.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalClientID == "" {
		return nil, ErrNoExternalSubscription
	}

	var invoices []*invoice.Invoice
	err = e.call(ctx, provider.OpListInvoices, func(ctx context.Context) error {
		var err error
		invoices, err = e.provider.ListInvoices(ctx, sub.ExternalClientID, invoice.Filter{})
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
	})
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}
