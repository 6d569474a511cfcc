// Package provider abstracts the external billing provider that owns
// subscriptions, invoices and account balances.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Provider is the set of billing operations Tally consumes. Implementations
// must honour MutationOpts.IdempotencyKey: two calls with the same key post
// at most one adjustment.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// GetSubscription returns the canonical subscription state.
	GetSubscription(ctx context.Context, externalSubscriptionID string) (*subscription.Snapshot, error)

	// UpdateSubscription changes the subscription and returns the provider's
	// post-update state.
	UpdateSubscription(ctx context.Context, externalSubscriptionID string, upd SubscriptionUpdate) (*subscription.Snapshot, error)

	// ApplyCreditAdjustment posts a balance adjustment on an account.
	// Negative amounts credit the account, positive amounts reverse a credit.
	// It returns the provider transaction ID.
	ApplyCreditAdjustment(ctx context.Context, externalAccountID string, amount types.Money, opts MutationOpts) (string, error)

	// ListInvoices lists an account's invoices.
	ListInvoices(ctx context.Context, externalAccountID string, filter invoice.Filter) ([]*invoice.Invoice, error)

	// ApplyDiscountToInvoice reduces an unpaid invoice by amount and returns
	// the provider line or transaction ID.
	ApplyDiscountToInvoice(ctx context.Context, invoiceID string, amount types.Money, opts MutationOpts) (string, error)
}

// Operation names reported in errors, logs and metrics.
const (
	OpGetSubscription    = "get_subscription"
	OpUpdateSubscription = "update_subscription"
	OpCreditAdjustment   = "apply_credit_adjustment"
	OpListInvoices       = "list_invoices"
	OpApplyDiscount      = "apply_discount"
)

// SubscriptionUpdate is the mutable subset of a provider subscription.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd bool
}

// MutationOpts tags a monetary provider call.
type MutationOpts struct {
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Error is a failed provider call.
type Error struct {
	Op         string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: %s failed (%s, status %d): %v", e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownSubscription is wrapped by providers when a subscription ID does
// not exist.
var ErrUnknownSubscription = errors.New("provider: unknown subscription")

// Retryable builds a retryable Error.
func Retryable(op string, err error) *Error {
	return &Error{Op: op, Retryable: true, Err: err}
}

// Terminal builds a non-retryable Error.
func Terminal(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// AsError extracts a provider Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Retryable
}
