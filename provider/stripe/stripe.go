// Package stripe binds the billing provider interface to Stripe.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v82"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Provider talks to Stripe through a stripe.Client.
type Provider struct {
	sc      *stripego.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout bounds every Stripe call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Stripe provider for the given secret key.
func New(secretKey string, opts ...Option) *Provider {
	p := &Provider{
		sc:      stripego.NewClient(secretKey, nil),
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "stripe" }

// GetSubscription implements provider.Provider.
func (p *Provider) GetSubscription(ctx context.Context, externalSubscriptionID string) (*subscription.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripego.SubscriptionRetrieveParams{
		Expand: []*string{
			stripego.String("customer"),
			stripego.String("default_payment_method"),
		},
	}

	sub, err := p.sc.V1Subscriptions.Retrieve(ctx, externalSubscriptionID, params)
	if err != nil {
		return nil, classify(provider.OpGetSubscription, err)
	}
	return toSnapshot(sub), nil
}

// UpdateSubscription implements provider.Provider.
func (p *Provider) UpdateSubscription(ctx context.Context, externalSubscriptionID string, upd provider.SubscriptionUpdate) (*subscription.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripego.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripego.Bool(upd.CancelAtPeriodEnd),
	}
	sub, err := p.sc.V1Subscriptions.Update(ctx, externalSubscriptionID, params)
	if err != nil {
		return nil, classify(provider.OpUpdateSubscription, err)
	}

	p.logger.Debug("stripe subscription updated",
		"external_subscription_id", externalSubscriptionID,
		"cancel_at_period_end", upd.CancelAtPeriodEnd,
	)
	return toSnapshot(sub), nil
}

// ApplyCreditAdjustment implements provider.Provider using a customer
// balance transaction. Stripe uses the same sign convention: negative
// amounts credit the customer.
func (p *Provider) ApplyCreditAdjustment(ctx context.Context, externalAccountID string, amount types.Money, opts provider.MutationOpts) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripego.CustomerBalanceTransactionCreateParams{
		Customer:    stripego.String(externalAccountID),
		Amount:      stripego.Int64(amount.Amount),
		Currency:    stripego.String(amount.Currency),
		Description: stripego.String(opts.Description),
		Metadata:    opts.Metadata,
	}
	if opts.IdempotencyKey != "" {
		params.SetIdempotencyKey(opts.IdempotencyKey)
	}

	txn, err := p.sc.V1CustomerBalanceTransactions.Create(ctx, params)
	if err != nil {
		return "", classify(provider.OpCreditAdjustment, err)
	}
	return txn.ID, nil
}

// ListInvoices implements provider.Provider.
func (p *Provider) ListInvoices(ctx context.Context, externalAccountID string, filter invoice.Filter) ([]*invoice.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripego.InvoiceListParams{
		Customer: stripego.String(externalAccountID),
	}
	if len(filter.Statuses) == 1 {
		params.Status = stripego.String(string(filter.Statuses[0]))
	}

	var result []*invoice.Invoice
	for inv, err := range p.sc.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, classify(provider.OpListInvoices, err)
		}
		view := toInvoice(inv)
		if filter.Matches(view) {
			result = append(result, view)
		}
	}
	return result, nil
}

// ApplyDiscountToInvoice implements provider.Provider by attaching a
// negative invoice item to the draft invoice.
func (p *Provider) ApplyDiscountToInvoice(ctx context.Context, invoiceID string, amount types.Money, opts provider.MutationOpts) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	inv, err := p.sc.V1Invoices.Retrieve(ctx, invoiceID, nil)
	if err != nil {
		return "", classify(provider.OpApplyDiscount, err)
	}
	if inv.Customer == nil {
		return "", provider.Terminal(provider.OpApplyDiscount, fmt.Errorf("invoice %s has no customer", invoiceID))
	}

	params := &stripego.InvoiceItemCreateParams{
		Customer:    stripego.String(inv.Customer.ID),
		Invoice:     stripego.String(invoiceID),
		Currency:    stripego.String(amount.Currency),
		Description: stripego.String(opts.Description),
		Amount:      stripego.Int64(amount.AsCredit().Amount),
		Metadata:    opts.Metadata,
	}
	if opts.IdempotencyKey != "" {
		params.SetIdempotencyKey(opts.IdempotencyKey)
	}

	item, err := p.sc.V1InvoiceItems.Create(ctx, params)
	if err != nil {
		return "", classify(provider.OpApplyDiscount, err)
	}
	return item.ID, nil
}

// ──────────────────────────────────────────────────
// Mapping
// ──────────────────────────────────────────────────

// MapStatus converts a Stripe subscription status to the mirrored status.
func MapStatus(s string) subscription.Status {
	switch s {
	case "active":
		return subscription.StatusActive
	case "trialing":
		return subscription.StatusTrialing
	case "past_due", "unpaid", "paused":
		return subscription.StatusPastDue
	case "canceled", "incomplete_expired":
		return subscription.StatusCanceled
	case "incomplete":
		return subscription.StatusPending
	}
	return subscription.StatusNone
}

func toSnapshot(sub *stripego.Subscription) *subscription.Snapshot {
	snap := &subscription.Snapshot{
		ExternalSubscriptionID: sub.ID,
		Status:                 MapStatus(string(sub.Status)),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.ExternalClientID = sub.Customer.ID
	}
	if sub.Items != nil {
		var end int64
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
		if end > 0 {
			t := time.Unix(end, 0).UTC()
			snap.CurrentPeriodEnd = &t
		}
	}
	if sub.DefaultPaymentMethod != nil && sub.DefaultPaymentMethod.Type != "" {
		method := string(sub.DefaultPaymentMethod.Type)
		snap.PaymentMethod = &method
	}
	return snap
}

func toInvoice(inv *stripego.Invoice) *invoice.Invoice {
	view := &invoice.Invoice{
		ID:            inv.ID,
		Status:        invoice.Status(inv.Status),
		AmountDue:     types.New(inv.AmountDue, string(inv.Currency)),
		BillingReason: string(inv.BillingReason),
		CreatedAt:     time.Unix(inv.Created, 0).UTC(),
	}
	if inv.Customer != nil {
		view.AccountID = inv.Customer.ID
	}
	return view
}

// classify wraps a Stripe error as a provider.Error. Timeouts, 5xx, rate
// limits and transport failures are retryable; everything else is terminal.
func classify(op string, err error) error {
	var se *stripego.Error
	if errors.As(err, &se) {
		pe := &provider.Error{Op: op, StatusCode: se.HTTPStatusCode, Err: err}
		switch {
		case se.HTTPStatusCode >= http.StatusInternalServerError,
			se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode == http.StatusConflict:
			pe.Retryable = true
		case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripego.ErrorCodeResourceMissing:
			pe.Err = fmt.Errorf("%w: %w", provider.ErrUnknownSubscription, err)
		}
		return pe
	}
	// Anything else is a transport failure or a timeout.
	return provider.Retryable(op, err)
}
