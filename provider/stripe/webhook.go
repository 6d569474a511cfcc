package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Webhook event types Tally reacts to.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceCreated      = "invoice.created"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

// ErrSignature is returned when a webhook payload fails verification.
var ErrSignature = errors.New("stripe: invalid webhook signature")

// Event is a verified, decoded webhook event. Exactly one of the payload
// fields is set for handled types; all are nil for ignored types.
type Event struct {
	ID   string
	Type string

	Checkout     *CheckoutSession
	Subscription *subscription.Snapshot
	Invoice      *InvoiceEvent
}

// CheckoutSession is the subset of a checkout session Tally needs.
type CheckoutSession struct {
	UserID                 string
	ExternalClientID       string
	ExternalSubscriptionID string
}

// InvoiceEvent is an invoice together with its parent subscription.
type InvoiceEvent struct {
	Invoice                invoice.Invoice
	ExternalSubscriptionID string
}

// Handled reports whether the event carries a payload Tally acts on.
func (e *Event) Handled() bool {
	return e.Checkout != nil || e.Subscription != nil || e.Invoice != nil
}

type checkoutObject struct {
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	Mode              string `json:"mode"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Customer          string `json:"customer"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Status        string `json:"status"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	Created       int64  `json:"created"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// ParseWebhook verifies the signature header and decodes the event.
func ParseWebhook(payload []byte, sigHeader, secret string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignature, err)
	}

	ev := &Event{ID: raw.ID, Type: string(raw.Type)}
	if raw.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var obj checkoutObject
		if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		if obj.Subscription == "" {
			return ev, nil
		}
		ev.Checkout = &CheckoutSession{
			UserID:                 obj.ClientReferenceID,
			ExternalClientID:       obj.Customer,
			ExternalSubscriptionID: obj.Subscription,
		}

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		snap := &subscription.Snapshot{
			ExternalSubscriptionID: obj.ID,
			ExternalClientID:       obj.Customer,
			Status:                 MapStatus(obj.Status),
			CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		}
		var end int64
		for _, item := range obj.Items.Data {
			end = max(end, item.CurrentPeriodEnd)
		}
		if end > 0 {
			t := time.Unix(end, 0).UTC()
			snap.CurrentPeriodEnd = &t
		}
		ev.Subscription = snap

	case EventInvoicePaid, EventInvoiceCreated:
		var obj invoiceObject
		if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		subID := obj.Subscription
		if subID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			subID = obj.Parent.SubscriptionDetails.Subscription
		}
		ev.Invoice = &InvoiceEvent{
			Invoice: invoice.Invoice{
				ID:            obj.ID,
				AccountID:     obj.Customer,
				Status:        invoice.Status(obj.Status),
				AmountDue:     types.New(obj.AmountDue, obj.Currency),
				BillingReason: obj.BillingReason,
				CreatedAt:     time.Unix(obj.Created, 0).UTC(),
			},
			ExternalSubscriptionID: subID,
		}
	}

	return ev, nil
}
