// Package invoice describes billing provider invoices as Tally sees them.
// Invoices are owned by the provider and are never persisted locally.
package invoice

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/xraph/tally/types"
)

// Status is the provider invoice status.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusOpen          Status = "open"
	StatusPaid          Status = "paid"
	StatusVoid          Status = "void"
	StatusUncollectible Status = "uncollectible"
)

// Unpaid reports whether the invoice can still take a discount.
func (s Status) Unpaid() bool {
	return s == StatusDraft || s == StatusOpen
}

// Invoice is a provider invoice.
type Invoice struct {
	ID            string      `json:"id"`
	AccountID     string      `json:"account_id"`
	Status        Status      `json:"status"`
	AmountDue     types.Money `json:"amount_due"`
	BillingReason string      `json:"billing_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Filter narrows a provider invoice listing.
type Filter struct {
	Statuses []Status
}

// Matches reports whether inv passes the filter.
func (f Filter) Matches(inv *Invoice) bool {
	return len(f.Statuses) == 0 || lo.Contains(f.Statuses, inv.Status)
}

// UnpaidFilter selects invoices that can still take a discount.
var UnpaidFilter = Filter{Statuses: []Status{StatusDraft, StatusOpen}}

// NewestUnpaid returns the most recently created unpaid invoice, or nil.
func NewestUnpaid(invoices []*Invoice) *Invoice {
	unpaid := lo.Filter(invoices, func(inv *Invoice, _ int) bool {
		return inv != nil && inv.Status.Unpaid()
	})
	if len(unpaid) == 0 {
		return nil
	}
	sort.SliceStable(unpaid, func(i, j int) bool {
		return unpaid[i].CreatedAt.After(unpaid[j].CreatedAt)
	})
	return unpaid[0]
}
