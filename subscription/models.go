// Package subscription defines the local mirror of a billing provider subscription.
package subscription

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Status is the mirrored provider status of a subscription.
type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Statuses lists every status value.
var Statuses = []Status{
	StatusNone,
	StatusPending,
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusCanceled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Subscription is one user's mirrored billing record. At most one live row
// per user is authoritative: the most recently created.
type Subscription struct {
	types.Entity
	ID                     id.SubscriptionID `json:"id"`
	UserID                 string            `json:"user_id"`
	Status                 Status            `json:"status"`
	ExternalClientID       string            `json:"external_client_id,omitempty"`
	ExternalSubscriptionID string            `json:"external_subscription_id,omitempty"`
	PaymentMethod          string            `json:"payment_method,omitempty"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	LastAPISync            *time.Time        `json:"last_api_sync,omitempty"`
	DeletedAt              *time.Time        `json:"deleted_at,omitempty"`
}

// Entitled reports whether the subscription grants access at now.
// Only an elapsed period revokes access; a pending cancellation does not.
func (s *Subscription) Entitled(now time.Time) bool {
	if s == nil {
		return false
	}
	return Entitled(s.Status, s.CurrentPeriodEnd, now)
}

// Entitled is the entitlement rule over raw fields.
func Entitled(status Status, periodEnd, now time.Time) bool {
	return (status == StatusActive || status == StatusTrialing) && periodEnd.After(now)
}

// PeriodElapsed reports whether the current billing period has ended at now.
func (s *Subscription) PeriodElapsed(now time.Time) bool {
	return !s.CurrentPeriodEnd.After(now)
}

// Deleted reports whether the row was soft deleted.
func (s *Subscription) Deleted() bool { return s.DeletedAt != nil }

// Linked reports whether the row is bound to a provider subscription.
func (s *Subscription) Linked() bool { return s.ExternalSubscriptionID != "" }

// StaleAt reports whether the row was last synced before now-maxAge.
func (s *Subscription) StaleAt(now time.Time, maxAge time.Duration) bool {
	if s.LastAPISync == nil {
		return true
	}
	return now.Sub(*s.LastAPISync) >= maxAge
}

// Snapshot is the canonical provider view of a subscription. Optional
// provider fields are pointers so an absent value never overwrites the mirror.
type Snapshot struct {
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	ExternalClientID       string     `json:"external_client_id,omitempty"`
	Status                 Status     `json:"status"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	PaymentMethod          *string    `json:"payment_method,omitempty"`
}

// Apply copies the canonical fields of snap onto s and reports whether any
// of them changed. LastAPISync is not touched.
func (s *Subscription) Apply(snap *Snapshot) bool {
	changed := false

	if snap.ExternalSubscriptionID != "" && s.ExternalSubscriptionID != snap.ExternalSubscriptionID {
		s.ExternalSubscriptionID = snap.ExternalSubscriptionID
		changed = true
	}
	if snap.ExternalClientID != "" && s.ExternalClientID != snap.ExternalClientID {
		s.ExternalClientID = snap.ExternalClientID
		changed = true
	}
	if snap.Status != "" && s.Status != snap.Status {
		s.Status = snap.Status
		changed = true
	}
	if s.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
		s.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		changed = true
	}
	if snap.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.Equal(*snap.CurrentPeriodEnd) {
		s.CurrentPeriodEnd = snap.CurrentPeriodEnd.UTC()
		changed = true
	}
	if snap.PaymentMethod != nil && s.PaymentMethod != *snap.PaymentMethod {
		s.PaymentMethod = *snap.PaymentMethod
		changed = true
	}

	return changed
}

// Entitled reports whether the snapshot grants access at now. A snapshot
// without a period end never does.
func (snap *Snapshot) Entitled(now time.Time) bool {
	if snap == nil || snap.CurrentPeriodEnd == nil {
		return false
	}
	return Entitled(snap.Status, *snap.CurrentPeriodEnd, now)
}
