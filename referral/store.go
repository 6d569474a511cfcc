package referral

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/xraph/tally/id"
)

// Store persists referrals. Claim, commit and release are compare-and-set
// writes: they fail with a conflict when the persisted row is not in the
// state the caller expects.
type Store interface {
	CreateReferral(ctx context.Context, r *Referral) error
	GetReferral(ctx context.Context, refID id.ReferralID) (*Referral, error)
	GetReferralByCode(ctx context.Context, code string) (*Referral, error)
	ListReferrals(ctx context.Context, opts ListOpts) ([]*Referral, error)

	// AssignReferredUser binds a pending, unassigned referral to userID.
	AssignReferredUser(ctx context.Context, refID id.ReferralID, userID string, at time.Time) error
	// ClaimTransition marks t in flight if the row allows it and returns the
	// claimed row.
	ClaimTransition(ctx context.Context, refID id.ReferralID, t Transition, at time.Time) (*Referral, error)
	// TargetTransition records the provider target of the claim for t. It
	// fails with a conflict when the row no longer holds that claim or
	// already targets something else.
	TargetTransition(ctx context.Context, refID id.ReferralID, t Transition, target string) error
	// CommitTransition persists r after r.Fire(t). Monetary transitions
	// require the stored row to still hold the claim for t; complete requires
	// it to still be pending.
	CommitTransition(ctx context.Context, r *Referral, t Transition) error
	// ReleaseTransition drops a claim for t.
	ReleaseTransition(ctx context.Context, refID id.ReferralID, t Transition) error
}

// ListOpts filters ListReferrals. Zero values match everything.
type ListOpts struct {
	ReferrerUserID string
	ReferredUserID string
	Statuses       []Status
	// InFlightOnly restricts the result to rows holding a claim.
	InFlightOnly bool
	// InFlightBefore restricts claimed rows to those claimed before it.
	InFlightBefore time.Time
	Limit          int
}

// Matches reports whether r satisfies the filter.
func (o ListOpts) Matches(r *Referral) bool {
	if o.ReferrerUserID != "" && r.ReferrerUserID != o.ReferrerUserID {
		return false
	}
	if o.ReferredUserID != "" && r.ReferredUserID != o.ReferredUserID {
		return false
	}
	if len(o.Statuses) > 0 && !lo.Contains(o.Statuses, r.Status) {
		return false
	}
	if o.InFlightOnly && r.InFlight == TransitionNone {
		return false
	}
	if !o.InFlightBefore.IsZero() && (r.InFlightAt == nil || !r.InFlightAt.Before(o.InFlightBefore)) {
		return false
	}
	return true
}
