// Package referral defines referral records and the state machine that moves
// them between pending, completed and rewarded.
//
// Status is never assigned directly. Every change goes through a named
// Transition:
//
//	pending   --complete--> completed
//	completed --reward----> rewarded   (credit posted, discount_applied set)
//	rewarded  --revert----> completed  (credit reversed, discount_applied kept)
//	completed --restore---> rewarded   (credit re-posted, only after a revert)
//
// Monetary transitions (reward, revert, restore) are two-phase: the row is
// first claimed by marking the transition in flight, then the provider call
// is made, then the transition is fired and the claim cleared in one write.
package referral

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Status is the referral reward state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRewarded  Status = "rewarded"
)

// Transition names a state change.
type Transition string

const (
	TransitionNone     Transition = ""
	TransitionComplete Transition = "complete"
	TransitionReward   Transition = "reward"
	TransitionRevert   Transition = "revert"
	TransitionRestore  Transition = "restore"
)

// Monetary reports whether the transition moves money on the provider.
func (t Transition) Monetary() bool {
	return t == TransitionReward || t == TransitionRevert || t == TransitionRestore
}

var (
	// ErrInvalidTransition is returned when a transition is not legal from
	// the referral's current state.
	ErrInvalidTransition = errors.New("tally: invalid referral transition")

	// ErrInFlight is returned when another monetary transition is claimed.
	ErrInFlight = errors.New("tally: referral transition in flight")
)

// Referral links a referrer to the user who signed up with their code.
type Referral struct {
	types.Entity
	ID                 id.ReferralID `json:"id"`
	ReferrerUserID     string        `json:"referrer_user_id"`
	ReferredUserID     string        `json:"referred_user_id,omitempty"`
	Code               string        `json:"referral_code"`
	Status             Status        `json:"status"`
	DiscountAmount     types.Money   `json:"discount_amount"`
	DiscountApplied    bool          `json:"discount_applied"`
	AppliedToInvoiceID string        `json:"applied_to_invoice_id,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	RewardedAt         *time.Time    `json:"rewarded_at,omitempty"`

	// InFlight is the monetary transition claimed but not yet committed.
	InFlight   Transition `json:"in_flight,omitempty"`
	InFlightAt *time.Time `json:"in_flight_at,omitempty"`
	// InFlightTarget is the invoice (reward) or provider account (revert,
	// restore) the claimed provider call is made against. It is recorded
	// before the call, so a repair re-drives the same mutation.
	InFlightTarget string `json:"in_flight_target,omitempty"`
	// Cycle counts completed revert/restore rounds. It scopes provider
	// idempotency keys so each round posts its own adjustment.
	Cycle             int    `json:"cycle"`
	LastTransactionID string `json:"last_transaction_id,omitempty"`
}

// Outcome carries provider results recorded when a transition fires.
type Outcome struct {
	InvoiceID     string
	TransactionID string
}

// Can reports whether t is legal from the current state.
func (r *Referral) Can(t Transition) error {
	if r.InFlight != TransitionNone {
		return fmt.Errorf("%w: %s", ErrInFlight, r.InFlight)
	}
	ok := false
	switch t {
	case TransitionComplete:
		ok = r.Status == StatusPending
	case TransitionReward:
		ok = r.Status == StatusCompleted && !r.DiscountApplied
	case TransitionRevert:
		ok = r.Status == StatusRewarded
	case TransitionRestore:
		ok = r.Status == StatusCompleted && r.DiscountApplied
	}
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, r.Status)
	}
	return nil
}

// Claim marks a monetary transition in flight. Claiming a reward also sets
// DiscountApplied so a concurrent or retried apply sees the flag before any
// provider call.
func (r *Referral) Claim(t Transition, at time.Time) error {
	if !t.Monetary() {
		return fmt.Errorf("%w: %s is not claimable", ErrInvalidTransition, t)
	}
	if err := r.Can(t); err != nil {
		return err
	}
	at = at.UTC()
	r.InFlight = t
	r.InFlightAt = &at
	if t == TransitionReward {
		r.DiscountApplied = true
	}
	return nil
}

// Target records the provider target of the claimed transition t. A target
// once recorded cannot change.
func (r *Referral) Target(t Transition, target string) error {
	if r.InFlight != t || t == TransitionNone {
		return fmt.Errorf("%w: %s not in flight", ErrInvalidTransition, t)
	}
	if target == "" || (r.InFlightTarget != "" && r.InFlightTarget != target) {
		return fmt.Errorf("%w: %s already targets %q", ErrInvalidTransition, t, r.InFlightTarget)
	}
	r.InFlightTarget = target
	return nil
}

// Release drops a claim for t after a failed provider call, undoing the
// effects of Claim.
func (r *Referral) Release(t Transition) error {
	if r.InFlight != t || t == TransitionNone {
		return fmt.Errorf("%w: %s not in flight", ErrInvalidTransition, t)
	}
	r.InFlight = TransitionNone
	r.InFlightAt = nil
	r.InFlightTarget = ""
	if t == TransitionReward {
		r.DiscountApplied = false
	}
	return nil
}

// Fire applies transition t. Monetary transitions must have been claimed.
// This is the only place Status changes.
func (r *Referral) Fire(t Transition, at time.Time, out Outcome) error {
	at = at.UTC()

	if t.Monetary() {
		if r.InFlight != t {
			return fmt.Errorf("%w: %s not claimed", ErrInvalidTransition, t)
		}
	} else if err := r.Can(t); err != nil {
		return err
	}

	switch t {
	case TransitionComplete:
		r.Status = StatusCompleted
		r.CompletedAt = &at
	case TransitionReward:
		r.Status = StatusRewarded
		r.DiscountApplied = true
		r.AppliedToInvoiceID = out.InvoiceID
		r.RewardedAt = &at
	case TransitionRevert:
		r.Status = StatusCompleted
		r.RewardedAt = nil
	case TransitionRestore:
		r.Status = StatusRewarded
		r.RewardedAt = &at
		r.Cycle++
	default:
		return fmt.Errorf("%w: unknown transition %q", ErrInvalidTransition, t)
	}

	if out.TransactionID != "" {
		r.LastTransactionID = out.TransactionID
	}
	r.InFlight = TransitionNone
	r.InFlightAt = nil
	r.InFlightTarget = ""
	r.TouchAt(at)
	return nil
}

// Settled reports whether no monetary transition is in flight.
func (r *Referral) Settled() bool { return r.InFlight == TransitionNone }

// Reverted reports whether the referral was rewarded and later reverted,
// i.e. it is eligible for restore.
func (r *Referral) Reverted() bool {
	return r.Settled() && r.Status == StatusCompleted && r.DiscountApplied
}

// AwaitingReward reports whether the referral is completed but no credit was
// ever posted.
func (r *Referral) AwaitingReward() bool {
	return r.Settled() && r.Status == StatusCompleted && !r.DiscountApplied
}
