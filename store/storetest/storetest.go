// Package storetest is a conformance suite for store.Store backends.
// Every backend runs the same cases so the engine can rely on identical
// compare-and-set behaviour whichever database sits underneath.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Factory returns an empty, migrated store. It is called once per case.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against the stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("Subscriptions", func(t *testing.T) { runSubscriptions(t, open) })
	t.Run("Referrals", func(t *testing.T) { runReferrals(t, open) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { runClaimRace(t, open) })
}

// NewSubscription builds a linked subscription created at base+offset.
func NewSubscription(userID, externalID string, offset time.Duration) *subscription.Subscription {
	at := base.Add(offset)
	return &subscription.Subscription{
		Entity:                 types.Entity{CreatedAt: at, UpdatedAt: at},
		ID:                     id.NewSubscriptionID(),
		UserID:                 userID,
		Status:                 subscription.StatusActive,
		ExternalClientID:       "cus_" + userID,
		ExternalSubscriptionID: externalID,
		CurrentPeriodEnd:       base.Add(30 * 24 * time.Hour),
	}
}

// NewReferral builds a referral in the given status.
func NewReferral(referrer, code string, status referral.Status, offset time.Duration) *referral.Referral {
	at := base.Add(offset)
	r := &referral.Referral{
		Entity:         types.Entity{CreatedAt: at, UpdatedAt: at},
		ID:             id.NewReferralID(),
		ReferrerUserID: referrer,
		Code:           code,
		Status:         status,
		DiscountAmount: types.EUR(25000),
	}
	if status != referral.StatusPending {
		r.ReferredUserID = "referred_" + code
		r.CompletedAt = &at
	}
	if status == referral.StatusRewarded {
		r.DiscountApplied = true
		r.RewardedAt = &at
	}
	return r
}

func runSubscriptions(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		sub := NewSubscription("u1", "sub_1", 0)
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		got, err := s.GetSubscription(ctx, sub.ID)
		if err != nil {
			t.Fatalf("GetSubscription: %v", err)
		}
		if got.UserID != "u1" || got.ExternalSubscriptionID != "sub_1" || got.Status != subscription.StatusActive {
			t.Errorf("got %+v", got)
		}
		if !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
			t.Errorf("period end: got %v, want %v", got.CurrentPeriodEnd, sub.CurrentPeriodEnd)
		}
		if got.LastAPISync != nil || got.DeletedAt != nil {
			t.Errorf("unexpected timestamps: %+v", got)
		}
	})

	t.Run("duplicate live external id", func(t *testing.T) {
		s := open(t)
		mustCreateSub(t, s, NewSubscription("u1", "sub_1", 0))
		err := s.CreateSubscription(ctx, NewSubscription("u2", "sub_1", time.Minute))
		if !errors.Is(err, tally.ErrAlreadyExists) {
			t.Errorf("got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetSubscription(ctx, id.NewSubscriptionID()); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("GetSubscription: got %v", err)
		}
		if _, err := s.GetLatestSubscription(ctx, "nobody"); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("GetLatestSubscription: got %v", err)
		}
		if _, err := s.GetSubscriptionByExternalID(ctx, "sub_none"); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("GetSubscriptionByExternalID: got %v", err)
		}
		if err := s.TouchSubscriptionSync(ctx, id.NewSubscriptionID(), base); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("TouchSubscriptionSync: got %v", err)
		}
	})

	t.Run("latest wins", func(t *testing.T) {
		s := open(t)
		mustCreateSub(t, s, NewSubscription("u1", "sub_old", 0))
		newest := NewSubscription("u1", "sub_new", time.Hour)
		mustCreateSub(t, s, newest)
		mustCreateSub(t, s, NewSubscription("u2", "sub_other", 2*time.Hour))

		got, err := s.GetLatestSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("GetLatestSubscription: %v", err)
		}
		if got.ID != newest.ID {
			t.Errorf("got %s, want %s", got.ExternalSubscriptionID, newest.ExternalSubscriptionID)
		}
	})

	t.Run("upsert reuses the live row", func(t *testing.T) {
		s := open(t)
		orig := NewSubscription("u1", "sub_1", 0)
		mustCreateSub(t, s, orig)

		next := NewSubscription("u1", "sub_1", time.Hour)
		next.Status = subscription.StatusPastDue
		next.CancelAtPeriodEnd = true
		if err := s.UpsertSubscription(ctx, next); err != nil {
			t.Fatalf("UpsertSubscription: %v", err)
		}
		if next.ID != orig.ID {
			t.Errorf("id: got %s, want %s", next.ID, orig.ID)
		}
		got, err := s.GetSubscriptionByExternalID(ctx, "sub_1")
		if err != nil {
			t.Fatalf("GetSubscriptionByExternalID: %v", err)
		}
		if got.Status != subscription.StatusPastDue || !got.CancelAtPeriodEnd {
			t.Errorf("got %+v", got)
		}
		if !got.CreatedAt.Equal(orig.CreatedAt) {
			t.Errorf("created_at: got %v, want %v", got.CreatedAt, orig.CreatedAt)
		}
	})

	t.Run("upsert inserts", func(t *testing.T) {
		s := open(t)
		sub := NewSubscription("u1", "sub_1", 0)
		if err := s.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscription: %v", err)
		}
		if _, err := s.GetSubscription(ctx, sub.ID); err != nil {
			t.Errorf("GetSubscription: %v", err)
		}
	})

	t.Run("touch sync", func(t *testing.T) {
		s := open(t)
		sub := NewSubscription("u1", "sub_1", 0)
		mustCreateSub(t, s, sub)
		at := base.Add(5 * time.Minute)
		if err := s.TouchSubscriptionSync(ctx, sub.ID, at); err != nil {
			t.Fatalf("TouchSubscriptionSync: %v", err)
		}
		got, _ := s.GetSubscription(ctx, sub.ID)
		if got.LastAPISync == nil || !got.LastAPISync.Equal(at) {
			t.Errorf("last_api_sync: got %v, want %v", got.LastAPISync, at)
		}
	})

	t.Run("soft delete", func(t *testing.T) {
		s := open(t)
		a := NewSubscription("u1", "sub_a", 0)
		b := NewSubscription("u1", "sub_b", time.Hour)
		mustCreateSub(t, s, a)
		mustCreateSub(t, s, b)
		mustCreateSub(t, s, NewSubscription("u2", "sub_c", 0))

		at := base.Add(24 * time.Hour)
		n, err := s.SoftDeleteSubscriptions(ctx, "u1", at)
		if err != nil {
			t.Fatalf("SoftDeleteSubscriptions: %v", err)
		}
		if n != 2 {
			t.Errorf("count: got %d, want 2", n)
		}
		if again, _ := s.SoftDeleteSubscriptions(ctx, "u1", at); again != 0 {
			t.Errorf("second delete: got %d, want 0", again)
		}

		if _, err := s.GetLatestSubscription(ctx, "u1"); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("GetLatestSubscription after delete: got %v", err)
		}
		if _, err := s.GetSubscriptionByExternalID(ctx, "sub_a"); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("GetSubscriptionByExternalID after delete: got %v", err)
		}
		got, err := s.GetSubscription(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetSubscription: %v", err)
		}
		if got.Status != subscription.StatusCanceled || got.DeletedAt == nil || !got.DeletedAt.Equal(at) {
			t.Errorf("deleted row: %+v", got)
		}
		if _, err := s.GetLatestSubscription(ctx, "u2"); err != nil {
			t.Errorf("other user's subscription touched: %v", err)
		}

		// A deleted row is never written again.
		got.Status = subscription.StatusActive
		got.DeletedAt = nil
		if err := s.UpsertSubscription(ctx, got); !errors.Is(err, tally.ErrSubscriptionNotFound) {
			t.Errorf("upsert of deleted row: got %v, want ErrSubscriptionNotFound", err)
		}

		// The external id is free for a fresh row.
		fresh := NewSubscription("u1", "sub_a", 48*time.Hour)
		if err := s.CreateSubscription(ctx, fresh); err != nil {
			t.Errorf("recreate after delete: %v", err)
		}
	})
}

func runReferrals(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-AAA", referral.StatusPending, 0)
		mustCreateRef(t, s, r)

		if err := s.CreateReferral(ctx, NewReferral("bob", "REF-AAA", referral.StatusPending, 0)); !errors.Is(err, tally.ErrAlreadyExists) {
			t.Errorf("duplicate code: got %v", err)
		}

		got, err := s.GetReferralByCode(ctx, "REF-AAA")
		if err != nil {
			t.Fatalf("GetReferralByCode: %v", err)
		}
		if got.ID != r.ID || !got.DiscountAmount.Equal(types.EUR(25000)) {
			t.Errorf("got %+v", got)
		}
		if _, err := s.GetReferral(ctx, id.NewReferralID()); !errors.Is(err, tally.ErrReferralNotFound) {
			t.Errorf("GetReferral unknown: got %v", err)
		}
		if _, err := s.GetReferralByCode(ctx, "REF-NONE"); !errors.Is(err, tally.ErrReferralNotFound) {
			t.Errorf("GetReferralByCode unknown: got %v", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		s := open(t)
		pending := NewReferral("alice", "REF-1", referral.StatusPending, 0)
		completed := NewReferral("alice", "REF-2", referral.StatusCompleted, time.Minute)
		rewarded := NewReferral("alice", "REF-3", referral.StatusRewarded, 2*time.Minute)
		other := NewReferral("bob", "REF-4", referral.StatusCompleted, 3*time.Minute)
		for _, r := range []*referral.Referral{pending, completed, rewarded, other} {
			mustCreateRef(t, s, r)
		}
		if _, err := s.ClaimTransition(ctx, completed.ID, referral.TransitionReward, base.Add(time.Hour)); err != nil {
			t.Fatalf("ClaimTransition: %v", err)
		}

		tests := []struct {
			name string
			opts referral.ListOpts
			want []id.ReferralID
		}{
			{"by referrer newest first", referral.ListOpts{ReferrerUserID: "alice"}, []id.ReferralID{rewarded.ID, completed.ID, pending.ID}},
			{"by referred", referral.ListOpts{ReferredUserID: other.ReferredUserID}, []id.ReferralID{other.ID}},
			{"by status", referral.ListOpts{Statuses: []referral.Status{referral.StatusCompleted, referral.StatusRewarded}, ReferrerUserID: "alice"}, []id.ReferralID{rewarded.ID, completed.ID}},
			{"in flight", referral.ListOpts{InFlightOnly: true}, []id.ReferralID{completed.ID}},
			{"in flight before", referral.ListOpts{InFlightBefore: base.Add(2 * time.Hour)}, []id.ReferralID{completed.ID}},
			{"in flight before, too early", referral.ListOpts{InFlightBefore: base.Add(30 * time.Minute)}, nil},
			{"limit", referral.ListOpts{Limit: 2}, []id.ReferralID{other.ID, rewarded.ID}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListReferrals(ctx, tt.opts)
				if err != nil {
					t.Fatalf("ListReferrals: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("len: got %d, want %d", len(got), len(tt.want))
				}
				for i := range got {
					if got[i].ID != tt.want[i] {
						t.Errorf("[%d]: got %s, want %s", i, got[i].Code, tt.want[i])
					}
				}
			})
		}
	})

	t.Run("assign referred user", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusPending, 0)
		mustCreateRef(t, s, r)

		if err := s.AssignReferredUser(ctx, r.ID, "bob", base); err != nil {
			t.Fatalf("AssignReferredUser: %v", err)
		}
		if err := s.AssignReferredUser(ctx, r.ID, "carol", base); !errors.Is(err, tally.ErrReferralTaken) {
			t.Errorf("second assign: got %v, want ErrReferralTaken", err)
		}
		if err := s.AssignReferredUser(ctx, id.NewReferralID(), "carol", base); !errors.Is(err, tally.ErrReferralNotFound) {
			t.Errorf("unknown: got %v", err)
		}
		got, _ := s.GetReferral(ctx, r.ID)
		if got.ReferredUserID != "bob" {
			t.Errorf("referred: got %q", got.ReferredUserID)
		}
	})

	t.Run("reward claim commit", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusCompleted, 0)
		mustCreateRef(t, s, r)

		at := base.Add(time.Hour)
		claimed, err := s.ClaimTransition(ctx, r.ID, referral.TransitionReward, at)
		if err != nil {
			t.Fatalf("ClaimTransition: %v", err)
		}
		if claimed.InFlight != referral.TransitionReward || !claimed.DiscountApplied || claimed.InFlightAt == nil {
			t.Fatalf("claimed: %+v", claimed)
		}
		if _, err := s.ClaimTransition(ctx, r.ID, referral.TransitionReward, at); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("second claim: got %v", err)
		}

		if err := claimed.Fire(referral.TransitionReward, at, referral.Outcome{InvoiceID: "in_1", TransactionID: "txn_1"}); err != nil {
			t.Fatalf("Fire: %v", err)
		}
		if err := s.CommitTransition(ctx, claimed, referral.TransitionReward); err != nil {
			t.Fatalf("CommitTransition: %v", err)
		}
		if err := s.CommitTransition(ctx, claimed, referral.TransitionReward); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("second commit: got %v", err)
		}

		got, _ := s.GetReferral(ctx, r.ID)
		if got.Status != referral.StatusRewarded || got.AppliedToInvoiceID != "in_1" || got.LastTransactionID != "txn_1" || !got.Settled() {
			t.Errorf("committed: %+v", got)
		}
	})

	t.Run("claim target", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusCompleted, 0)
		mustCreateRef(t, s, r)

		if err := s.TargetTransition(ctx, r.ID, referral.TransitionReward, "in_1"); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("target without claim: got %v", err)
		}
		if _, err := s.ClaimTransition(ctx, r.ID, referral.TransitionReward, base); err != nil {
			t.Fatalf("ClaimTransition: %v", err)
		}
		if err := s.TargetTransition(ctx, r.ID, referral.TransitionReward, "in_1"); err != nil {
			t.Fatalf("TargetTransition: %v", err)
		}
		if err := s.TargetTransition(ctx, r.ID, referral.TransitionReward, "in_1"); err != nil {
			t.Errorf("same target again: %v", err)
		}
		if err := s.TargetTransition(ctx, r.ID, referral.TransitionReward, "in_2"); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("retarget: got %v", err)
		}
		if got, _ := s.GetReferral(ctx, r.ID); got.InFlightTarget != "in_1" {
			t.Errorf("target: got %q", got.InFlightTarget)
		}

		if err := s.ReleaseTransition(ctx, r.ID, referral.TransitionReward); err != nil {
			t.Fatalf("ReleaseTransition: %v", err)
		}
		if got, _ := s.GetReferral(ctx, r.ID); got.InFlightTarget != "" {
			t.Errorf("target survived release: %q", got.InFlightTarget)
		}
	})

	t.Run("release", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusCompleted, 0)
		mustCreateRef(t, s, r)

		if _, err := s.ClaimTransition(ctx, r.ID, referral.TransitionReward, base); err != nil {
			t.Fatalf("ClaimTransition: %v", err)
		}
		if err := s.ReleaseTransition(ctx, r.ID, referral.TransitionRevert); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("release of unclaimed transition: got %v", err)
		}
		if err := s.ReleaseTransition(ctx, r.ID, referral.TransitionReward); err != nil {
			t.Fatalf("ReleaseTransition: %v", err)
		}
		got, _ := s.GetReferral(ctx, r.ID)
		if !got.AwaitingReward() || got.InFlightAt != nil {
			t.Errorf("released: %+v", got)
		}
		if err := s.ReleaseTransition(ctx, id.NewReferralID(), referral.TransitionReward); !errors.Is(err, tally.ErrReferralNotFound) {
			t.Errorf("unknown: got %v", err)
		}
	})

	t.Run("revert and restore", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusRewarded, 0)
		mustCreateRef(t, s, r)

		if _, err := s.ClaimTransition(ctx, r.ID, referral.TransitionRestore, base); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("restore of rewarded: got %v", err)
		}

		claimed, err := s.ClaimTransition(ctx, r.ID, referral.TransitionRevert, base)
		if err != nil {
			t.Fatalf("claim revert: %v", err)
		}
		if err := claimed.Fire(referral.TransitionRevert, base, referral.Outcome{}); err != nil {
			t.Fatalf("Fire revert: %v", err)
		}
		if err := s.CommitTransition(ctx, claimed, referral.TransitionRevert); err != nil {
			t.Fatalf("commit revert: %v", err)
		}

		claimed, err = s.ClaimTransition(ctx, r.ID, referral.TransitionRestore, base)
		if err != nil {
			t.Fatalf("claim restore: %v", err)
		}
		if err := claimed.Fire(referral.TransitionRestore, base, referral.Outcome{}); err != nil {
			t.Fatalf("Fire restore: %v", err)
		}
		if err := s.CommitTransition(ctx, claimed, referral.TransitionRestore); err != nil {
			t.Fatalf("commit restore: %v", err)
		}

		got, _ := s.GetReferral(ctx, r.ID)
		if got.Status != referral.StatusRewarded || got.Cycle != 1 || !got.Settled() {
			t.Errorf("restored: %+v", got)
		}
	})

	t.Run("complete", func(t *testing.T) {
		s := open(t)
		r := NewReferral("alice", "REF-1", referral.StatusPending, 0)
		r.ReferredUserID = "bob"
		mustCreateRef(t, s, r)

		if _, err := s.ClaimTransition(ctx, r.ID, referral.TransitionComplete, base); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("claim of non-monetary transition: got %v", err)
		}

		fired, _ := s.GetReferral(ctx, r.ID)
		if err := fired.Fire(referral.TransitionComplete, base, referral.Outcome{}); err != nil {
			t.Fatalf("Fire: %v", err)
		}
		if err := s.CommitTransition(ctx, fired, referral.TransitionComplete); err != nil {
			t.Fatalf("CommitTransition: %v", err)
		}
		if err := s.CommitTransition(ctx, fired, referral.TransitionComplete); !errors.Is(err, tally.ErrTransitionConflict) {
			t.Errorf("second complete: got %v", err)
		}
		got, _ := s.GetReferral(ctx, r.ID)
		if got.Status != referral.StatusCompleted || got.CompletedAt == nil {
			t.Errorf("completed: %+v", got)
		}
	})
}

func runClaimRace(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t)
	r := NewReferral("alice", "REF-1", referral.StatusCompleted, 0)
	mustCreateRef(t, s, r)

	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		conflict atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimTransition(ctx, r.ID, referral.TransitionReward, base)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, tally.ErrTransitionConflict):
				conflict.Add(1)
			default:
				t.Errorf("ClaimTransition: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || conflict.Load() != 7 {
		t.Errorf("claims: won=%d conflicts=%d, want 1 and 7", won.Load(), conflict.Load())
	}
}

func mustCreateSub(t *testing.T, s store.Store, sub *subscription.Subscription) {
	t.Helper()
	if err := s.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
}

func mustCreateRef(t *testing.T, s store.Store, r *referral.Referral) {
	t.Helper()
	if err := s.CreateReferral(context.Background(), r); err != nil {
		t.Fatalf("CreateReferral: %v", err)
	}
}
