// Package memory implements store.Store in memory. It is safe for
// concurrent use and honours the same compare-and-set semantics as the SQL
// backends, which makes it suitable for tests and single-process setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory store.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*subscription.Subscription
	referrals     map[string]*referral.Referral
	closed        bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		referrals:     make(map[string]*referral.Referral),
	}
}

// ──────────────────────────────────────────────────
// Subscription Store
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if sub.Linked() {
		if existing := s.byExternalID(sub.ExternalSubscriptionID); existing != nil {
			return tally.ErrAlreadyExists
		}
	}
	s.subscriptions[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetLatestSubscription(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.Deleted() {
			continue
		}
		if latest == nil || newer(sub, latest) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, tally.ErrSubscriptionNotFound
	}
	return cloneSubscription(latest), nil
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.byExternalID(externalSubscriptionID); sub != nil {
		return cloneSubscription(sub), nil
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) UpsertSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sub.ID.String()
	if sub.Linked() {
		if existing := s.byExternalID(sub.ExternalSubscriptionID); existing != nil {
			key = existing.ID.String()
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
		}
	}
	if existing, ok := s.subscriptions[key]; ok && existing.Deleted() {
		return tally.ErrSubscriptionNotFound
	}
	s.subscriptions[key] = cloneSubscription(sub)
	return nil
}

func (s *Store) TouchSubscriptionSync(_ context.Context, subID id.SubscriptionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return tally.ErrSubscriptionNotFound
	}
	at = at.UTC()
	sub.LastAPISync = &at
	return nil
}

func (s *Store) SoftDeleteSubscriptions(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	var count int64
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.Deleted() {
			continue
		}
		deletedAt := at
		sub.Status = subscription.StatusCanceled
		sub.DeletedAt = &deletedAt
		sub.UpdatedAt = at
		count++
	}
	return count, nil
}

func (s *Store) byExternalID(externalSubscriptionID string) *subscription.Subscription {
	var found *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID != externalSubscriptionID || sub.Deleted() {
			continue
		}
		if found == nil || newer(sub, found) {
			found = sub
		}
	}
	return found
}

func newer(a, b *subscription.Subscription) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() > b.ID.String()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// ──────────────────────────────────────────────────
// Referral Store
// ──────────────────────────────────────────────────

func (s *Store) CreateReferral(_ context.Context, r *referral.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referrals[r.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, existing := range s.referrals {
		if existing.Code == r.Code {
			return tally.ErrAlreadyExists
		}
	}
	s.referrals[r.ID.String()] = cloneReferral(r)
	return nil
}

func (s *Store) GetReferral(_ context.Context, refID id.ReferralID) (*referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.referrals[refID.String()]; ok {
		return cloneReferral(r), nil
	}
	return nil, tally.ErrReferralNotFound
}

func (s *Store) GetReferralByCode(_ context.Context, code string) (*referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.referrals {
		if r.Code == code {
			return cloneReferral(r), nil
		}
	}
	return nil, tally.ErrReferralNotFound
}

func (s *Store) ListReferrals(_ context.Context, opts referral.ListOpts) ([]*referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*referral.Referral, 0)
	for _, r := range s.referrals {
		if opts.Matches(r) {
			result = append(result, cloneReferral(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *Store) AssignReferredUser(_ context.Context, refID id.ReferralID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[refID.String()]
	if !ok {
		return tally.ErrReferralNotFound
	}
	if r.ReferredUserID != "" || r.Status != referral.StatusPending {
		return tally.ErrReferralTaken
	}
	r.ReferredUserID = userID
	r.UpdatedAt = at.UTC()
	return nil
}

func (s *Store) ClaimTransition(_ context.Context, refID id.ReferralID, t referral.Transition, at time.Time) (*referral.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[refID.String()]
	if !ok {
		return nil, tally.ErrReferralNotFound
	}
	if err := r.Claim(t, at); err != nil {
		return nil, tally.ErrTransitionConflict
	}
	return cloneReferral(r), nil
}

func (s *Store) TargetTransition(_ context.Context, refID id.ReferralID, t referral.Transition, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[refID.String()]
	if !ok {
		return tally.ErrReferralNotFound
	}
	if err := r.Target(t, target); err != nil {
		return tally.ErrTransitionConflict
	}
	return nil
}

func (s *Store) CommitTransition(_ context.Context, r *referral.Referral, t referral.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.referrals[r.ID.String()]
	if !ok {
		return tally.ErrReferralNotFound
	}
	if t.Monetary() {
		if stored.InFlight != t {
			return tally.ErrTransitionConflict
		}
	} else if stored.Status != referral.StatusPending || stored.InFlight != referral.TransitionNone {
		return tally.ErrTransitionConflict
	}
	s.referrals[r.ID.String()] = cloneReferral(r)
	return nil
}

func (s *Store) ReleaseTransition(_ context.Context, refID id.ReferralID, t referral.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[refID.String()]
	if !ok {
		return tally.ErrReferralNotFound
	}
	if err := r.Release(t); err != nil {
		return tally.ErrTransitionConflict
	}
	return nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneSubscription(sub *subscription.Subscription) *subscription.Subscription {
	c := *sub
	if sub.LastAPISync != nil {
		t := *sub.LastAPISync
		c.LastAPISync = &t
	}
	if sub.DeletedAt != nil {
		t := *sub.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneReferral(r *referral.Referral) *referral.Referral {
	c := *r
	for _, p := range []**time.Time{&c.CompletedAt, &c.RewardedAt, &c.InFlightAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}
