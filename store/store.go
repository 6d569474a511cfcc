// Package store defines the unified persistence interface for Tally.
package store

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Store is the unified storage interface for all Tally entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// so backends can be checked against one list.
type Store interface {
	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetLatestSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscription.Subscription, error)
	UpsertSubscription(ctx context.Context, s *subscription.Subscription) error
	TouchSubscriptionSync(ctx context.Context, subID id.SubscriptionID, at time.Time) error
	SoftDeleteSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error)

	// Referral methods
	CreateReferral(ctx context.Context, r *referral.Referral) error
	GetReferral(ctx context.Context, refID id.ReferralID) (*referral.Referral, error)
	GetReferralByCode(ctx context.Context, code string) (*referral.Referral, error)
	ListReferrals(ctx context.Context, opts referral.ListOpts) ([]*referral.Referral, error)
	AssignReferredUser(ctx context.Context, refID id.ReferralID, userID string, at time.Time) error
	ClaimTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, at time.Time) (*referral.Referral, error)
	TargetTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, target string) error
	CommitTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error
	ReleaseTransition(ctx context.Context, refID id.ReferralID, t referral.Transition) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that Store satisfies the per-entity interfaces.
var (
	_ subscription.Store = (Store)(nil)
	_ referral.Store     = (Store)(nil)
)
