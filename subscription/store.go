package subscription

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

// Store persists subscription mirrors.
type Store interface {
	// CreateSubscription inserts a new row.
	CreateSubscription(ctx context.Context, s *Subscription) error
	// GetSubscription returns a row by ID.
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	// GetLatestSubscription returns the most recently created live row for a user.
	GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error)
	// GetSubscriptionByExternalID returns the live row bound to a provider subscription.
	GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)
	// UpsertSubscription writes s keyed on its external subscription ID, or on
	// its ID when the row is not yet linked.
	UpsertSubscription(ctx context.Context, s *Subscription) error
	// TouchSubscriptionSync stamps last_api_sync without changing anything else.
	TouchSubscriptionSync(ctx context.Context, subID id.SubscriptionID, at time.Time) error
	// SoftDeleteSubscriptions cancels and marks deleted every live row of a user.
	SoftDeleteSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error)
}
