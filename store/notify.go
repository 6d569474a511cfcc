package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tally/changefeed"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Notifying decorates a Store so every successful write that changes a
// record publishes a change event. Publishing is best-effort: a failed
// publish is logged and never fails the write.
type Notifying struct {
	Store
	feed   changefeed.Feed
	logger *slog.Logger
}

// Compile-time interface check.
var _ Store = (*Notifying)(nil)

// WithChangeFeed wraps s so writes are published on feed.
func WithChangeFeed(s Store, feed changefeed.Feed, logger *slog.Logger) *Notifying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifying{Store: s, feed: feed, logger: logger}
}

func (n *Notifying) publish(ctx context.Context, kind changefeed.Kind, userID, entityID string) {
	if userID == "" {
		return
	}
	if err := n.feed.Publish(ctx, changefeed.NewEvent(kind, userID, entityID)); err != nil {
		n.logger.Warn("change event publish failed",
			"kind", kind,
			"user_id", userID,
			"error", err,
		)
	}
}

// CreateSubscription publishes after a successful insert.
func (n *Notifying) CreateSubscription(ctx context.Context, s *subscription.Subscription) error {
	if err := n.Store.CreateSubscription(ctx, s); err != nil {
		return err
	}
	n.publish(ctx, changefeed.KindSubscription, s.UserID, s.ID.String())
	return nil
}

// UpsertSubscription publishes after a successful upsert.
func (n *Notifying) UpsertSubscription(ctx context.Context, s *subscription.Subscription) error {
	if err := n.Store.UpsertSubscription(ctx, s); err != nil {
		return err
	}
	n.publish(ctx, changefeed.KindSubscription, s.UserID, s.ID.String())
	return nil
}

// SoftDeleteSubscriptions publishes when at least one row was deleted.
func (n *Notifying) SoftDeleteSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error) {
	count, err := n.Store.SoftDeleteSubscriptions(ctx, userID, at)
	if err != nil {
		return count, err
	}
	if count > 0 {
		n.publish(ctx, changefeed.KindSubscription, userID, "")
	}
	return count, nil
}

// CommitTransition publishes for both parties after a status change.
func (n *Notifying) CommitTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error {
	if err := n.Store.CommitTransition(ctx, r, t); err != nil {
		return err
	}
	n.publish(ctx, changefeed.KindReferral, r.ReferrerUserID, r.ID.String())
	n.publish(ctx, changefeed.KindReferral, r.ReferredUserID, r.ID.String())
	return nil
}

// AssignReferredUser publishes for the newly bound user.
func (n *Notifying) AssignReferredUser(ctx context.Context, refID id.ReferralID, userID string, at time.Time) error {
	if err := n.Store.AssignReferredUser(ctx, refID, userID, at); err != nil {
		return err
	}
	n.publish(ctx, changefeed.KindReferral, userID, refID.String())
	return nil
}
