package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "tally_subscriptions"
	colReferrals     = "tally_referrals"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", tally.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if _, err := s.mdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) GetLatestSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.liveSubscription(ctx, bson.M{"user_id": userID, "deleted_at": nil})
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscription.Subscription, error) {
	return s.liveSubscription(ctx, bson.M{"external_subscription_id": externalSubscriptionID, "deleted_at": nil})
}

func (s *Store) liveSubscription(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var models []subscriptionModel
	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: find subscription: %w", err)
	}
	if len(models) == 0 {
		return nil, tally.ErrSubscriptionNotFound
	}
	return fromSubscriptionModel(&models[0])
}

func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Linked() {
		existing, err := s.GetSubscriptionByExternalID(ctx, sub.ExternalSubscriptionID)
		switch {
		case err == nil:
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
		case !errors.Is(err, tally.ErrSubscriptionNotFound):
			return err
		}
	}

	m := toSubscriptionModel(sub)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "deleted_at": nil}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() > 0 {
		return nil
	}

	if _, err := s.GetSubscription(ctx, sub.ID); err == nil {
		return tally.ErrSubscriptionNotFound
	} else if !errors.Is(err, tally.ErrSubscriptionNotFound) {
		return err
	}
	return s.CreateSubscription(ctx, sub)
}

func (s *Store) TouchSubscriptionSync(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		Set("last_api_sync", at.UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: touch subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) SoftDeleteSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error) {
	at = at.UTC()
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"user_id": userID, "deleted_at": nil}).
		Set("status", string(subscription.StatusCanceled)).
		Set("deleted_at", at).
		Set("updated_at", at).
		Many().
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: soft delete subscriptions: %w", err)
	}
	return res.ModifiedCount(), nil
}

// ==================== Referral Store ====================

func (s *Store) CreateReferral(ctx context.Context, r *referral.Referral) error {
	if _, err := s.mdb.NewInsert(toReferralModel(r)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, refID id.ReferralID) (*referral.Referral, error) {
	return s.referralWhere(ctx, bson.M{"_id": refID.String()})
}

func (s *Store) GetReferralByCode(ctx context.Context, code string) (*referral.Referral, error) {
	return s.referralWhere(ctx, bson.M{"referral_code": code})
}

func (s *Store) referralWhere(ctx context.Context, filter bson.M) (*referral.Referral, error) {
	var m referralModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrReferralNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get referral: %w", err)
	}
	return fromReferralModel(&m)
}

func (s *Store) ListReferrals(ctx context.Context, opts referral.ListOpts) ([]*referral.Referral, error) {
	filter := bson.M{}
	if opts.ReferrerUserID != "" {
		filter["referrer_user_id"] = opts.ReferrerUserID
	}
	if opts.ReferredUserID != "" {
		filter["referred_user_id"] = opts.ReferredUserID
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if opts.InFlightOnly {
		filter["in_flight"] = bson.M{"$ne": ""}
	}
	if !opts.InFlightBefore.IsZero() {
		filter["in_flight_at"] = bson.M{"$lt": opts.InFlightBefore.UTC()}
	}

	var models []referralModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list referrals: %w", err)
	}

	result := make([]*referral.Referral, len(models))
	for i := range models {
		r, err := fromReferralModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) AssignReferredUser(ctx context.Context, refID id.ReferralID, userID string, at time.Time) error {
	res, err := s.mdb.NewUpdate((*referralModel)(nil)).
		Filter(bson.M{
			"_id":              refID.String(),
			"referred_user_id": "",
			"status":           string(referral.StatusPending),
		}).
		Set("referred_user_id", userID).
		Set("updated_at", at.UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: assign referred user: %w", err)
	}
	return s.settle(ctx, res.MatchedCount(), refID, tally.ErrReferralTaken)
}

// ClaimTransition sets the in-flight marker with findOneAndUpdate so the
// precondition check and the write are one atomic document operation.
func (s *Store) ClaimTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, at time.Time) (*referral.Referral, error) {
	filter := bson.M{"_id": refID.String(), "in_flight": ""}
	set := bson.M{"in_flight": string(t), "in_flight_at": at.UTC(), "in_flight_target": ""}

	switch t {
	case referral.TransitionReward:
		filter["status"] = string(referral.StatusCompleted)
		filter["discount_applied"] = false
		set["discount_applied"] = true
	case referral.TransitionRevert:
		filter["status"] = string(referral.StatusRewarded)
	case referral.TransitionRestore:
		filter["status"] = string(referral.StatusCompleted)
		filter["discount_applied"] = true
	default:
		if _, err := s.GetReferral(ctx, refID); err != nil {
			return nil, err
		}
		return nil, tally.ErrTransitionConflict
	}

	var m referralModel
	err := s.mdb.Collection(colReferrals).
		FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return nil, fmt.Errorf("tally/mongo: claim transition: %w", err)
		}
		if _, err := s.GetReferral(ctx, refID); err != nil {
			return nil, err
		}
		return nil, tally.ErrTransitionConflict
	}
	return fromReferralModel(&m)
}

func (s *Store) TargetTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, target string) error {
	if t == referral.TransitionNone || target == "" {
		return tally.ErrTransitionConflict
	}
	res, err := s.mdb.NewUpdate((*referralModel)(nil)).
		Filter(bson.M{
			"_id":              refID.String(),
			"in_flight":        string(t),
			"in_flight_target": bson.M{"$in": bson.A{"", target}},
		}).
		Set("in_flight_target", target).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: target transition: %w", err)
	}
	return s.settle(ctx, res.MatchedCount(), refID, tally.ErrTransitionConflict)
}

func (s *Store) CommitTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error {
	m := toReferralModel(r)
	filter := bson.M{"_id": m.ID}
	if t.Monetary() {
		filter["in_flight"] = string(t)
	} else {
		filter["status"] = string(referral.StatusPending)
		filter["in_flight"] = ""
	}
	res, err := s.mdb.NewUpdate(m).Filter(filter).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: commit transition: %w", err)
	}
	return s.settle(ctx, res.MatchedCount(), r.ID, tally.ErrTransitionConflict)
}

func (s *Store) ReleaseTransition(ctx context.Context, refID id.ReferralID, t referral.Transition) error {
	if t == referral.TransitionNone {
		return tally.ErrTransitionConflict
	}
	q := s.mdb.NewUpdate((*referralModel)(nil)).
		Filter(bson.M{"_id": refID.String(), "in_flight": string(t)}).
		Set("in_flight", "").
		Set("in_flight_at", nil).
		Set("in_flight_target", "")
	if t == referral.TransitionReward {
		q = q.Set("discount_applied", false)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: release transition: %w", err)
	}
	return s.settle(ctx, res.MatchedCount(), refID, tally.ErrTransitionConflict)
}

func (s *Store) settle(ctx context.Context, matched int64, refID id.ReferralID, conflict error) error {
	if matched > 0 {
		return nil
	}
	if _, err := s.GetReferral(ctx, refID); err != nil {
		return err
	}
	return conflict
}

// ==================== Helpers ====================

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys: bson.D{{Key: "external_subscription_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
					"external_subscription_id": bson.M{"$gt": ""},
					"deleted_at":               bson.M{"$type": "null"},
				}),
			},
		},
		colReferrals: {
			{
				Keys:    bson.D{{Key: "referral_code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "referrer_user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "referred_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "in_flight", Value: 1}, {Key: "in_flight_at", Value: 1}}},
		},
	}
}
