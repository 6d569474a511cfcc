package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", tally.ErrMigrationFailed, err)
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
	_, err := s.pg.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return writeErr(err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetLatestSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.liveSubscription(ctx, "user_id = $1", userID)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscription.Subscription, error) {
	return s.liveSubscription(ctx, "external_subscription_id = $1", externalSubscriptionID)
}

func (s *Store) liveSubscription(ctx context.Context, where string, arg string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where(where, arg).
		Where("deleted_at IS NULL").
		OrderExpr("created_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

// UpsertSubscription updates the live row sharing the external subscription
// id, or inserts the record when there is none. A soft-deleted row is never
// revived.
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
	res, err := s.pg.NewUpdate(m).
		WherePK().
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return writeErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.GetSubscription(ctx, sub.ID); err == nil {
		return tally.ErrSubscriptionNotFound
	} else if !errors.Is(err, tally.ErrSubscriptionNotFound) {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	return writeErr(err)
}

func (s *Store) TouchSubscriptionSync(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("last_api_sync = ?", at.UTC()).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tally.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) SoftDeleteSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error) {
	at = at.UTC()
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("status = ?", string(subscription.StatusCanceled)).
		Set("deleted_at = ?", at).
		Set("updated_at = ?", at).
		Where("user_id = ?", userID).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Referral Store ====================

func (s *Store) CreateReferral(ctx context.Context, r *referral.Referral) error {
	_, err := s.pg.NewInsert(toReferralModel(r)).Exec(ctx)
	return writeErr(err)
}

func (s *Store) GetReferral(ctx context.Context, refID id.ReferralID) (*referral.Referral, error) {
	return s.referralWhere(ctx, "id = $1", refID.String())
}

func (s *Store) GetReferralByCode(ctx context.Context, code string) (*referral.Referral, error) {
	return s.referralWhere(ctx, "referral_code = $1", code)
}

func (s *Store) referralWhere(ctx context.Context, where string, arg string) (*referral.Referral, error) {
	m := new(referralModel)
	err := s.pg.NewSelect(m).Where(where, arg).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrReferralNotFound
		}
		return nil, err
	}
	return fromReferralModel(m)
}

func (s *Store) ListReferrals(ctx context.Context, opts referral.ListOpts) ([]*referral.Referral, error) {
	var models []referralModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.ReferrerUserID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("referrer_user_id = $%d", argIdx), opts.ReferrerUserID)
	}
	if opts.ReferredUserID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("referred_user_id = $%d", argIdx), opts.ReferredUserID)
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		argIdx++
		q = q.WhereArray("status", "= ANY", statuses)
	}
	if opts.InFlightOnly {
		q = q.Where("in_flight <> ''")
	}
	if !opts.InFlightBefore.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("in_flight_at < $%d", argIdx), opts.InFlightBefore.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.pg.NewUpdate((*referralModel)(nil)).
		Set("referred_user_id = ?", userID).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", refID.String()).
		Where("referred_user_id = ''").
		Where("status = ?", string(referral.StatusPending)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return s.settle(ctx, res, refID, tally.ErrReferralTaken)
}

// ClaimTransition marks a monetary transition in flight with a single
// conditional UPDATE. The WHERE clause carries the same preconditions as
// referral.Referral.Can, so of two concurrent claims at most one matches.
func (s *Store) ClaimTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, at time.Time) (*referral.Referral, error) {
	q := s.pg.NewUpdate((*referralModel)(nil)).
		Set("in_flight = ?", string(t)).
		Set("in_flight_at = ?", at.UTC()).
		Set("in_flight_target = ''")

	switch t {
	case referral.TransitionReward:
		q = q.Set("discount_applied = TRUE").
			Where("status = ?", string(referral.StatusCompleted)).
			Where("discount_applied = FALSE")
	case referral.TransitionRevert:
		q = q.Where("status = ?", string(referral.StatusRewarded))
	case referral.TransitionRestore:
		q = q.Where("status = ?", string(referral.StatusCompleted)).
			Where("discount_applied = TRUE")
	default:
		if _, err := s.GetReferral(ctx, refID); err != nil {
			return nil, err
		}
		return nil, tally.ErrTransitionConflict
	}

	res, err := q.Where("id = ?", refID.String()).
		Where("in_flight = ''").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, res, refID, tally.ErrTransitionConflict); err != nil {
		return nil, err
	}
	return s.GetReferral(ctx, refID)
}

// TargetTransition sets the claim's target only while the row holds the
// claim and has no other target.
func (s *Store) TargetTransition(ctx context.Context, refID id.ReferralID, t referral.Transition, target string) error {
	if t == referral.TransitionNone || target == "" {
		return tally.ErrTransitionConflict
	}
	res, err := s.pg.NewUpdate((*referralModel)(nil)).
		Set("in_flight_target = ?", target).
		Where("id = ?", refID.String()).
		Where("in_flight = ?", string(t)).
		Where("in_flight_target IN ('', ?)", target).
		Exec(ctx)
	if err != nil {
		return err
	}
	return s.settle(ctx, res, refID, tally.ErrTransitionConflict)
}

// CommitTransition writes the fired referral back, provided the stored row
// still holds the claim (monetary) or is still pending (complete).
func (s *Store) CommitTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error {
	q := s.pg.NewUpdate(toReferralModel(r)).WherePK()
	if t.Monetary() {
		q = q.Where("in_flight = ?", string(t))
	} else {
		q = q.Where("status = ?", string(referral.StatusPending)).
			Where("in_flight = ''")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	return s.settle(ctx, res, r.ID, tally.ErrTransitionConflict)
}

func (s *Store) ReleaseTransition(ctx context.Context, refID id.ReferralID, t referral.Transition) error {
	if t == referral.TransitionNone {
		return tally.ErrTransitionConflict
	}
	q := s.pg.NewUpdate((*referralModel)(nil)).
		Set("in_flight = ''").
		Set("in_flight_at = NULL").
		Set("in_flight_target = ''")
	if t == referral.TransitionReward {
		q = q.Set("discount_applied = FALSE")
	}
	res, err := q.Where("id = ?", refID.String()).
		Where("in_flight = ?", string(t)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return s.settle(ctx, res, refID, tally.ErrTransitionConflict)
}

// settle turns a conditional UPDATE that matched nothing into either
// ErrReferralNotFound or the supplied conflict error.
func (s *Store) settle(ctx context.Context, res interface{ RowsAffected() (int64, error) }, refID id.ReferralID, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetReferral(ctx, refID); err != nil {
		return err
	}
	return conflict
}

// ==================== Helpers ====================

// isNoRows checks for the standard sql.ErrNoRows sentinel and its pgx twin.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// writeErr maps unique violations to tally.ErrAlreadyExists.
func writeErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return tally.ErrAlreadyExists
	}
	return err
}
