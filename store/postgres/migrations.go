package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tally store.
var Migrations = migrate.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tally_subscriptions",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_subscriptions (
    id                       TEXT PRIMARY KEY,
    user_id                  TEXT NOT NULL,
    status                   TEXT NOT NULL DEFAULT 'none',
    external_client_id       TEXT NOT NULL DEFAULT '',
    external_subscription_id TEXT NOT NULL DEFAULT '',
    payment_method           TEXT NOT NULL DEFAULT '',
    cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
    current_period_end       TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    last_api_sync            TIMESTAMPTZ,
    deleted_at               TIMESTAMPTZ,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_subs_user ON tally_subscriptions (user_id, created_at DESC)
    WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_subs_external ON tally_subscriptions (external_subscription_id)
    WHERE deleted_at IS NULL AND external_subscription_id <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_referrals",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_referrals (
    id                    TEXT PRIMARY KEY,
    referrer_user_id      TEXT NOT NULL,
    referred_user_id      TEXT NOT NULL DEFAULT '',
    referral_code         TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    discount_amount       BIGINT NOT NULL DEFAULT 0,
    discount_currency     TEXT NOT NULL DEFAULT 'eur',
    discount_applied      BOOLEAN NOT NULL DEFAULT FALSE,
    applied_to_invoice_id TEXT NOT NULL DEFAULT '',
    completed_at          TIMESTAMPTZ,
    rewarded_at           TIMESTAMPTZ,
    in_flight             TEXT NOT NULL DEFAULT '',
    in_flight_at          TIMESTAMPTZ,
    cycle                 INT NOT NULL DEFAULT 0,
    last_transaction_id   TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_referrals_code ON tally_referrals (referral_code);
CREATE INDEX IF NOT EXISTS idx_tally_referrals_referrer ON tally_referrals (referrer_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tally_referrals_referred ON tally_referrals (referred_user_id);
CREATE INDEX IF NOT EXISTS idx_tally_referrals_in_flight ON tally_referrals (in_flight_at)
    WHERE in_flight <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_referrals`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_tally_referrals_in_flight_target",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE tally_referrals ADD COLUMN in_flight_target TEXT NOT NULL DEFAULT ''`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE tally_referrals DROP COLUMN in_flight_target`)
				return err
			},
		},
	)
}
