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
    provider_subscription_id TEXT NOT NULL DEFAULT '',
    customer_id              TEXT NOT NULL DEFAULT '',
    status                   TEXT NOT NULL DEFAULT '',
    current_period_end       TIMESTAMPTZ,
    trial_ends_at            TIMESTAMPTZ,
    cancel_at                TIMESTAMPTZ,
    canceled_at              TIMESTAMPTZ,
    product_id               TEXT NOT NULL DEFAULT '',
    price_id                 TEXT NOT NULL DEFAULT '',
    plan_code                TEXT NOT NULL DEFAULT '',
    seats                    INT NOT NULL DEFAULT 0,
    metadata                 JSONB NOT NULL DEFAULT '{}',
    credits_grant_per_period BIGINT NOT NULL DEFAULT 0,
    credits_rollover_limit   BIGINT NOT NULL DEFAULT 0,
    credits_balance          BIGINT NOT NULL DEFAULT 0,
    last_grant_cursor        TEXT NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_subs_user ON tally_subscriptions (user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_tally_subs_provider ON tally_subscriptions (provider_subscription_id, updated_at DESC) WHERE provider_subscription_id != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_credit_entries",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_credit_entries (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    subscription_id TEXT NOT NULL,
    amount          BIGINT NOT NULL,
    type            TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    prev_balance    BIGINT NOT NULL DEFAULT 0,
    next_balance    BIGINT NOT NULL DEFAULT 0,
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_entries_sub ON tally_credit_entries (subscription_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tally_entries_user ON tally_credit_entries (user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_entries_idempotency ON tally_credit_entries (idempotency_key) WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_credit_entries`)
				return err
			},
		},
	)
}
