package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
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
		return fmt.Errorf("tally/postgres: migration failed: %w", err)
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

func (s *Store) CreateSubscription(ctx context.Context, r *subscription.Record) error {
	m := toSubscriptionModel(r)
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("tally/postgres: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/postgres: get subscription: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Record, error) {
	if providerSubscriptionID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("provider_subscription_id = $1", providerSubscriptionID).
		OrderExpr("updated_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/postgres: get subscription by provider id: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptionsByOwner(ctx context.Context, userID string) ([]*subscription.Record, error) {
	var models []subscriptionModel
	err := s.pg.NewSelect(&models).
		Where("user_id = $1", userID).
		OrderExpr("updated_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: list subscriptions: %w", err)
	}

	result := make([]*subscription.Record, len(models))
	for i := range models {
		r, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) PatchSubscription(ctx context.Context, subID id.SubscriptionID, p subscription.Patch) error {
	t := now()
	q := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("credits_grant_per_period = $1", p.Credits.GrantPerPeriod).
		Set("credits_rollover_limit = $2", p.Credits.RolloverLimit).
		Set("updated_at = $3", t).
		Where("id = $4", subID.String())

	switch {
	case p.Snapshot != nil:
		snap := p.Snapshot
		q = q.
			Set("provider_subscription_id = $5", snap.ProviderSubscriptionID).
			Set("customer_id = $6", snap.CustomerID).
			Set("status = $7", string(snap.Status)).
			Set("current_period_end = $8", snap.CurrentPeriodEnd).
			Set("trial_ends_at = $9", snap.TrialEndsAt).
			Set("cancel_at = $10", snap.CancelAt).
			Set("canceled_at = $11", snap.CanceledAt).
			Set("product_id = $12", snap.ProductID).
			Set("price_id = $13", snap.PriceID).
			Set("plan_code = $14", snap.PlanCode).
			Set("seats = $15", snap.Seats).
			Set("metadata = $16::jsonb", encodeMetadata(snap.Metadata))
	case p.ProviderSubscriptionID != "":
		q = q.Set("provider_subscription_id = $5", p.ProviderSubscriptionID)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: patch subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrSubscriptionNotFound
	}
	return nil
}

// ApplyBalance is a single conditional UPDATE; zero affected rows means the
// balance moved since it was read, or the record is gone.
func (s *Store) ApplyBalance(ctx context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error {
	q := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("credits_balance = $1", next).
		Set("updated_at = $2", now())
	if cursor != nil {
		q = q.Set("last_grant_cursor = $3", *cursor).
			Where("id = $4", subID.String()).
			Where("credits_balance = $5", expected)
	} else {
		q = q.Where("id = $3", subID.String()).
			Where("credits_balance = $4", expected)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: apply balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.balanceMiss(ctx, subID)
	}
	return nil
}

func (s *Store) balanceMiss(ctx context.Context, subID id.SubscriptionID) error {
	if _, err := s.GetSubscription(ctx, subID); err != nil {
		return err
	}
	return tally.ErrBalanceConflict
}

// ==================== Credit Store ====================

func (s *Store) InsertEntry(ctx context.Context, e *credit.Entry) error {
	m := toCreditEntryModel(e)
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	res, err := s.pg.NewInsert(m).
		OnConflict("(idempotency_key) WHERE idempotency_key != '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: insert entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrDuplicateEntry
	}
	return nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, key string) (*credit.Entry, error) {
	if key == "" {
		return nil, tally.ErrEntryNotFound
	}
	m := new(creditEntryModel)
	err := s.pg.NewSelect(m).
		Where("idempotency_key = $1", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, fmt.Errorf("tally/postgres: get entry: %w", err)
	}
	return fromCreditEntryModel(m)
}

func (s *Store) ListEntries(ctx context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error) {
	var models []creditEntryModel
	q := s.pg.NewSelect(&models).Where("subscription_id = $1", subID.String())

	if opts.Type != "" {
		q = q.Where("type = $2", string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/postgres: list entries: %w", err)
	}

	result := make([]*credit.Entry, len(models))
	for i := range models {
		e, err := fromCreditEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) SumEntries(ctx context.Context, subID id.SubscriptionID) (int64, error) {
	var total int64
	err := s.pg.NewRaw(`
		SELECT COALESCE(SUM(amount), 0) FROM tally_credit_entries
		WHERE subscription_id = $1
	`, subID.String()).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("tally/postgres: sum entries: %w", err)
	}
	return total, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// encodeMetadata renders metadata for raw SET clauses, which bypass the
// model's column type.
func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m) //nolint:errcheck // map[string]string always marshals
	return string(b)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
