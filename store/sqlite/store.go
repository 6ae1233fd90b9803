package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/sqlite: migration failed: %w", err)
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
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("tally/sqlite: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/sqlite: get subscription: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Record, error) {
	if providerSubscriptionID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		OrderExpr("updated_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/sqlite: get subscription by provider id: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptionsByOwner(ctx context.Context, userID string) ([]*subscription.Record, error) {
	var models []subscriptionModel
	err := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID).
		OrderExpr("updated_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/sqlite: list subscriptions: %w", err)
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
	q := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("credits_grant_per_period = ?", p.Credits.GrantPerPeriod).
		Set("credits_rollover_limit = ?", p.Credits.RolloverLimit).
		Set("updated_at = ?", t)

	switch {
	case p.Snapshot != nil:
		snap := p.Snapshot
		q = q.
			Set("provider_subscription_id = ?", snap.ProviderSubscriptionID).
			Set("customer_id = ?", snap.CustomerID).
			Set("status = ?", string(snap.Status)).
			Set("current_period_end = ?", snap.CurrentPeriodEnd).
			Set("trial_ends_at = ?", snap.TrialEndsAt).
			Set("cancel_at = ?", snap.CancelAt).
			Set("canceled_at = ?", snap.CanceledAt).
			Set("product_id = ?", snap.ProductID).
			Set("price_id = ?", snap.PriceID).
			Set("plan_code = ?", snap.PlanCode).
			Set("seats = ?", snap.Seats).
			Set("metadata = ?", encodeMetadata(snap.Metadata))
	case p.ProviderSubscriptionID != "":
		q = q.Set("provider_subscription_id = ?", p.ProviderSubscriptionID)
	}
	q = q.Where("id = ?", subID.String())

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: patch subscription: %w", err)
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

// ApplyBalance relies on SQLite serializing writers; the WHERE clause on the
// current balance is the compare half of the swap.
func (s *Store) ApplyBalance(ctx context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error {
	q := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("credits_balance = ?", next).
		Set("updated_at = ?", now())
	if cursor != nil {
		q = q.Set("last_grant_cursor = ?", *cursor)
	}
	q = q.Where("id = ?", subID.String()).
		Where("credits_balance = ?", expected)

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: apply balance: %w", err)
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
	res, err := s.sdb.NewInsert(m).
		OnConflict("(idempotency_key) WHERE idempotency_key != '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: insert entry: %w", err)
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
	err := s.sdb.NewSelect(m).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, fmt.Errorf("tally/sqlite: get entry: %w", err)
	}
	return fromCreditEntryModel(m)
}

func (s *Store) ListEntries(ctx context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error) {
	var models []creditEntryModel
	q := s.sdb.NewSelect(&models).Where("subscription_id = ?", subID.String())

	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/sqlite: list entries: %w", err)
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
	err := s.sdb.NewRaw(`
		SELECT COALESCE(SUM(amount), 0) FROM tally_credit_entries
		WHERE subscription_id = ?
	`, subID.String()).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("tally/sqlite: sum entries: %w", err)
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
