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
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "tally_subscriptions"
	colCreditEntries = "tally_credit_entries"
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
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
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

func (s *Store) CreateSubscription(ctx context.Context, r *subscription.Record) error {
	m := toSubscriptionModel(r)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
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

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Record, error) {
	if providerSubscriptionID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"provider_subscription_id": providerSubscriptionID}).
		Sort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get subscription by provider id: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptionsByOwner(ctx context.Context, userID string) ([]*subscription.Record, error) {
	var models []subscriptionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID}).
		Sort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list subscriptions: %w", err)
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
	set := bson.M{
		"credits_grant_per_period": p.Credits.GrantPerPeriod,
		"credits_rollover_limit":   p.Credits.RolloverLimit,
		"updated_at":               now(),
	}
	switch {
	case p.Snapshot != nil:
		for k, v := range snapshotFields(p.Snapshot) {
			set[k] = v
		}
	case p.ProviderSubscriptionID != "":
		set["provider_subscription_id"] = p.ProviderSubscriptionID
	}

	res, err := s.mdb.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": subID.String()},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("tally/mongo: patch subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrSubscriptionNotFound
	}
	return nil
}

// ApplyBalance matches on the expected balance so the update is a single
// document-level compare-and-swap.
func (s *Store) ApplyBalance(ctx context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error {
	q := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String(), "credits_balance": expected}).
		Set("credits_balance", next).
		Set("updated_at", now())
	if cursor != nil {
		q = q.Set("last_grant_cursor", *cursor)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: apply balance: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetSubscription(ctx, subID); err != nil {
			return err
		}
		return tally.ErrBalanceConflict
	}
	return nil
}

// ==================== Credit Store ====================

func (s *Store) InsertEntry(ctx context.Context, e *credit.Entry) error {
	m := toCreditEntryModel(e)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrDuplicateEntry
		}
		return fmt.Errorf("tally/mongo: insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, key string) (*credit.Entry, error) {
	if key == "" {
		return nil, tally.ErrEntryNotFound
	}
	var m creditEntryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get entry: %w", err)
	}
	return fromCreditEntryModel(&m)
}

func (s *Store) ListEntries(ctx context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error) {
	var models []creditEntryModel

	filter := bson.M{"subscription_id": subID.String()}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list entries: %w", err)
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
	pipeline := bson.A{
		bson.M{"$match": bson.M{"subscription_id": subID.String()}},
		bson.M{
			"$group": bson.M{
				"_id":   nil,
				"total": bson.M{"$sum": "$amount"},
			},
		},
	}

	cursor, err := s.mdb.Collection(colCreditEntries).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: sum entries: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("tally/mongo: sum entries decode: %w", err)
	}

	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tally collections.
// Empty idempotency keys are omitted from documents, so the sparse unique
// index only constrains real keys.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "provider_subscription_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		colCreditEntries: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}
