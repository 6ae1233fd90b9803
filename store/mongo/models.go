package mongo

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tally_subscriptions"`

	ID                     string            `grove:"id,pk"                    bson:"_id"`
	UserID                 string            `grove:"user_id"                  bson:"user_id"`
	ProviderSubscriptionID string            `grove:"provider_subscription_id" bson:"provider_subscription_id"`
	CustomerID             string            `grove:"customer_id"              bson:"customer_id"`
	Status                 string            `grove:"status"                   bson:"status"`
	CurrentPeriodEnd       *time.Time        `grove:"current_period_end"       bson:"current_period_end,omitempty"`
	TrialEndsAt            *time.Time        `grove:"trial_ends_at"            bson:"trial_ends_at,omitempty"`
	CancelAt               *time.Time        `grove:"cancel_at"                bson:"cancel_at,omitempty"`
	CanceledAt             *time.Time        `grove:"canceled_at"              bson:"canceled_at,omitempty"`
	ProductID              string            `grove:"product_id"               bson:"product_id"`
	PriceID                string            `grove:"price_id"                 bson:"price_id"`
	PlanCode               string            `grove:"plan_code"                bson:"plan_code"`
	Seats                  int               `grove:"seats"                    bson:"seats"`
	Metadata               map[string]string `grove:"metadata"                 bson:"metadata,omitempty"`
	CreditsGrantPerPeriod  int64             `grove:"credits_grant_per_period" bson:"credits_grant_per_period"`
	CreditsRolloverLimit   int64             `grove:"credits_rollover_limit"   bson:"credits_rollover_limit"`
	CreditsBalance         int64             `grove:"credits_balance"          bson:"credits_balance"`
	LastGrantCursor        string            `grove:"last_grant_cursor"        bson:"last_grant_cursor"`
	CreatedAt              time.Time         `grove:"created_at"               bson:"created_at"`
	UpdatedAt              time.Time         `grove:"updated_at"               bson:"updated_at"`
}

func toSubscriptionModel(r *subscription.Record) *subscriptionModel {
	return &subscriptionModel{
		ID:                     r.ID.String(),
		UserID:                 r.UserID,
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		CustomerID:             r.CustomerID,
		Status:                 string(r.Status),
		CurrentPeriodEnd:       r.CurrentPeriodEnd,
		TrialEndsAt:            r.TrialEndsAt,
		CancelAt:               r.CancelAt,
		CanceledAt:             r.CanceledAt,
		ProductID:              r.ProductID,
		PriceID:                r.PriceID,
		PlanCode:               r.PlanCode,
		Seats:                  r.Seats,
		Metadata:               r.Metadata,
		CreditsGrantPerPeriod:  r.CreditsGrantPerPeriod,
		CreditsRolloverLimit:   r.CreditsRolloverLimit,
		CreditsBalance:         r.CreditsBalance,
		LastGrantCursor:        r.LastGrantCursor,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Record, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	return &subscription.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Snapshot: subscription.Snapshot{
			ProviderSubscriptionID: m.ProviderSubscriptionID,
			CustomerID:             m.CustomerID,
			Status:                 subscription.Status(m.Status),
			CurrentPeriodEnd:       utcPtr(m.CurrentPeriodEnd),
			TrialEndsAt:            utcPtr(m.TrialEndsAt),
			CancelAt:               utcPtr(m.CancelAt),
			CanceledAt:             utcPtr(m.CanceledAt),
			ProductID:              m.ProductID,
			PriceID:                m.PriceID,
			PlanCode:               m.PlanCode,
			Seats:                  m.Seats,
			Metadata:               m.Metadata,
		},
		ID:                    subID,
		UserID:                m.UserID,
		CreditsGrantPerPeriod: m.CreditsGrantPerPeriod,
		CreditsRolloverLimit:  m.CreditsRolloverLimit,
		CreditsBalance:        m.CreditsBalance,
		LastGrantCursor:       m.LastGrantCursor,
	}, nil
}

// snapshotFields is the $set document for a reconciler snapshot patch.
func snapshotFields(snap *subscription.Snapshot) map[string]any {
	return map[string]any{
		"provider_subscription_id": snap.ProviderSubscriptionID,
		"customer_id":              snap.CustomerID,
		"status":                   string(snap.Status),
		"current_period_end":       snap.CurrentPeriodEnd,
		"trial_ends_at":            snap.TrialEndsAt,
		"cancel_at":                snap.CancelAt,
		"canceled_at":              snap.CanceledAt,
		"product_id":               snap.ProductID,
		"price_id":                 snap.PriceID,
		"plan_code":                snap.PlanCode,
		"seats":                    snap.Seats,
		"metadata":                 snap.Metadata,
	}
}

// ==================== Credit entry models ====================

type creditEntryModel struct {
	grove.BaseModel `grove:"table:tally_credit_entries"`

	ID             string            `grove:"id,pk"           bson:"_id"`
	UserID         string            `grove:"user_id"         bson:"user_id"`
	SubscriptionID string            `grove:"subscription_id" bson:"subscription_id"`
	Amount         int64             `grove:"amount"          bson:"amount"`
	Type           string            `grove:"type"            bson:"type"`
	Reason         string            `grove:"reason"          bson:"reason,omitempty"`
	IdempotencyKey string            `grove:"idempotency_key" bson:"idempotency_key,omitempty"`
	PrevBalance    int64             `grove:"prev_balance"    bson:"prev_balance"`
	NextBalance    int64             `grove:"next_balance"    bson:"next_balance"`
	Metadata       map[string]string `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time         `grove:"created_at"      bson:"created_at"`
}

func toCreditEntryModel(e *credit.Entry) *creditEntryModel {
	return &creditEntryModel{
		ID:             e.ID.String(),
		UserID:         e.UserID,
		SubscriptionID: e.SubscriptionID.String(),
		Amount:         e.Amount,
		Type:           string(e.Type),
		Reason:         e.Reason,
		IdempotencyKey: e.IdempotencyKey,
		PrevBalance:    e.Meta.Prev,
		NextBalance:    e.Meta.Next,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
	}
}

func fromCreditEntryModel(m *creditEntryModel) (*credit.Entry, error) {
	entryID, err := id.ParseCreditEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &credit.Entry{
		ID:             entryID,
		UserID:         m.UserID,
		SubscriptionID: subID,
		Amount:         m.Amount,
		Type:           credit.Type(m.Type),
		Reason:         m.Reason,
		IdempotencyKey: m.IdempotencyKey,
		Meta:           credit.Meta{Prev: m.PrevBalance, Next: m.NextBalance},
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// utcPtr normalizes BSON datetimes, which decode in local time.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
