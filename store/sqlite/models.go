package sqlite

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

	ID                     string            `grove:"id,pk"`
	UserID                 string            `grove:"user_id"`
	ProviderSubscriptionID string            `grove:"provider_subscription_id"`
	CustomerID             string            `grove:"customer_id"`
	Status                 string            `grove:"status"`
	CurrentPeriodEnd       *time.Time        `grove:"current_period_end"`
	TrialEndsAt            *time.Time        `grove:"trial_ends_at"`
	CancelAt               *time.Time        `grove:"cancel_at"`
	CanceledAt             *time.Time        `grove:"canceled_at"`
	ProductID              string            `grove:"product_id"`
	PriceID                string            `grove:"price_id"`
	PlanCode               string            `grove:"plan_code"`
	Seats                  int               `grove:"seats"`
	Metadata               map[string]string `grove:"metadata,type:json"`
	CreditsGrantPerPeriod  int64             `grove:"credits_grant_per_period"`
	CreditsRolloverLimit   int64             `grove:"credits_rollover_limit"`
	CreditsBalance         int64             `grove:"credits_balance"`
	LastGrantCursor        string            `grove:"last_grant_cursor"`
	CreatedAt              time.Time         `grove:"created_at"`
	UpdatedAt              time.Time         `grove:"updated_at"`
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
			CurrentPeriodEnd:       m.CurrentPeriodEnd,
			TrialEndsAt:            m.TrialEndsAt,
			CancelAt:               m.CancelAt,
			CanceledAt:             m.CanceledAt,
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

// ==================== Credit entry models ====================

type creditEntryModel struct {
	grove.BaseModel `grove:"table:tally_credit_entries"`

	ID             string            `grove:"id,pk"`
	UserID         string            `grove:"user_id"`
	SubscriptionID string            `grove:"subscription_id"`
	Amount         int64             `grove:"amount"`
	Type           string            `grove:"type"`
	Reason         string            `grove:"reason"`
	IdempotencyKey string            `grove:"idempotency_key"`
	PrevBalance    int64             `grove:"prev_balance"`
	NextBalance    int64             `grove:"next_balance"`
	Metadata       map[string]string `grove:"metadata,type:json"`
	CreatedAt      time.Time         `grove:"created_at"`
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
		CreatedAt:      m.CreatedAt,
	}, nil
}
