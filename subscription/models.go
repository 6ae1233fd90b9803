package subscription

import (
	"sort"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Status is the provider lifecycle label of a subscription. It is free text;
// the constants below are the values Tally reasons about.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusUnpaid     Status = "unpaid"
	StatusCanceled   Status = "canceled"
	StatusRevoked    Status = "revoked"
	StatusPaused     Status = "paused"
)

// EntitledStatuses is the single set of statuses that grant access to
// metered features. Grant, consume and entitlement checks all use it.
var EntitledStatuses = map[Status]bool{
	StatusActive:   true,
	StatusTrialing: true,
}

// IsEntitled reports whether the status is in EntitledStatuses.
func (s Status) IsEntitled() bool {
	return EntitledStatuses[s]
}

// Snapshot is the provider-owned part of a record. The reconciler replaces it
// wholesale on every subscription event.
type Snapshot struct {
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
	CustomerID             string            `json:"customer_id,omitempty"`
	Status                 Status            `json:"status"`
	CurrentPeriodEnd       *time.Time        `json:"current_period_end,omitempty"`
	TrialEndsAt            *time.Time        `json:"trial_ends_at,omitempty"`
	CancelAt               *time.Time        `json:"cancel_at,omitempty"`
	CanceledAt             *time.Time        `json:"canceled_at,omitempty"`
	ProductID              string            `json:"product_id,omitempty"`
	PriceID                string            `json:"price_id,omitempty"`
	PlanCode               string            `json:"plan_code,omitempty"`
	Seats                  int               `json:"seats,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// Record is the single mutable row held per paying user. Snapshot fields are
// written by the reconciler; CreditsBalance and LastGrantCursor are written
// only by the credit accountant.
type Record struct {
	types.Entity
	Snapshot

	ID     id.SubscriptionID `json:"id"`
	UserID string            `json:"user_id"`

	CreditsGrantPerPeriod int64  `json:"credits_grant_per_period"`
	CreditsRolloverLimit  int64  `json:"credits_rollover_limit"`
	CreditsBalance        int64  `json:"credits_balance"`
	LastGrantCursor       string `json:"last_grant_cursor,omitempty"`
}

// IsEntitled reports whether the record's status is in the entitled set.
func (r *Record) IsEntitled() bool {
	return r.Status.IsEntitled()
}

// EntitledAt reports whether the record grants access at the given instant:
// an entitled status and a period end that is unset or strictly after now.
func (r *Record) EntitledAt(now time.Time) bool {
	if !r.IsEntitled() {
		return false
	}
	return r.CurrentPeriodEnd == nil || r.CurrentPeriodEnd.After(now)
}

// CreditConfig is the per-record grant configuration.
type CreditConfig struct {
	GrantPerPeriod int64 `json:"grant_per_period"`
	RolloverLimit  int64 `json:"rollover_limit"`
}

// Credits returns the record's grant configuration.
func (r *Record) Credits() CreditConfig {
	return CreditConfig{
		GrantPerPeriod: r.CreditsGrantPerPeriod,
		RolloverLimit:  r.CreditsRolloverLimit,
	}
}

// IsZero reports whether no grant configuration was set.
func (c CreditConfig) IsZero() bool {
	return c.GrantPerPeriod == 0 && c.RolloverLimit == 0
}

// Patch is the reconciler's update to an existing record. It deliberately has
// no balance or cursor fields.
type Patch struct {
	// Snapshot replaces the provider-owned fields when non-nil.
	Snapshot *Snapshot
	// ProviderSubscriptionID relinks the record without touching lifecycle
	// fields. Ignored when Snapshot is set.
	ProviderSubscriptionID string
	Credits                CreditConfig
}

// Primary picks the record that owner-scoped operations act on: the most
// recently updated entitled record, else the most recently updated one.
// Returns nil for an empty slice.
func Primary(records []*Record) *Record {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]*Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	for _, r := range sorted {
		if r.IsEntitled() {
			return r
		}
	}
	return sorted[0]
}
