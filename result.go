package tally

import "github.com/xraph/tally/id"

// Reason is a machine-readable tag explaining a skipped or rejected
// operation. Reasons are routine outcomes, not errors.
type Reason string

const (
	ReasonDuplicate            Reason = "duplicate"
	ReasonCursorMatch          Reason = "cursor_match"
	ReasonNotEntitled          Reason = "not_entitled"
	ReasonZeroGrant            Reason = "zero_grant"
	ReasonSubscriptionNotFound Reason = "subscription_not_found"
	ReasonInvalidAmount        Reason = "invalid_amount"
	ReasonIdempotentReplay     Reason = "idempotent_replay"
	ReasonIdempotencyConflict  Reason = "idempotency_key_conflict"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonInsufficientCredits  Reason = "insufficient_credits"
	ReasonNoOwner              Reason = "no_owner"
	ReasonNoSnapshot           Reason = "no_snapshot"
	ReasonNoSubscriptionRef    Reason = "no_subscription_ref"
	ReasonInvalidEvent         Reason = "invalid_event"
	ReasonUnknownShape         Reason = "unknown_shape"
)

// ReconcileResult describes what a billing event did to the subscription
// records.
type ReconcileResult struct {
	Skipped        bool              `json:"skipped,omitempty"`
	Reason         Reason            `json:"reason,omitempty"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UserID         string            `json:"user_id,omitempty"`
	Resolution     ResolutionKind    `json:"resolution,omitempty"`
	Created        bool              `json:"created,omitempty"`
	// GrantKey is set when the event makes a periodic grant due.
	GrantKey string `json:"grant_key,omitempty"`
	// Duplicates lists every record id involved when divergence was
	// detected.
	Duplicates []id.SubscriptionID `json:"duplicates,omitempty"`
}

// GrantResult is the outcome of GrantIfNeeded.
type GrantResult struct {
	OK             bool              `json:"ok"`
	Skipped        bool              `json:"skipped,omitempty"`
	Reason         Reason            `json:"reason,omitempty"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Granted        int64             `json:"granted"`
	Balance        int64             `json:"balance"`
}

// ConsumeResult is the outcome of Consume.
type ConsumeResult struct {
	OK             bool              `json:"ok"`
	Replayed       bool              `json:"replayed,omitempty"`
	Reason         Reason            `json:"reason,omitempty"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Balance        int64             `json:"balance"`
}

// AdjustResult is the outcome of Adjust.
type AdjustResult struct {
	OK       bool   `json:"ok"`
	Replayed bool   `json:"replayed,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
	Balance  int64  `json:"balance"`
}

// ProcessResult combines reconciliation and the grant it triggered.
type ProcessResult struct {
	Dropped   bool             `json:"dropped,omitempty"`
	Reason    Reason           `json:"reason,omitempty"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
	Grant     *GrantResult     `json:"grant,omitempty"`
}
