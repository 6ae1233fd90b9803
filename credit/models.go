// Package credit defines the append-only credit ledger.
package credit

import (
	"strconv"
	"time"

	"github.com/xraph/tally/id"
)

// Type classifies a ledger entry.
type Type string

const (
	TypeGrant   Type = "grant"
	TypeConsume Type = "consume"
	TypeAdjust  Type = "adjust"
)

// Metadata keys written by the accountant.
const (
	MetaRequested = "requested"
	MetaEventID   = "event_id"
	MetaReverses  = "reverses"
)

// Meta is the balance snapshot taken when the entry was written.
type Meta struct {
	Prev int64 `json:"prev"`
	Next int64 `json:"next"`
}

// Entry is one immutable balance-affecting operation. Amount is signed and
// always equals Meta.Next - Meta.Prev.
type Entry struct {
	ID             id.CreditEntryID  `json:"id"`
	UserID         string            `json:"user_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Amount         int64             `json:"amount"`
	Type           Type              `json:"type"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Meta           Meta              `json:"meta"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Requested returns the amount the caller asked for, which differs from
// Amount when a grant was truncated by the rollover limit.
func (e *Entry) Requested() int64 {
	if v, ok := e.Metadata[MetaRequested]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return e.Amount
}

// ListOpts controls ledger history queries.
type ListOpts struct {
	Type   Type
	Limit  int
	Offset int
}
