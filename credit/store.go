package credit

import (
	"context"

	"github.com/xraph/tally/id"
)

// Store persists ledger entries. Implementations must enforce uniqueness of
// non-empty idempotency keys and report a collision as a duplicate error.
type Store interface {
	InsertEntry(ctx context.Context, e *Entry) error
	GetEntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	// ListEntries returns a subscription's entries, newest first.
	ListEntries(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*Entry, error)
	SumEntries(ctx context.Context, subID id.SubscriptionID) (int64, error)
}
