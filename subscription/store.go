package subscription

import (
	"context"

	"github.com/xraph/tally/id"
)

// Store persists subscription records. Implementations must provide indexes on
// UserID and ProviderSubscriptionID and an atomic compare-and-swap on the
// balance.
type Store interface {
	CreateSubscription(ctx context.Context, r *Record) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Record, error)
	// GetSubscriptionByProviderID returns the most recently updated record
	// carrying the provider subscription id.
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Record, error)
	// ListSubscriptionsByOwner returns all records of a user, most recently
	// updated first.
	ListSubscriptionsByOwner(ctx context.Context, userID string) ([]*Record, error)
	// PatchSubscription applies a reconciler patch. It never touches the
	// balance or the grant cursor.
	PatchSubscription(ctx context.Context, subID id.SubscriptionID, p Patch) error
	// ApplyBalance atomically sets the balance to next when it still equals
	// expected. A non-nil cursor is written in the same mutation.
	ApplyBalance(ctx context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error
}
