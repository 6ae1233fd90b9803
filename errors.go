package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/lock"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("tally: subscription not found")

	// Ledger errors
	ErrEntryNotFound   = errors.New("tally: ledger entry not found")
	ErrDuplicateEntry  = errors.New("tally: duplicate idempotency key")
	ErrBalanceConflict = errors.New("tally: balance changed concurrently")
	// ErrEntryUnapplied means a ledger entry was recorded but its balance
	// change could not be applied. Retrying replays the entry, so it is not
	// retryable; Verify reports the drift.
	ErrEntryUnapplied = errors.New("tally: ledger entry recorded without balance update")

	// Owner resolution errors
	ErrUserNotFound          = errors.New("tally: user not found")
	ErrUserLookupUnavailable = errors.New("tally: user lookup not configured")

	// Store errors
	ErrStoreNotReady = errors.New("tally: store not ready")
	ErrStoreClosed   = errors.New("tally: store is closed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrUserNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be
// retried from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBalanceConflict) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, lock.ErrLockTimeout)
}

// IsDropped returns true if the error marks an event that must be dropped
// rather than redelivered.
func IsDropped(err error) bool {
	return errors.Is(err, billing.ErrInvalidEvent) ||
		errors.Is(err, billing.ErrUnknownShape)
}
