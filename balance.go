package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
)

// maxApplyAttempts bounds how often a recorded delta is re-applied after the
// balance moved underneath it.
const maxApplyAttempts = 5

// applyEntry moves the record's balance by the delta of an entry that is
// already in the ledger. A compare-and-swap miss re-reads the balance and
// retries, because the entry's idempotency key would turn a caller retry into
// a no-op. It returns the balance written.
func (t *Tally) applyEntry(ctx context.Context, entry *credit.Entry, cursor *string) (int64, error) {
	expected := entry.Meta.Prev
	var lastErr error

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if attempt > 0 {
			rec, err := t.store.GetSubscription(ctx, entry.SubscriptionID)
			if err != nil {
				lastErr = err
				break
			}
			expected = rec.CreditsBalance
		}

		next := expected + entry.Amount
		if next < 0 {
			return expected, t.reverseEntry(ctx, entry, expected)
		}

		err := t.store.ApplyBalance(ctx, entry.SubscriptionID, expected, next, cursor)
		if err == nil {
			if attempt > 0 {
				t.logger.Info("tally: balance update reapplied",
					"subscription_id", entry.SubscriptionID.String(),
					"entry_id", entry.ID.String(),
					"attempts", attempt+1,
				)
			}
			return next, nil
		}
		lastErr = err
		if !errors.Is(err, ErrBalanceConflict) {
			break
		}
	}

	t.logger.Error("tally: ledger entry written without balance update",
		"subscription_id", entry.SubscriptionID.String(),
		"entry_id", entry.ID.String(),
		"type", entry.Type,
		"idempotency_key", entry.IdempotencyKey,
		"error", lastErr,
	)
	// The cause is flattened so callers do not see it as retryable.
	return 0, fmt.Errorf("%w: entry %s: %v", ErrEntryUnapplied, entry.ID, lastErr)
}

// errReversed reports that a debit lost its balance race and was compensated
// in the ledger. Callers turn it into an insufficient-credits result.
var errReversed = errors.New("tally: entry reversed")

// reverseEntry appends the opposite of entry so the ledger sum keeps matching
// the balance, which the entry never reached.
func (t *Tally) reverseEntry(ctx context.Context, entry *credit.Entry, balance int64) error {
	reversal := &credit.Entry{
		ID:             id.NewCreditEntryID(),
		UserID:         entry.UserID,
		SubscriptionID: entry.SubscriptionID,
		Amount:         -entry.Amount,
		Type:           credit.TypeAdjust,
		Reason:         "reversal",
		IdempotencyKey: reversalKey(entry.ID),
		Meta:           credit.Meta{Prev: entry.Meta.Next, Next: entry.Meta.Prev},
		Metadata:       map[string]string{credit.MetaReverses: entry.ID.String()},
		CreatedAt:      t.now(),
	}
	if err := t.store.InsertEntry(ctx, reversal); err != nil && !errors.Is(err, ErrDuplicateEntry) {
		t.logger.Error("tally: ledger entry written without balance update",
			"subscription_id", entry.SubscriptionID.String(),
			"entry_id", entry.ID.String(),
			"idempotency_key", entry.IdempotencyKey,
			"error", err,
		)
		return fmt.Errorf("%w: entry %s: reversal: %v", ErrEntryUnapplied, entry.ID, err)
	}

	t.logger.Warn("tally: debit reversed after balance race",
		"subscription_id", entry.SubscriptionID.String(),
		"entry_id", entry.ID.String(),
		"reversal_id", reversal.ID.String(),
		"balance", balance,
	)
	return errReversed
}

// reversed reports whether entry was compensated by reverseEntry.
func (t *Tally) reversed(ctx context.Context, entry *credit.Entry) (bool, error) {
	_, err := t.store.GetEntryByIdempotencyKey(ctx, reversalKey(entry.ID))
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// replayable reports whether an existing ledger entry may answer a request
// of the given type on the given subscription or user.
func replayable(entry *credit.Entry, typ credit.Type, subID id.SubscriptionID, userID string) bool {
	if entry.Type != typ {
		return false
	}
	if !subID.IsNil() && entry.SubscriptionID.String() != subID.String() {
		return false
	}
	return userID == "" || entry.UserID == userID
}
