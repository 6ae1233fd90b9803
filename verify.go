package tally

import (
	"context"
	"fmt"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
)

// VerifyReport compares a record's balance with its ledger.
type VerifyReport struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UserID         string            `json:"user_id"`
	Balance        int64             `json:"balance"`
	LedgerSum      int64             `json:"ledger_sum"`
	// Drift is LedgerSum - Balance. A positive drift usually means a ledger
	// entry was written but its balance update failed.
	Drift      int64 `json:"drift"`
	Consistent bool  `json:"consistent"`
}

// Entries returns a subscription's ledger history, newest first.
func (t *Tally) Entries(ctx context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error) {
	return t.store.ListEntries(ctx, subID, opts)
}

// Verify checks that the balance equals the sum of ledger amounts. Drift is
// logged and reported; it is never corrected automatically.
func (t *Tally) Verify(ctx context.Context, subID id.SubscriptionID) (*VerifyReport, error) {
	rec, err := t.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("tally: verify %s: %w", subID, err)
	}

	sum, err := t.store.SumEntries(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("tally: verify %s: sum entries: %w", subID, err)
	}

	report := &VerifyReport{
		SubscriptionID: rec.ID,
		UserID:         rec.UserID,
		Balance:        rec.CreditsBalance,
		LedgerSum:      sum,
		Drift:          sum - rec.CreditsBalance,
		Consistent:     sum == rec.CreditsBalance,
	}

	if !report.Consistent {
		t.logger.Error("tally: ledger drift detected",
			"subscription_id", subID.String(),
			"user_id", rec.UserID,
			"balance", rec.CreditsBalance,
			"ledger_sum", sum,
			"drift", report.Drift,
		)
	}

	return report, nil
}
