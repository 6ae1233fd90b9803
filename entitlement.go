package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
)

// HasEntitlement reports whether any of the user's records has an entitled
// status and a period end that is unset or in the future.
func (t *Tally) HasEntitlement(ctx context.Context, userID string) (bool, error) {
	rec, err := t.entitledRecord(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// RecheckEntitlement runs the entitlement check and emits the result to
// plugins. It is the target of delayed rechecks scheduled at period end.
func (t *Tally) RecheckEntitlement(ctx context.Context, userID string) (bool, error) {
	owned, err := t.store.ListSubscriptionsByOwner(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("tally: recheck entitlement %s: %w", userID, err)
	}

	now := t.now()
	rec := firstEntitled(owned, now)
	entitled := rec != nil
	if rec == nil {
		rec = subscription.Primary(owned)
	}

	checked := &plugin.EntitlementChecked{
		Header:   t.header(),
		UserID:   userID,
		Entitled: entitled,
	}
	if rec != nil {
		checked.SubscriptionID = rec.ID
		checked.Status = rec.Status
		checked.CurrentPeriodEnd = rec.CurrentPeriodEnd
		checked.Balance = rec.CreditsBalance
	}

	t.logger.Debug("tally: entitlement rechecked",
		"user_id", userID,
		"entitled", entitled,
	)

	t.notify(ctx, "entitlement_checked", func(ctx context.Context) {
		t.plugins.EmitEntitlementChecked(ctx, checked)
	})

	return entitled, nil
}

// GetBalance returns the balance of the user's primary record, or 0 when the
// user has none.
func (t *Tally) GetBalance(ctx context.Context, userID string) (int64, error) {
	owned, err := t.store.ListSubscriptionsByOwner(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("tally: get balance %s: %w", userID, err)
	}
	if rec := subscription.Primary(owned); rec != nil {
		return rec.CreditsBalance, nil
	}
	return 0, nil
}

func (t *Tally) entitledRecord(ctx context.Context, userID string) (*subscription.Record, error) {
	owned, err := t.store.ListSubscriptionsByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("tally: entitlement %s: %w", userID, err)
	}
	return firstEntitled(owned, t.now()), nil
}

func firstEntitled(records []*subscription.Record, now time.Time) *subscription.Record {
	for _, r := range records {
		if r.EntitledAt(now) {
			return r
		}
	}
	return nil
}
