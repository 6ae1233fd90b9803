package tally

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// GrantRequest asks for a periodic grant on a subscription record.
type GrantRequest struct {
	SubscriptionID id.SubscriptionID
	// IdempotencyKey identifies the billing cycle, see GrantKey.
	IdempotencyKey string
	// Amount overrides the record's configured grant when non-nil.
	Amount *int64
	Reason string
	// EventID is recorded on the ledger entry when set.
	EventID string
}

// GrantIfNeeded applies a grant at most once per idempotency key. The ledger
// is checked before anything else; the record's grant cursor is only a fast
// path. The ledger entry is written before the balance so a crash leaves an
// entry without a balance change, which Verify detects.
func (t *Tally) GrantIfNeeded(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, ValidationError{Field: "idempotency_key", Message: "required"})
	}
	if req.SubscriptionID.IsNil() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, ValidationError{Field: "subscription_id", Message: "required"})
	}

	unlock, err := t.locker.Lock(ctx, lockKey(req.SubscriptionID))
	if err != nil {
		return nil, fmt.Errorf("tally: grant %s: lock: %w", req.IdempotencyKey, err)
	}
	defer unlock()

	out := &GrantResult{SubscriptionID: req.SubscriptionID}

	// 1. Ledger
	if existing, err := t.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return t.grantReplay(ctx, req, existing), nil
	} else if !IsNotFound(err) {
		return nil, fmt.Errorf("tally: grant %s: ledger lookup: %w", req.IdempotencyKey, err)
	}

	// 2. Record
	rec, err := t.store.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			out.Reason = ReasonSubscriptionNotFound
			return out, nil
		}
		return nil, fmt.Errorf("tally: grant %s: load subscription: %w", req.IdempotencyKey, err)
	}
	out.Balance = rec.CreditsBalance

	// 3. Cursor
	if rec.LastGrantCursor == req.IdempotencyKey {
		out.OK, out.Skipped, out.Reason = true, true, ReasonCursorMatch
		return out, nil
	}

	// 4. Entitlement
	if !rec.IsEntitled() {
		out.OK, out.Skipped, out.Reason = true, true, ReasonNotEntitled
		t.logger.Debug("tally: grant skipped",
			"subscription_id", rec.ID.String(),
			"status", rec.Status,
			"reason", out.Reason,
		)
		return out, nil
	}

	// 5. Amount
	cfg := t.recordCredits(rec)
	amount := cfg.GrantPerPeriod
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 {
		out.OK, out.Skipped, out.Reason = true, true, ReasonZeroGrant
		return out, nil
	}

	// 6. Rollover cap
	prev := rec.CreditsBalance
	next := types.Credits(prev).AddCapped(types.Credits(amount), types.Credits(cfg.RolloverLimit)).Int64()

	// 7. Ledger first, then the balance
	reason := req.Reason
	if reason == "" {
		reason = "period_grant"
	}
	entry := &credit.Entry{
		ID:             id.NewCreditEntryID(),
		UserID:         rec.UserID,
		SubscriptionID: rec.ID,
		Amount:         next - prev,
		Type:           credit.TypeGrant,
		Reason:         reason,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           credit.Meta{Prev: prev, Next: next},
		Metadata:       map[string]string{credit.MetaRequested: strconv.FormatInt(amount, 10)},
		CreatedAt:      t.now(),
	}
	if req.EventID != "" {
		entry.Metadata[credit.MetaEventID] = req.EventID
	}

	if err := t.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			existing, lerr := t.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey)
			if lerr != nil {
				return nil, fmt.Errorf("tally: grant %s: ledger lookup: %w", req.IdempotencyKey, lerr)
			}
			return t.grantReplay(ctx, req, existing), nil
		}
		return nil, fmt.Errorf("tally: grant %s: insert entry: %w", req.IdempotencyKey, err)
	}

	cursor := req.IdempotencyKey
	next, err = t.applyEntry(ctx, entry, &cursor)
	if err != nil {
		return nil, fmt.Errorf("tally: grant %s: apply balance: %w", req.IdempotencyKey, err)
	}

	out.OK = true
	out.Granted = entry.Amount
	out.Balance = next

	t.logger.Info("tally: credits granted",
		"subscription_id", rec.ID.String(),
		"user_id", rec.UserID,
		"granted", out.Granted,
		"requested", amount,
		"balance", next,
		"idempotency_key", req.IdempotencyKey,
	)

	granted := &plugin.CreditsGranted{
		Header:           t.header(),
		SubscriptionID:   rec.ID,
		UserID:           rec.UserID,
		Amount:           out.Granted,
		Requested:        amount,
		Balance:          next,
		IdempotencyKey:   req.IdempotencyKey,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
		Reason:           reason,
	}
	t.notify(ctx, "credits_granted", func(ctx context.Context) {
		t.plugins.EmitCreditsGranted(ctx, granted)
	})

	return out, nil
}

// grantReplay answers a request whose key is already in the ledger. A key
// held by another entry type or subscription is a conflict, not a replay.
func (t *Tally) grantReplay(ctx context.Context, req GrantRequest, existing *credit.Entry) *GrantResult {
	out := &GrantResult{SubscriptionID: req.SubscriptionID, Balance: existing.Meta.Next}
	if !replayable(existing, credit.TypeGrant, req.SubscriptionID, "") {
		out.Reason = ReasonIdempotencyConflict
		out.Balance = 0
		t.logger.Warn("tally: grant idempotency key held by another entry",
			"subscription_id", req.SubscriptionID.String(),
			"idempotency_key", req.IdempotencyKey,
			"entry_type", existing.Type,
		)
		return out
	}

	out.OK, out.Skipped, out.Reason = true, true, ReasonDuplicate
	if rec, err := t.store.GetSubscription(ctx, req.SubscriptionID); err == nil {
		out.Balance = rec.CreditsBalance
	}
	t.logger.Debug("tally: grant skipped", "idempotency_key", req.IdempotencyKey, "reason", out.Reason)
	return out
}

// recordCredits returns the record's configuration, or the engine defaults
// for a record that never had one.
func (t *Tally) recordCredits(rec *subscription.Record) subscription.CreditConfig {
	cfg := rec.Credits()
	if cfg.IsZero() {
		return subscription.CreditConfig{
			GrantPerPeriod: t.defaultGrant,
			RolloverLimit:  t.defaultRollover,
		}
	}
	return cfg
}
