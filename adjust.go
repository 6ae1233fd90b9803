package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
)

// AdjustRequest is a manual balance correction.
type AdjustRequest struct {
	SubscriptionID id.SubscriptionID
	// Amount is signed and must not be zero.
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Adjust writes an adjust entry and moves the balance by Amount. The rollover
// cap does not apply; the balance may not go below zero.
func (t *Tally) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	if req.Amount == 0 {
		return &AdjustResult{Reason: ReasonInvalidAmount}, nil
	}

	unlock, err := t.locker.Lock(ctx, lockKey(req.SubscriptionID))
	if err != nil {
		return nil, fmt.Errorf("tally: adjust %s: lock: %w", req.SubscriptionID, err)
	}
	defer unlock()

	if req.IdempotencyKey != "" {
		if existing, err := t.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return t.adjustReplay(ctx, req, existing)
		} else if !IsNotFound(err) {
			return nil, fmt.Errorf("tally: adjust %s: ledger lookup: %w", req.SubscriptionID, err)
		}
	}

	rec, err := t.store.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			return &AdjustResult{Reason: ReasonSubscriptionNotFound}, nil
		}
		return nil, fmt.Errorf("tally: adjust %s: load subscription: %w", req.SubscriptionID, err)
	}

	prev := rec.CreditsBalance
	next := prev + req.Amount
	if next < 0 {
		return &AdjustResult{Reason: ReasonInsufficientCredits, Balance: prev}, nil
	}

	entry := &credit.Entry{
		ID:             id.NewCreditEntryID(),
		UserID:         rec.UserID,
		SubscriptionID: rec.ID,
		Amount:         req.Amount,
		Type:           credit.TypeAdjust,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           credit.Meta{Prev: prev, Next: next},
		CreatedAt:      t.now(),
	}
	if err := t.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			existing, lerr := t.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey)
			if lerr != nil {
				return nil, fmt.Errorf("tally: adjust %s: ledger lookup: %w", req.SubscriptionID, lerr)
			}
			return t.adjustReplay(ctx, req, existing)
		}
		return nil, fmt.Errorf("tally: adjust %s: insert entry: %w", req.SubscriptionID, err)
	}
	next, err = t.applyEntry(ctx, entry, nil)
	if errors.Is(err, errReversed) {
		return &AdjustResult{Reason: ReasonInsufficientCredits, Balance: next}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tally: adjust %s: apply balance: %w", req.SubscriptionID, err)
	}

	t.logger.Info("tally: credits adjusted",
		"subscription_id", rec.ID.String(),
		"user_id", rec.UserID,
		"amount", req.Amount,
		"balance", next,
		"reason", req.Reason,
	)

	adjusted := &plugin.CreditsAdjusted{
		Header:         t.header(),
		SubscriptionID: rec.ID,
		UserID:         rec.UserID,
		Amount:         req.Amount,
		Balance:        next,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	}
	t.notify(ctx, "credits_adjusted", func(ctx context.Context) {
		t.plugins.EmitCreditsAdjusted(ctx, adjusted)
	})

	return &AdjustResult{OK: true, Balance: next}, nil
}

func (t *Tally) adjustReplay(ctx context.Context, req AdjustRequest, existing *credit.Entry) (*AdjustResult, error) {
	if !replayable(existing, credit.TypeAdjust, req.SubscriptionID, "") {
		t.logger.Warn("tally: adjust idempotency key held by another entry",
			"subscription_id", req.SubscriptionID.String(),
			"idempotency_key", req.IdempotencyKey,
			"entry_type", existing.Type,
		)
		return &AdjustResult{Reason: ReasonIdempotencyConflict}, nil
	}

	reversed, err := t.reversed(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("tally: adjust %s: ledger lookup: %w", req.SubscriptionID, err)
	}

	out := &AdjustResult{OK: true, Replayed: true, Reason: ReasonIdempotentReplay, Balance: existing.Meta.Next}
	if reversed {
		out = &AdjustResult{Reason: ReasonInsufficientCredits}
	}
	if rec, err := t.store.GetSubscription(ctx, req.SubscriptionID); err == nil {
		out.Balance = rec.CreditsBalance
	}
	return out, nil
}
