package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
)

// ConsumeRequest asks to spend credits from a user's primary subscription.
type ConsumeRequest struct {
	UserID string
	Amount int64
	Reason string
	// IdempotencyKey makes retries safe, see ConsumeKey. Optional.
	IdempotencyKey string
}

// Consume deducts credits before metered work. Policy rejections come back as
// a result with OK false and a Reason; only store failures are errors.
func (t *Tally) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Amount <= 0 {
		return &ConsumeResult{Reason: ReasonInvalidAmount}, nil
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, ValidationError{Field: "user_id", Message: "required"})
	}

	if res, err := t.consumeReplay(ctx, req); res != nil || err != nil {
		return res, err
	}

	owned, err := t.store.ListSubscriptionsByOwner(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("tally: consume %s: lookup by owner: %w", req.UserID, err)
	}
	primary := subscription.Primary(owned)
	if primary == nil {
		return &ConsumeResult{Reason: ReasonNoSubscription}, nil
	}

	unlock, err := t.locker.Lock(ctx, lockKey(primary.ID))
	if err != nil {
		return nil, fmt.Errorf("tally: consume %s: lock: %w", req.UserID, err)
	}
	defer unlock()

	// Re-check under the lock: a concurrent call with the same key may have
	// just finished.
	if res, err := t.consumeReplay(ctx, req); res != nil || err != nil {
		return res, err
	}

	rec, err := t.store.GetSubscription(ctx, primary.ID)
	if err != nil {
		if IsNotFound(err) {
			return &ConsumeResult{Reason: ReasonNoSubscription}, nil
		}
		return nil, fmt.Errorf("tally: consume %s: load subscription: %w", req.UserID, err)
	}

	out := &ConsumeResult{SubscriptionID: rec.ID, Balance: rec.CreditsBalance}

	if !rec.IsEntitled() {
		out.Reason = ReasonNotEntitled
		t.logger.Debug("tally: consume rejected",
			"user_id", req.UserID,
			"subscription_id", rec.ID.String(),
			"status", rec.Status,
			"reason", out.Reason,
		)
		return out, nil
	}

	if rec.CreditsBalance < req.Amount {
		out.Reason = ReasonInsufficientCredits
		t.logger.Debug("tally: consume rejected",
			"user_id", req.UserID,
			"subscription_id", rec.ID.String(),
			"balance", rec.CreditsBalance,
			"amount", req.Amount,
			"reason", out.Reason,
		)
		return out, nil
	}

	prev := rec.CreditsBalance
	next := prev - req.Amount

	entry := &credit.Entry{
		ID:             id.NewCreditEntryID(),
		UserID:         rec.UserID,
		SubscriptionID: rec.ID,
		Amount:         -req.Amount,
		Type:           credit.TypeConsume,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           credit.Meta{Prev: prev, Next: next},
		CreatedAt:      t.now(),
	}
	if err := t.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			res, rerr := t.consumeReplay(ctx, req)
			if rerr != nil {
				return nil, rerr
			}
			if res != nil {
				return res, nil
			}
		}
		return nil, fmt.Errorf("tally: consume %s: insert entry: %w", req.UserID, err)
	}

	next, err = t.applyEntry(ctx, entry, nil)
	if errors.Is(err, errReversed) {
		out.Reason, out.Balance = ReasonInsufficientCredits, next
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tally: consume %s: apply balance: %w", req.UserID, err)
	}

	out.OK = true
	out.Balance = next

	consumed := &plugin.CreditsConsumed{
		Header:         t.header(),
		SubscriptionID: rec.ID,
		UserID:         rec.UserID,
		Amount:         req.Amount,
		Balance:        next,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	}
	t.notify(ctx, "credits_consumed", func(ctx context.Context) {
		t.plugins.EmitCreditsConsumed(ctx, consumed)
	})

	return out, nil
}

// consumeReplay returns a replay result when the request's key was already
// applied. The key only replays a consume entry of the same user; any other
// entry holding it yields an idempotency conflict.
func (t *Tally) consumeReplay(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}

	entry, err := t.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tally: consume: ledger lookup: %w", err)
	}

	if !replayable(entry, credit.TypeConsume, id.Nil, req.UserID) {
		t.logger.Warn("tally: consume idempotency key held by another entry",
			"user_id", req.UserID,
			"idempotency_key", req.IdempotencyKey,
			"entry_type", entry.Type,
		)
		return &ConsumeResult{Reason: ReasonIdempotencyConflict}, nil
	}

	reversed, err := t.reversed(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("tally: consume: ledger lookup: %w", err)
	}
	if reversed {
		out := &ConsumeResult{Reason: ReasonInsufficientCredits, SubscriptionID: entry.SubscriptionID}
		if rec, err := t.store.GetSubscription(ctx, entry.SubscriptionID); err == nil {
			out.Balance = rec.CreditsBalance
		}
		return out, nil
	}

	out := &ConsumeResult{
		OK:             true,
		Replayed:       true,
		Reason:         ReasonIdempotentReplay,
		SubscriptionID: entry.SubscriptionID,
		Balance:        entry.Meta.Next,
	}
	if rec, err := t.store.GetSubscription(ctx, entry.SubscriptionID); err == nil {
		out.Balance = rec.CreditsBalance
	}
	return out, nil
}
