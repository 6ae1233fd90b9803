package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ──────────────────────────────────────────────────
// Webhook entrypoints
// ──────────────────────────────────────────────────

// ProcessPayload decodes a raw webhook envelope and processes it. Payloads
// that fail validation are dropped and reported with Dropped set; they never
// produce an error.
func (t *Tally) ProcessPayload(ctx context.Context, payload []byte) (*ProcessResult, error) {
	evt, err := billing.Decode(payload)
	if err != nil {
		return t.Drop(ctx, err), nil
	}
	return t.Process(ctx, evt)
}

// Drop records an event that failed decoding or normalization. It logs,
// notifies OnEventDropped and reports the drop reason.
func (t *Tally) Drop(ctx context.Context, err error) *ProcessResult {
	reason := ReasonInvalidEvent
	if errors.Is(err, billing.ErrUnknownShape) {
		reason = ReasonUnknownShape
	}
	t.logger.Info("tally: dropping billing event",
		"reason", reason,
		"error", err,
	)
	t.dropped(ctx, "", "", reason, err)
	return &ProcessResult{Dropped: true, Reason: reason}
}

// Process reconciles a normalized event and applies the grant it makes due.
func (t *Tally) Process(ctx context.Context, evt *billing.Event) (*ProcessResult, error) {
	rec, err := t.Reconcile(ctx, evt)
	if err != nil {
		return nil, err
	}

	out := &ProcessResult{Reconcile: rec}
	if rec.Skipped {
		out.Dropped = true
		out.Reason = rec.Reason
		return out, nil
	}
	if rec.GrantKey == "" {
		return out, nil
	}

	grant, err := t.GrantIfNeeded(ctx, GrantRequest{
		SubscriptionID: rec.SubscriptionID,
		IdempotencyKey: rec.GrantKey,
		Reason:         "period_grant",
		EventID:        evt.ID,
	})
	if err != nil {
		return nil, err
	}
	out.Grant = grant
	return out, nil
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Reconcile applies one billing event to exactly one subscription record.
// Events without a resolvable owner are skipped, not failed. Store errors are
// returned so the delivery layer can retry the whole event.
func (t *Tally) Reconcile(ctx context.Context, evt *billing.Event) (*ReconcileResult, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidInput)
	}

	providerSubID := evt.ProviderSubscriptionID()
	if providerSubID == "" && evt.Subscription == nil {
		return t.skip(ctx, evt, "", ReasonNoSubscriptionRef), nil
	}

	ownerID := t.resolveOwner(ctx, evt)
	if ownerID == "" {
		return t.skip(ctx, evt, "", ReasonNoOwner), nil
	}

	// Concurrent deliveries for the same owner or provider subscription must
	// see each other's records, or both would create one. The owner lock is
	// always taken first.
	unlock, err := t.locker.Lock(ctx, ownerLockKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("tally: reconcile %s: lock owner: %w", evt.ID, err)
	}
	defer unlock()
	if providerSubID != "" {
		unlockProvider, err := t.locker.Lock(ctx, providerLockKey(providerSubID))
		if err != nil {
			return nil, fmt.Errorf("tally: reconcile %s: lock provider subscription: %w", evt.ID, err)
		}
		defer unlockProvider()
	}

	var byProvider *subscription.Record
	if providerSubID != "" {
		rec, err := t.store.GetSubscriptionByProviderID(ctx, providerSubID)
		switch {
		case err == nil:
			byProvider = rec
		case !IsNotFound(err):
			return nil, fmt.Errorf("tally: reconcile %s: lookup by provider: %w", evt.ID, err)
		}
	}

	owned, err := t.store.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("tally: reconcile %s: lookup by owner: %w", evt.ID, err)
	}
	byOwner := subscription.Primary(owned)

	res := Resolve(byProvider, byOwner, ownerID)
	credits := t.creditConfig(evt, byProvider, byOwner)

	if res.OwnerMismatch() {
		t.logger.Warn("tally: subscription owner mismatch",
			"event_id", evt.ID,
			"provider_subscription_id", providerSubID,
			"record_id", byProvider.ID.String(),
			"record_owner", byProvider.UserID,
			"resolved_owner", ownerID,
			"resolution", res.Kind,
		)
	}

	out := &ReconcileResult{
		UserID:     ownerID,
		Resolution: res.Kind,
	}

	target := res.Target()
	switch {
	case evt.Subscription == nil && target == nil:
		// Order-only events carry no lifecycle state to create a record from.
		return t.skip(ctx, evt, ownerID, ReasonNoSnapshot), nil

	case evt.Subscription == nil:
		patch := subscription.Patch{ProviderSubscriptionID: providerSubID, Credits: credits}
		if err := t.store.PatchSubscription(ctx, target.ID, patch); err != nil {
			return nil, fmt.Errorf("tally: reconcile %s: patch %s: %w", evt.ID, target.ID, err)
		}
		out.SubscriptionID = target.ID

	case target == nil:
		rec := &subscription.Record{
			Entity:                types.NewEntityAt(t.now()),
			Snapshot:              snapshotOf(evt),
			ID:                    id.NewSubscriptionID(),
			UserID:                ownerID,
			CreditsGrantPerPeriod: credits.GrantPerPeriod,
			CreditsRolloverLimit:  credits.RolloverLimit,
		}
		if err := t.store.CreateSubscription(ctx, rec); err != nil {
			return nil, fmt.Errorf("tally: reconcile %s: create: %w", evt.ID, err)
		}
		out.SubscriptionID = rec.ID
		out.Created = true

	default:
		snap := snapshotOf(evt)
		patch := subscription.Patch{Snapshot: &snap, Credits: credits}
		if err := t.store.PatchSubscription(ctx, target.ID, patch); err != nil {
			return nil, fmt.Errorf("tally: reconcile %s: patch %s: %w", evt.ID, target.ID, err)
		}
		out.SubscriptionID = target.ID
	}

	rec, err := t.store.GetSubscription(ctx, out.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("tally: reconcile %s: reload %s: %w", evt.ID, out.SubscriptionID, err)
	}

	if err := t.checkDuplicates(ctx, evt, res, ownerID, providerSubID, out); err != nil {
		return nil, err
	}

	if evt.Subscription != nil && rec.IsEntitled() {
		out.GrantKey = GrantKey(rec.ID, evt.Subscription.CurrentPeriodEnd)
	}

	t.logger.Debug("tally: subscription reconciled",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"subscription_id", rec.ID.String(),
		"user_id", ownerID,
		"resolution", res.Kind,
		"created", out.Created,
		"status", rec.Status,
	)

	synced := &plugin.SubscriptionSynced{
		Header:                 t.header(),
		EventID:                evt.ID,
		EventType:              evt.Type,
		SubscriptionID:         rec.ID,
		UserID:                 rec.UserID,
		ProviderSubscriptionID: rec.ProviderSubscriptionID,
		Status:                 rec.Status,
		CurrentPeriodEnd:       rec.CurrentPeriodEnd,
		Resolution:             string(res.Kind),
		Created:                out.Created,
	}
	t.notify(ctx, "subscription_synced", func(ctx context.Context) {
		t.plugins.EmitSubscriptionSynced(ctx, synced)
	})

	return out, nil
}

// resolveOwner returns the user id the event belongs to, or "" when none can
// be determined. Lookup failures are logged and treated as unresolved.
func (t *Tally) resolveOwner(ctx context.Context, evt *billing.Event) string {
	if owner := evt.OwnerID(); owner != "" {
		return owner
	}

	email := evt.CustomerEmail()
	if email == "" || t.lookup == nil {
		return ""
	}

	userID, err := t.lookup.LookupUserIDByEmail(ctx, email)
	if err != nil {
		log := t.logger.Warn
		if errors.Is(err, ErrUserNotFound) {
			log = t.logger.Info
		}
		log("tally: owner lookup failed",
			"event_id", evt.ID,
			"customer_id", evt.CustomerID(),
			"error", err,
		)
		return ""
	}
	return userID
}

// creditConfig picks the grant configuration: event, then the provider
// record, then the owner record, then the engine defaults.
func (t *Tally) creditConfig(evt *billing.Event, byProvider, byOwner *subscription.Record) subscription.CreditConfig {
	cfg := subscription.CreditConfig{
		GrantPerPeriod: t.defaultGrant,
		RolloverLimit:  t.defaultRollover,
	}

	switch {
	case byProvider != nil && !byProvider.Credits().IsZero():
		cfg = byProvider.Credits()
	case byOwner != nil && !byOwner.Credits().IsZero():
		cfg = byOwner.Credits()
	}

	grant, rollover := evt.CreditConfig()
	if grant != nil && *grant >= 0 {
		cfg.GrantPerPeriod = *grant
	}
	if rollover != nil && *rollover >= 0 {
		cfg.RolloverLimit = *rollover
	}
	return cfg
}

// checkDuplicates surfaces records that diverged for one real subscription.
// They are logged and reported, never merged.
func (t *Tally) checkDuplicates(ctx context.Context, evt *billing.Event, res Resolution, ownerID, providerSubID string, out *ReconcileResult) error {
	owned, err := t.store.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("tally: reconcile %s: duplicate check: %w", evt.ID, err)
	}

	seen := make(map[string]bool)
	var ids []id.SubscriptionID
	add := func(sid id.SubscriptionID) {
		if !seen[sid.String()] {
			seen[sid.String()] = true
			ids = append(ids, sid)
		}
	}
	for _, r := range owned {
		add(r.ID)
	}
	if res.Diverged() {
		add(res.ByProvider.ID)
		add(res.ByOwner.ID)
	}
	if res.Kind == ResolutionFoundMismatched {
		add(res.ByProvider.ID)
	}
	if len(ids) < 2 {
		return nil
	}

	out.Duplicates = ids
	idStrings := make([]string, len(ids))
	for i, sid := range ids {
		idStrings[i] = sid.String()
	}

	var providerOwner string
	if res.OwnerMismatch() {
		providerOwner = res.ByProvider.UserID
	}

	t.logger.Warn("tally: duplicate subscription records",
		"event_id", evt.ID,
		"user_id", ownerID,
		"provider_subscription_id", providerSubID,
		"subscription_ids", idStrings,
		"provider_owner_id", providerOwner,
	)

	dup := &plugin.DuplicateSubscription{
		Header:                 t.header(),
		UserID:                 ownerID,
		ProviderSubscriptionID: providerSubID,
		SubscriptionIDs:        ids,
		ProviderOwnerID:        providerOwner,
	}
	t.notify(ctx, "duplicate_subscription", func(ctx context.Context) {
		t.plugins.EmitDuplicateSubscription(ctx, dup)
	})
	return nil
}

func (t *Tally) skip(ctx context.Context, evt *billing.Event, ownerID string, reason Reason) *ReconcileResult {
	t.logger.Info("tally: billing event skipped",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"reason", reason,
		"provider_subscription_id", evt.ProviderSubscriptionID(),
		"customer_id", evt.CustomerID(),
	)
	t.dropped(ctx, evt.ID, evt.Type, reason, nil)
	return &ReconcileResult{Skipped: true, Reason: reason, UserID: ownerID}
}

func (t *Tally) dropped(ctx context.Context, eventID, eventType string, reason Reason, cause error) {
	evt := &plugin.EventDropped{
		Header:    t.header(),
		EventID:   eventID,
		EventType: eventType,
		Reason:    string(reason),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	t.notify(ctx, "event_dropped", func(ctx context.Context) {
		t.plugins.EmitEventDropped(ctx, evt)
	})
}

func snapshotOf(evt *billing.Event) subscription.Snapshot {
	s := evt.Subscription
	return subscription.Snapshot{
		ProviderSubscriptionID: s.ID,
		CustomerID:             evt.CustomerID(),
		Status:                 subscription.Status(s.Status),
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		TrialEndsAt:            s.TrialEndsAt,
		CancelAt:               s.CancelAt,
		CanceledAt:             s.CanceledAt,
		ProductID:              s.ProductID,
		PriceID:                s.PriceID,
		PlanCode:               s.PlanCode,
		Seats:                  s.Seats,
		Metadata:               s.Metadata,
	}
}
