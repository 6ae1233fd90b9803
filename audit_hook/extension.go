// Package audithook bridges Tally reconciliation and ledger events to an
// audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Extension)(nil)
	_ plugin.OnSubscriptionSynced    = (*Extension)(nil)
	_ plugin.OnDuplicateSubscription = (*Extension)(nil)
	_ plugin.OnEventDropped          = (*Extension)(nil)
	_ plugin.OnCreditsGranted        = (*Extension)(nil)
	_ plugin.OnCreditsConsumed       = (*Extension)(nil)
	_ plugin.OnCreditsAdjusted       = (*Extension)(nil)
	_ plugin.OnEntitlementChecked    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tally events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced implements plugin.OnSubscriptionSynced.
func (e *Extension) OnSubscriptionSynced(ctx context.Context, evt *plugin.SubscriptionSynced) error {
	action := ActionSubscriptionSynced
	if evt.Created {
		action = ActionSubscriptionCreated
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, evt.SubscriptionID.String(), CategorySubscription, nil,
		"user_id", evt.UserID,
		"event_id", evt.EventID,
		"event_type", evt.EventType,
		"provider_subscription_id", evt.ProviderSubscriptionID,
		"status", string(evt.Status),
		"resolution", evt.Resolution,
	)
}

// OnDuplicateSubscription implements plugin.OnDuplicateSubscription.
func (e *Extension) OnDuplicateSubscription(ctx context.Context, evt *plugin.DuplicateSubscription) error {
	ids := make([]string, len(evt.SubscriptionIDs))
	for i, subID := range evt.SubscriptionIDs {
		ids[i] = subID.String()
	}
	return e.record(ctx, ActionSubscriptionDuplicate, SeverityWarning, OutcomePartial,
		ResourceSubscription, evt.ProviderSubscriptionID, CategoryIntegrity, nil,
		"user_id", evt.UserID,
		"subscription_ids", ids,
		"provider_owner_id", evt.ProviderOwnerID,
	)
}

// OnEventDropped implements plugin.OnEventDropped.
func (e *Extension) OnEventDropped(ctx context.Context, evt *plugin.EventDropped) error {
	var err error
	if evt.Error != "" {
		err = errors.New(evt.Error)
	}
	return e.record(ctx, ActionEventDropped, SeverityWarning, OutcomeFailure,
		ResourceWebhook, evt.EventID, CategoryIntegration, err,
		"event_type", evt.EventType,
		"drop_reason", evt.Reason,
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (e *Extension) OnCreditsGranted(ctx context.Context, evt *plugin.CreditsGranted) error {
	outcome := OutcomeSuccess
	if evt.Amount < evt.Requested {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionCreditsGranted, SeverityInfo, outcome,
		ResourceCredits, evt.SubscriptionID.String(), CategoryBilling, nil,
		"user_id", evt.UserID,
		"amount", evt.Amount,
		"requested", evt.Requested,
		"balance", evt.Balance,
		"idempotency_key", evt.IdempotencyKey,
	)
}

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (e *Extension) OnCreditsConsumed(ctx context.Context, evt *plugin.CreditsConsumed) error {
	return e.record(ctx, ActionCreditsConsumed, SeverityInfo, OutcomeSuccess,
		ResourceCredits, evt.SubscriptionID.String(), CategoryBilling, nil,
		"user_id", evt.UserID,
		"amount", evt.Amount,
		"balance", evt.Balance,
		"idempotency_key", evt.IdempotencyKey,
		"reason", evt.Reason,
	)
}

// OnCreditsAdjusted implements plugin.OnCreditsAdjusted. Manual corrections
// are audited at warning severity.
func (e *Extension) OnCreditsAdjusted(ctx context.Context, evt *plugin.CreditsAdjusted) error {
	return e.record(ctx, ActionCreditsAdjusted, SeverityWarning, OutcomeSuccess,
		ResourceCredits, evt.SubscriptionID.String(), CategoryBilling, nil,
		"user_id", evt.UserID,
		"amount", evt.Amount,
		"balance", evt.Balance,
		"idempotency_key", evt.IdempotencyKey,
		"reason", evt.Reason,
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked implements plugin.OnEntitlementChecked.
func (e *Extension) OnEntitlementChecked(ctx context.Context, evt *plugin.EntitlementChecked) error {
	// Only audit denied checks to reduce noise
	if evt.Entitled {
		return nil
	}
	return e.record(ctx, ActionEntitlementDenied, SeverityInfo, OutcomeFailure,
		ResourceEntitlement, evt.UserID, CategoryAccess, nil,
		"subscription_id", evt.SubscriptionID.String(),
		"status", string(evt.Status),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
