// Package plugin provides an extensible plugin system for Tally.
// Plugins can hook into reconciliation and ledger events to fan them out
// to metrics, audit trails or message buses.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Payloads
// ──────────────────────────────────────────────────

// Header is embedded in every notification payload. ID is stable across
// redeliveries of the same notification so consumers can deduplicate.
type Header struct {
	ID         id.NotificationID `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SubscriptionSynced is emitted after a billing event was reconciled into a
// subscription record.
type SubscriptionSynced struct {
	Header
	EventID                string              `json:"event_id"`
	EventType              string              `json:"event_type"`
	SubscriptionID         id.SubscriptionID   `json:"subscription_id"`
	UserID                 string              `json:"user_id"`
	ProviderSubscriptionID string              `json:"provider_subscription_id,omitempty"`
	Status                 subscription.Status `json:"status"`
	CurrentPeriodEnd       *time.Time          `json:"current_period_end,omitempty"`
	Resolution             string              `json:"resolution"`
	Created                bool                `json:"created"`
}

// CreditsGranted is emitted after a grant was applied.
type CreditsGranted struct {
	Header
	SubscriptionID   id.SubscriptionID `json:"subscription_id"`
	UserID           string            `json:"user_id"`
	Amount           int64             `json:"amount"`
	Requested        int64             `json:"requested"`
	Balance          int64             `json:"balance"`
	IdempotencyKey   string            `json:"idempotency_key"`
	CurrentPeriodEnd *time.Time        `json:"current_period_end,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// CreditsConsumed is emitted after credits were deducted.
type CreditsConsumed struct {
	Header
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UserID         string            `json:"user_id"`
	Amount         int64             `json:"amount"`
	Balance        int64             `json:"balance"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// CreditsAdjusted is emitted after a manual balance correction.
type CreditsAdjusted struct {
	Header
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UserID         string            `json:"user_id"`
	Amount         int64             `json:"amount"`
	Balance        int64             `json:"balance"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// DuplicateSubscription reports more than one live record for what should be
// a single subscription. Nothing is merged automatically.
type DuplicateSubscription struct {
	Header
	UserID                 string              `json:"user_id"`
	ProviderSubscriptionID string              `json:"provider_subscription_id,omitempty"`
	SubscriptionIDs        []id.SubscriptionID `json:"subscription_ids"`
	// ProviderOwnerID is set when the provider-linked record belongs to a
	// different user than the one the event resolved to.
	ProviderOwnerID string `json:"provider_owner_id,omitempty"`
}

// EventDropped is emitted when a billing event is discarded without effect.
type EventDropped struct {
	Header
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// EntitlementChecked is emitted by scheduled entitlement rechecks.
type EntitlementChecked struct {
	Header
	UserID           string              `json:"user_id"`
	Entitled         bool                `json:"entitled"`
	SubscriptionID   id.SubscriptionID   `json:"subscription_id,omitempty"`
	Status           subscription.Status `json:"status,omitempty"`
	CurrentPeriodEnd *time.Time          `json:"current_period_end,omitempty"`
	Balance          int64               `json:"balance"`
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, t interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced is called after a billing event updated or created a
// subscription record.
type OnSubscriptionSynced interface {
	Plugin
	OnSubscriptionSynced(ctx context.Context, evt *SubscriptionSynced) error
}

// OnDuplicateSubscription is called when reconciliation finds diverged
// records for one subscription.
type OnDuplicateSubscription interface {
	Plugin
	OnDuplicateSubscription(ctx context.Context, evt *DuplicateSubscription) error
}

// OnEventDropped is called when a billing event is dropped.
type OnEventDropped interface {
	Plugin
	OnEventDropped(ctx context.Context, evt *EventDropped) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted is called after a grant is applied.
type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, evt *CreditsGranted) error
}

// OnCreditsConsumed is called after credits are consumed.
type OnCreditsConsumed interface {
	Plugin
	OnCreditsConsumed(ctx context.Context, evt *CreditsConsumed) error
}

// OnCreditsAdjusted is called after a manual adjustment.
type OnCreditsAdjusted interface {
	Plugin
	OnCreditsAdjusted(ctx context.Context, evt *CreditsAdjusted) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked is called when an entitlement recheck completes.
type OnEntitlementChecked interface {
	Plugin
	OnEntitlementChecked(ctx context.Context, evt *EntitlementChecked) error
}
