// Package notify publishes Tally notifications to NATS subjects so other
// services can react to grants, consumption and subscription changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/xraph/tally/plugin"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "tally"

// Subject suffixes, one per notification kind.
const (
	SubjectSubscriptionSynced    = "subscription.synced"
	SubjectSubscriptionDuplicate = "subscription.duplicate"
	SubjectEventDropped          = "event.dropped"
	SubjectCreditsGranted        = "credits.granted"
	SubjectCreditsConsumed       = "credits.consumed"
	SubjectCreditsAdjusted       = "credits.adjusted"
	SubjectEntitlementChecked    = "entitlement.checked"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

var _ Publisher = (*nats.Conn)(nil)

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

// Extension is a plugin that publishes each notification as a JSON message.
// The notification id travels in the Nats-Msg-Id header so JetStream
// deduplicates redeliveries.
type Extension struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// Option configures the Extension.
type Option func(*Extension)

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(e *Extension) { e.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// New creates a NATS notification plugin.
func New(pub Publisher, opts ...Option) *Extension {
	e := &Extension{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "nats-notify" }

// Subject returns the full subject for a suffix.
func (e *Extension) Subject(suffix string) string {
	if e.prefix == "" {
		return suffix
	}
	return e.prefix + "." + suffix
}

func (e *Extension) OnSubscriptionSynced(_ context.Context, evt *plugin.SubscriptionSynced) error {
	return e.publish(SubjectSubscriptionSynced, evt.Header, evt)
}

func (e *Extension) OnDuplicateSubscription(_ context.Context, evt *plugin.DuplicateSubscription) error {
	return e.publish(SubjectSubscriptionDuplicate, evt.Header, evt)
}

func (e *Extension) OnEventDropped(_ context.Context, evt *plugin.EventDropped) error {
	return e.publish(SubjectEventDropped, evt.Header, evt)
}

func (e *Extension) OnCreditsGranted(_ context.Context, evt *plugin.CreditsGranted) error {
	return e.publish(SubjectCreditsGranted, evt.Header, evt)
}

func (e *Extension) OnCreditsConsumed(_ context.Context, evt *plugin.CreditsConsumed) error {
	return e.publish(SubjectCreditsConsumed, evt.Header, evt)
}

func (e *Extension) OnCreditsAdjusted(_ context.Context, evt *plugin.CreditsAdjusted) error {
	return e.publish(SubjectCreditsAdjusted, evt.Header, evt)
}

func (e *Extension) OnEntitlementChecked(_ context.Context, evt *plugin.EntitlementChecked) error {
	return e.publish(SubjectEntitlementChecked, evt.Header, evt)
}

func (e *Extension) publish(suffix string, h plugin.Header, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", suffix, err)
	}

	msg := nats.NewMsg(e.Subject(suffix))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if !h.ID.IsNil() {
		msg.Header.Set(nats.MsgIdHdr, h.ID.String())
	}

	if err := e.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", msg.Subject, err)
	}
	e.logger.Debug("notify: published", "subject", msg.Subject, "notification_id", h.ID.String())
	return nil
}
