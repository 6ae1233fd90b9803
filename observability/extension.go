// Package observability provides a metrics extension for Tally that records
// reconciliation and ledger activity through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tally/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                  = (*MetricsExtension)(nil)
	_ plugin.OnInit                  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionSynced    = (*MetricsExtension)(nil)
	_ plugin.OnDuplicateSubscription = (*MetricsExtension)(nil)
	_ plugin.OnEventDropped          = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted        = (*MetricsExtension)(nil)
	_ plugin.OnCreditsConsumed       = (*MetricsExtension)(nil)
	_ plugin.OnCreditsAdjusted       = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide reconciliation and credit metrics.
// Register it as a Tally plugin.
type MetricsExtension struct {
	factory MetricFactory

	// Reconciliation metrics
	SubscriptionSynced     Counter
	SubscriptionCreated    Counter
	SubscriptionDuplicates Counter
	EventsDropped          Counter

	// Credit metrics
	GrantsApplied    Counter
	CreditsGranted   Counter
	CreditsTruncated Counter
	GrantSize        Histogram
	ConsumeOps       Counter
	CreditsConsumed  Counter
	ConsumeSize      Histogram
	Adjustments      Counter

	// Entitlement metrics
	EntitlementChecks Counter
	EntitlementDenied Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		SubscriptionSynced:     factory.Counter("tally.subscription.synced"),
		SubscriptionCreated:    factory.Counter("tally.subscription.created"),
		SubscriptionDuplicates: factory.Counter("tally.subscription.duplicates"),
		EventsDropped:          factory.Counter("tally.events.dropped"),

		GrantsApplied:    factory.Counter("tally.grants.applied"),
		CreditsGranted:   factory.Counter("tally.credits.granted"),
		CreditsTruncated: factory.Counter("tally.credits.truncated"),
		GrantSize:        factory.Histogram("tally.grant.size"),
		ConsumeOps:       factory.Counter("tally.consume.ops"),
		CreditsConsumed:  factory.Counter("tally.credits.consumed"),
		ConsumeSize:      factory.Histogram("tally.consume.size"),
		Adjustments:      factory.Counter("tally.adjustments"),

		EntitlementChecks: factory.Counter("tally.entitlement.checks"),
		EntitlementDenied: factory.Counter("tally.entitlement.denied"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced implements plugin.OnSubscriptionSynced.
func (m *MetricsExtension) OnSubscriptionSynced(_ context.Context, evt *plugin.SubscriptionSynced) error {
	m.SubscriptionSynced.Inc()
	if evt.Created {
		m.SubscriptionCreated.Inc()
	}
	return nil
}

// OnDuplicateSubscription implements plugin.OnDuplicateSubscription.
func (m *MetricsExtension) OnDuplicateSubscription(_ context.Context, _ *plugin.DuplicateSubscription) error {
	m.SubscriptionDuplicates.Inc()
	return nil
}

// OnEventDropped implements plugin.OnEventDropped.
func (m *MetricsExtension) OnEventDropped(_ context.Context, _ *plugin.EventDropped) error {
	m.EventsDropped.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, evt *plugin.CreditsGranted) error {
	m.GrantsApplied.Inc()
	m.CreditsGranted.Add(float64(evt.Amount))
	m.GrantSize.Observe(float64(evt.Amount))
	if evt.Requested > evt.Amount {
		m.CreditsTruncated.Add(float64(evt.Requested - evt.Amount))
	}
	return nil
}

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (m *MetricsExtension) OnCreditsConsumed(_ context.Context, evt *plugin.CreditsConsumed) error {
	m.ConsumeOps.Inc()
	m.CreditsConsumed.Add(float64(evt.Amount))
	m.ConsumeSize.Observe(float64(evt.Amount))
	return nil
}

// OnCreditsAdjusted implements plugin.OnCreditsAdjusted.
func (m *MetricsExtension) OnCreditsAdjusted(_ context.Context, _ *plugin.CreditsAdjusted) error {
	m.Adjustments.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked implements plugin.OnEntitlementChecked.
func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, evt *plugin.EntitlementChecked) error {
	m.EntitlementChecks.Inc()
	if !evt.Entitled {
		m.EntitlementDenied.Inc()
	}
	return nil
}
