package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionCreated   = "subscription.created"
	ActionSubscriptionSynced    = "subscription.synced"
	ActionSubscriptionDuplicate = "subscription.duplicate"

	// Event intake actions
	ActionEventDropped = "event.dropped"

	// Credit actions
	ActionCreditsGranted  = "credits.granted"
	ActionCreditsConsumed = "credits.consumed"
	ActionCreditsAdjusted = "credits.adjusted"

	// Entitlement actions
	ActionEntitlementDenied = "entitlement.denied"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceCredits      = "credits"
	ResourceEntitlement  = "entitlement"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategorySubscription = "subscription"
	CategoryBilling      = "billing"
	CategoryAccess       = "access"
	CategoryIntegration  = "integration"
	CategoryIntegrity    = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
