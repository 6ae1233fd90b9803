// Package billing normalizes payment-provider webhook payloads into the
// events the reconciler consumes.
package billing

import (
	"strconv"
	"strings"
	"time"
)

// Well-known event types. The reconciler does not branch on them; they are
// used to classify payloads and for logging.
const (
	TypeSubscriptionCreated    = "subscription.created"
	TypeSubscriptionUpdated    = "subscription.updated"
	TypeSubscriptionActive     = "subscription.active"
	TypeSubscriptionCanceled   = "subscription.canceled"
	TypeSubscriptionUncanceled = "subscription.uncanceled"
	TypeSubscriptionRevoked    = "subscription.revoked"
	TypeOrderCreated           = "order.created"
	TypeOrderPaid              = "order.paid"
	TypeCheckoutCompleted      = "checkout.completed"
)

// Metadata keys recognized on subscription and order payloads.
var (
	ownerKeys    = []string{"userId", "user_id", "ownerId", "owner_id"}
	grantKeys    = []string{"creditsGrantPerPeriod", "credits_grant_per_period", "credits_grant"}
	rolloverKeys = []string{"creditsRolloverLimit", "credits_rollover_limit", "credits_rollover"}
)

// Customer identifies the billing customer.
type Customer struct {
	ID    string
	Email string
	// ExternalID is the application user id when the provider carries one.
	ExternalID string
}

// SubscriptionSnapshot is the provider's view of a subscription at the time
// the event was emitted.
type SubscriptionSnapshot struct {
	ID                    string
	Status                string
	CurrentPeriodEnd      *time.Time
	TrialEndsAt           *time.Time
	CancelAt              *time.Time
	CanceledAt            *time.Time
	Customer              Customer
	ProductID             string
	PriceID               string
	PlanCode              string
	Seats                 int
	Metadata              map[string]string
	CreditsGrantPerPeriod *int64
	CreditsRolloverLimit  *int64
}

// OrderSnapshot is a one-off payment that may reference a subscription.
type OrderSnapshot struct {
	ID             string
	Customer       Customer
	SubscriptionID string
	BillingReason  string
	Metadata       map[string]string
}

// Event is a normalized billing event. At least one of Subscription and Order
// is set.
type Event struct {
	ID           string
	Type         string
	Provider     string
	Subscription *SubscriptionSnapshot
	Order        *OrderSnapshot
	ReceivedAt   time.Time
}

// OwnerID returns the application user id carried by the event, if any:
// metadata first (subscription, then order), then the customer external id.
func (e *Event) OwnerID() string {
	if e.Subscription != nil {
		if v := lookup(e.Subscription.Metadata, ownerKeys); v != "" {
			return v
		}
	}
	if e.Order != nil {
		if v := lookup(e.Order.Metadata, ownerKeys); v != "" {
			return v
		}
	}
	if e.Subscription != nil && e.Subscription.Customer.ExternalID != "" {
		return e.Subscription.Customer.ExternalID
	}
	if e.Order != nil {
		return e.Order.Customer.ExternalID
	}
	return ""
}

// CustomerEmail returns the billing customer's email, if any.
func (e *Event) CustomerEmail() string {
	if e.Subscription != nil && e.Subscription.Customer.Email != "" {
		return e.Subscription.Customer.Email
	}
	if e.Order != nil {
		return e.Order.Customer.Email
	}
	return ""
}

// CustomerID returns the billing customer's provider id, if any.
func (e *Event) CustomerID() string {
	if e.Subscription != nil && e.Subscription.Customer.ID != "" {
		return e.Subscription.Customer.ID
	}
	if e.Order != nil {
		return e.Order.Customer.ID
	}
	return ""
}

// ProviderSubscriptionID returns the provider subscription id the event
// refers to.
func (e *Event) ProviderSubscriptionID() string {
	if e.Subscription != nil && e.Subscription.ID != "" {
		return e.Subscription.ID
	}
	if e.Order != nil {
		return e.Order.SubscriptionID
	}
	return ""
}

// CreditConfig returns the grant and rollover amounts carried by the event.
// Either may be nil when the event does not specify it.
func (e *Event) CreditConfig() (grant, rollover *int64) {
	if s := e.Subscription; s != nil {
		grant, rollover = s.CreditsGrantPerPeriod, s.CreditsRolloverLimit
		if grant == nil {
			grant = lookupInt(s.Metadata, grantKeys)
		}
		if rollover == nil {
			rollover = lookupInt(s.Metadata, rolloverKeys)
		}
	}
	if o := e.Order; o != nil {
		if grant == nil {
			grant = lookupInt(o.Metadata, grantKeys)
		}
		if rollover == nil {
			rollover = lookupInt(o.Metadata, rolloverKeys)
		}
	}
	return grant, rollover
}

func lookup(m map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func lookupInt(m map[string]string, keys []string) *int64 {
	v := lookup(m, keys)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
