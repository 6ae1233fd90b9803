// Package stripeevent adapts Stripe webhook events to billing events.
package stripeevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tally/billing"
)

// Provider is the value stamped on normalized events.
const Provider = "stripe"

// ErrSignature is returned when a payload fails signature verification.
var ErrSignature = errors.New("stripeevent: signature verification failed")

// Verifier checks Stripe webhook signatures before normalizing.
type Verifier struct {
	secret           string
	ignoreAPIVersion bool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithStrictAPIVersion rejects events rendered for a different API version
// than the linked stripe-go release.
func WithStrictAPIVersion() VerifierOption {
	return func(v *Verifier) { v.ignoreAPIVersion = false }
}

// NewVerifier returns a Verifier for the endpoint's signing secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: secret, ignoreAPIVersion: true}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Parse verifies the Stripe-Signature header and normalizes the event.
func (v *Verifier) Parse(payload []byte, signatureHeader string) (*billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: v.ignoreAPIVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	return Normalize(event)
}

// Normalize maps the Stripe event types Tally understands onto a billing
// event. Any other type yields billing.ErrUnknownShape.
func Normalize(event stripe.Event) (*billing.Event, error) {
	if event.ID == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: missing id or data", billing.ErrInvalidEvent)
	}

	evt := &billing.Event{
		ID:         event.ID,
		Type:       string(event.Type),
		Provider:   Provider,
		ReceivedAt: time.Now().UTC(),
	}

	eventType := string(event.Type)
	switch {
	case strings.HasPrefix(eventType, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidEvent, err)
		}
		if sub.ID == "" || sub.Status == "" {
			return nil, fmt.Errorf("%w: subscription without id or status", billing.ErrInvalidEvent)
		}
		evt.Subscription = subscriptionSnapshot(&sub)

	case eventType == "invoice.paid", eventType == "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidEvent, err)
		}
		evt.Order = invoiceOrder(&inv)

	case eventType == "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidEvent, err)
		}
		evt.Order = checkoutOrder(&sess)

	default:
		return nil, fmt.Errorf("%w: stripe type %q", billing.ErrUnknownShape, eventType)
	}

	return evt, nil
}

func subscriptionSnapshot(sub *stripe.Subscription) *billing.SubscriptionSnapshot {
	snap := &billing.SubscriptionSnapshot{
		ID:          sub.ID,
		Status:      string(sub.Status),
		TrialEndsAt: unix(sub.TrialEnd),
		CancelAt:    unix(sub.CancelAt),
		CanceledAt:  unix(sub.CanceledAt),
		Customer:    customer(sub.Customer, ""),
		Metadata:    maps.Clone(sub.Metadata),
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		snap.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
		snap.Seats = int(item.Quantity)
		if item.Price != nil {
			snap.PriceID = item.Price.ID
			snap.PlanCode = item.Price.LookupKey
			if item.Price.Product != nil {
				snap.ProductID = item.Price.Product.ID
			}
		}
	}
	return snap
}

func invoiceOrder(inv *stripe.Invoice) *billing.OrderSnapshot {
	order := &billing.OrderSnapshot{
		ID:            inv.ID,
		Customer:      customer(inv.Customer, inv.CustomerEmail),
		BillingReason: string(inv.BillingReason),
		Metadata:      maps.Clone(inv.Metadata),
	}
	if p := inv.Parent; p != nil && p.SubscriptionDetails != nil {
		if p.SubscriptionDetails.Subscription != nil {
			order.SubscriptionID = p.SubscriptionDetails.Subscription.ID
		}
		// The subscription's metadata is where the owner id usually lives.
		if len(p.SubscriptionDetails.Metadata) > 0 {
			if order.Metadata == nil {
				order.Metadata = make(map[string]string, len(p.SubscriptionDetails.Metadata))
			}
			for k, v := range p.SubscriptionDetails.Metadata {
				if _, ok := order.Metadata[k]; !ok {
					order.Metadata[k] = v
				}
			}
		}
	}
	return order
}

func checkoutOrder(sess *stripe.CheckoutSession) *billing.OrderSnapshot {
	email := ""
	if sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	order := &billing.OrderSnapshot{
		ID:            sess.ID,
		Customer:      customer(sess.Customer, email),
		BillingReason: "checkout",
		Metadata:      maps.Clone(sess.Metadata),
	}
	order.Customer.ExternalID = sess.ClientReferenceID
	if sess.Subscription != nil {
		order.SubscriptionID = sess.Subscription.ID
	}
	return order
}

func customer(c *stripe.Customer, email string) billing.Customer {
	out := billing.Customer{Email: email}
	if c != nil {
		out.ID = c.ID
		if out.Email == "" {
			out.Email = c.Email
		}
	}
	return out
}

func unix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
