package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Decode errors. Both mean the event must be dropped, never redelivered.
var (
	ErrInvalidEvent = errors.New("billing: invalid event")
	ErrUnknownShape = errors.New("billing: unrecognized event payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Type string          `json:"type" validate:"required"`
	ID   json.RawMessage `json:"id"`
	Data json.RawMessage `json:"data"`
}

type wireCustomer struct {
	ID         string `json:"id"`
	Email      string `json:"email" validate:"omitempty,email"`
	ExternalID string `json:"external_id"`
}

type wireSubscription struct {
	ID                    string         `json:"id" validate:"required"`
	Status                string         `json:"status" validate:"required"`
	CurrentPeriodEnd      flexTime       `json:"current_period_end"`
	TrialEnd              flexTime       `json:"trial_end"`
	TrialEndsAt           flexTime       `json:"trial_ends_at"`
	CancelAt              flexTime       `json:"cancel_at"`
	CanceledAt            flexTime       `json:"canceled_at"`
	CustomerID            string         `json:"customer_id"`
	Customer              *wireCustomer  `json:"customer"`
	ProductID             string         `json:"product_id"`
	PriceID               string         `json:"price_id"`
	PlanCode              string         `json:"plan_code"`
	Seats                 int            `json:"seats" validate:"gte=0"`
	Metadata              map[string]any `json:"metadata"`
	CreditsGrantPerPeriod *int64         `json:"credits_grant_per_period"`
	CreditsRolloverLimit  *int64         `json:"credits_rollover_limit"`
}

type wireOrder struct {
	ID             string            `json:"id" validate:"required"`
	CustomerID     string            `json:"customer_id" validate:"required_without_all=Customer SubscriptionID Subscription"`
	Customer       *wireCustomer     `json:"customer"`
	SubscriptionID string            `json:"subscription_id"`
	Subscription   *wireSubscription `json:"subscription"`
	BillingReason  string            `json:"billing_reason"`
	Metadata       map[string]any    `json:"metadata"`
}

type shape int

const (
	shapeUnknown shape = iota
	shapeSubscription
	shapeOrder
)

// Decode parses a webhook envelope of the form
// {"type": string, "id": string|number, "data": object} and classifies the
// payload as subscription-like or order-like. Order payloads may embed the
// subscription they belong to.
func Decode(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	eventID, err := decodeID(env.ID)
	if err != nil {
		return nil, err
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: data must be an object", ErrInvalidEvent)
	}

	evt := &Event{
		ID:         eventID,
		Type:       env.Type,
		ReceivedAt: time.Now().UTC(),
	}

	switch classify(env.Type, data) {
	case shapeSubscription:
		var ws wireSubscription
		if err := json.Unmarshal(data, &ws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if err := validate.Struct(ws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		evt.Subscription = ws.snapshot()

	case shapeOrder:
		var wo wireOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if err := validate.Struct(wo); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		evt.Order = wo.snapshot()
		if wo.Subscription != nil {
			evt.Subscription = wo.Subscription.snapshot()
			if evt.Order.SubscriptionID == "" {
				evt.Order.SubscriptionID = evt.Subscription.ID
			}
		}

	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownShape, env.Type)
	}

	return evt, nil
}

func classify(eventType string, data json.RawMessage) shape {
	switch {
	case strings.HasPrefix(eventType, "subscription."):
		return shapeSubscription
	case strings.HasPrefix(eventType, "order."), strings.HasPrefix(eventType, "checkout."):
		return shapeOrder
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return shapeUnknown
	}
	_, hasSubID := fields["subscription_id"]
	_, hasSub := fields["subscription"]
	_, hasStatus := fields["status"]
	switch {
	case hasSubID || hasSub:
		return shapeOrder
	case hasStatus:
		return shapeSubscription
	default:
		return shapeUnknown
	}
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidEvent, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: missing id", ErrInvalidEvent)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidEvent)
	}
	return n.String(), nil
}

func (w *wireSubscription) snapshot() *SubscriptionSnapshot {
	trialEnd := w.TrialEndsAt.ptr()
	if trialEnd == nil {
		trialEnd = w.TrialEnd.ptr()
	}
	return &SubscriptionSnapshot{
		ID:                    w.ID,
		Status:                w.Status,
		CurrentPeriodEnd:      w.CurrentPeriodEnd.ptr(),
		TrialEndsAt:           trialEnd,
		CancelAt:              w.CancelAt.ptr(),
		CanceledAt:            w.CanceledAt.ptr(),
		Customer:              customer(w.CustomerID, w.Customer),
		ProductID:             w.ProductID,
		PriceID:               w.PriceID,
		PlanCode:              w.PlanCode,
		Seats:                 w.Seats,
		Metadata:              stringify(w.Metadata),
		CreditsGrantPerPeriod: w.CreditsGrantPerPeriod,
		CreditsRolloverLimit:  w.CreditsRolloverLimit,
	}
}

func (w *wireOrder) snapshot() *OrderSnapshot {
	return &OrderSnapshot{
		ID:             w.ID,
		Customer:       customer(w.CustomerID, w.Customer),
		SubscriptionID: w.SubscriptionID,
		BillingReason:  w.BillingReason,
		Metadata:       stringify(w.Metadata),
	}
}

func customer(id string, c *wireCustomer) Customer {
	out := Customer{ID: id}
	if c != nil {
		if out.ID == "" {
			out.ID = c.ID
		}
		out.Email = c.Email
		out.ExternalID = c.ExternalID
	}
	return out
}

// stringify flattens opaque JSON metadata into strings.
func stringify(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// flexTime accepts RFC 3339 strings, unix seconds, unix milliseconds or null.
type flexTime struct {
	t *time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		f.t = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			f.t = nil
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("billing: timestamp %q: %w", s, err)
		}
		t = t.UTC()
		f.t = &t
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("billing: timestamp: %w", err)
	}
	var t time.Time
	if math.Abs(n) >= 1e12 {
		t = time.UnixMilli(int64(n)).UTC()
	} else {
		t = time.Unix(int64(n), 0).UTC()
	}
	f.t = &t
	return nil
}

func (f flexTime) ptr() *time.Time { return f.t }
