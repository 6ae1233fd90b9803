package audithook_test

import (
	"context"
	"errors"
	"testing"

	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
)

type captured struct {
	events []*audithook.AuditEvent
}

func (c *captured) recorder() audithook.Recorder {
	return audithook.RecorderFunc(func(_ context.Context, evt *audithook.AuditEvent) error {
		c.events = append(c.events, evt)
		return nil
	})
}

func TestHooksRecordActions(t *testing.T) {
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	tests := []struct {
		name        string
		fire        func(*audithook.Extension) error
		wantAction  string
		wantOutcome string
		wantNone    bool
	}{
		{
			name: "created subscription",
			fire: func(e *audithook.Extension) error {
				return e.OnSubscriptionSynced(ctx, &plugin.SubscriptionSynced{SubscriptionID: subID, UserID: "u1", Created: true})
			},
			wantAction:  audithook.ActionSubscriptionCreated,
			wantOutcome: audithook.OutcomeSuccess,
		},
		{
			name: "synced subscription",
			fire: func(e *audithook.Extension) error {
				return e.OnSubscriptionSynced(ctx, &plugin.SubscriptionSynced{SubscriptionID: subID, UserID: "u1"})
			},
			wantAction:  audithook.ActionSubscriptionSynced,
			wantOutcome: audithook.OutcomeSuccess,
		},
		{
			name: "duplicate",
			fire: func(e *audithook.Extension) error {
				return e.OnDuplicateSubscription(ctx, &plugin.DuplicateSubscription{
					UserID:          "u1",
					SubscriptionIDs: []id.SubscriptionID{subID, id.NewSubscriptionID()},
				})
			},
			wantAction:  audithook.ActionSubscriptionDuplicate,
			wantOutcome: audithook.OutcomePartial,
		},
		{
			name: "dropped",
			fire: func(e *audithook.Extension) error {
				return e.OnEventDropped(ctx, &plugin.EventDropped{EventID: "evt_1", Reason: "unknown_shape", Error: "boom"})
			},
			wantAction:  audithook.ActionEventDropped,
			wantOutcome: audithook.OutcomeFailure,
		},
		{
			name: "truncated grant",
			fire: func(e *audithook.Extension) error {
				return e.OnCreditsGranted(ctx, &plugin.CreditsGranted{SubscriptionID: subID, Amount: 5, Requested: 10})
			},
			wantAction:  audithook.ActionCreditsGranted,
			wantOutcome: audithook.OutcomePartial,
		},
		{
			name: "consumed",
			fire: func(e *audithook.Extension) error {
				return e.OnCreditsConsumed(ctx, &plugin.CreditsConsumed{SubscriptionID: subID, Amount: 3})
			},
			wantAction:  audithook.ActionCreditsConsumed,
			wantOutcome: audithook.OutcomeSuccess,
		},
		{
			name: "adjusted",
			fire: func(e *audithook.Extension) error {
				return e.OnCreditsAdjusted(ctx, &plugin.CreditsAdjusted{SubscriptionID: subID, Amount: -2})
			},
			wantAction:  audithook.ActionCreditsAdjusted,
			wantOutcome: audithook.OutcomeSuccess,
		},
		{
			name: "entitlement denied",
			fire: func(e *audithook.Extension) error {
				return e.OnEntitlementChecked(ctx, &plugin.EntitlementChecked{UserID: "u1", Status: subscription.StatusCanceled})
			},
			wantAction:  audithook.ActionEntitlementDenied,
			wantOutcome: audithook.OutcomeFailure,
		},
		{
			name: "entitlement granted is not audited",
			fire: func(e *audithook.Extension) error {
				return e.OnEntitlementChecked(ctx, &plugin.EntitlementChecked{UserID: "u1", Entitled: true})
			},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &captured{}
			ext := audithook.New(c.recorder())
			if err := tt.fire(ext); err != nil {
				t.Fatalf("hook returned error: %v", err)
			}
			if tt.wantNone {
				if len(c.events) != 0 {
					t.Fatalf("expected no audit events, got %d", len(c.events))
				}
				return
			}
			if len(c.events) != 1 {
				t.Fatalf("expected 1 audit event, got %d", len(c.events))
			}
			evt := c.events[0]
			if evt.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", evt.Action, tt.wantAction)
			}
			if evt.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", evt.Outcome, tt.wantOutcome)
			}
		})
	}
}

func TestDroppedEventCarriesReason(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	err := ext.OnEventDropped(context.Background(), &plugin.EventDropped{EventID: "evt_1", Error: "bad payload"})
	if err != nil {
		t.Fatalf("OnEventDropped: %v", err)
	}
	if len(c.events) != 1 || c.events[0].Reason != "bad payload" {
		t.Fatalf("expected reason to carry the drop error, got %+v", c.events)
	}
	if c.events[0].ResourceID != "evt_1" {
		t.Errorf("ResourceID = %q, want evt_1", c.events[0].ResourceID)
	}
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	fire := func(e *audithook.Extension) {
		_ = e.OnCreditsConsumed(ctx, &plugin.CreditsConsumed{Amount: 1})
		_ = e.OnCreditsAdjusted(ctx, &plugin.CreditsAdjusted{Amount: 1})
	}

	t.Run("enabled", func(t *testing.T) {
		c := &captured{}
		fire(audithook.New(c.recorder(), audithook.WithEnabledActions(audithook.ActionCreditsAdjusted)))
		if len(c.events) != 1 || c.events[0].Action != audithook.ActionCreditsAdjusted {
			t.Fatalf("expected only the adjusted action, got %+v", c.events)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		c := &captured{}
		fire(audithook.New(c.recorder(), audithook.WithDisabledActions(audithook.ActionCreditsAdjusted)))
		if len(c.events) != 1 || c.events[0].Action != audithook.ActionCreditsConsumed {
			t.Fatalf("expected only the consumed action, got %+v", c.events)
		}
	})
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	if err := ext.OnCreditsConsumed(context.Background(), &plugin.CreditsConsumed{Amount: 1}); err != nil {
		t.Fatalf("expected recorder failures to be logged, got %v", err)
	}
}
