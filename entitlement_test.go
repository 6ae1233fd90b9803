package tally_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/subscription"
)

func TestHasEntitlementBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		status    subscription.Status
		periodEnd *time.Time
		want      bool
	}{
		{"active, ended 1ms ago", subscription.StatusActive, ptr(now.Add(-time.Millisecond)), false},
		{"active, ends in 1ms", subscription.StatusActive, ptr(now.Add(time.Millisecond)), true},
		{"active, ends exactly now", subscription.StatusActive, ptr(now), false},
		{"active, no period end", subscription.StatusActive, nil, true},
		{"trialing", subscription.StatusTrialing, ptr(now.Add(time.Hour)), true},
		{"past due", subscription.StatusPastDue, ptr(now.Add(time.Hour)), false},
		{"canceled", subscription.StatusCanceled, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s, _ := newEngine(t, tally.WithClock(func() time.Time { return now }))
			ctx := context.Background()

			rec := seedRecord(t, s, "u1", "psub_1", tt.status, 0, "")
			snap := rec.Snapshot
			snap.CurrentPeriodEnd = tt.periodEnd
			if err := s.PatchSubscription(ctx, rec.ID, subscription.Patch{Snapshot: &snap, Credits: rec.Credits()}); err != nil {
				t.Fatal(err)
			}

			got, err := eng.HasEntitlement(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("HasEntitlement = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasEntitlementScansAllRecords(t *testing.T) {
	eng, s, _ := newEngine(t)
	ctx := context.Background()

	if ok, _ := eng.HasEntitlement(ctx, "nobody"); ok {
		t.Error("a user without records is not entitled")
	}

	seedRecord(t, s, "u1", "psub_old", subscription.StatusCanceled, 0, "")
	seedRecord(t, s, "u1", "psub_new", subscription.StatusActive, 0, "")

	ok, err := eng.HasEntitlement(ctx, "u1")
	if err != nil || !ok {
		t.Errorf("HasEntitlement = %v, %v; want true", ok, err)
	}
}

func TestRecheckEntitlementNotifies(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, s, rec := newEngine(t, tally.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	sub := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 0, "")
	snap := sub.Snapshot
	snap.CurrentPeriodEnd = ptr(now.Add(-time.Minute))
	if err := s.PatchSubscription(ctx, sub.ID, subscription.Patch{Snapshot: &snap, Credits: sub.Credits()}); err != nil {
		t.Fatal(err)
	}

	entitled, err := eng.RecheckEntitlement(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if entitled {
		t.Error("expired period should not be entitled")
	}

	if len(rec.checked) != 1 {
		t.Fatalf("expected one entitlement notification, got %d", len(rec.checked))
	}
	got := rec.checked[0]
	if got.UserID != "u1" || got.Entitled || got.SubscriptionID.String() != sub.ID.String() {
		t.Errorf("unexpected payload: %+v", got)
	}
	if !got.OccurredAt.Equal(now) {
		t.Errorf("OccurredAt = %v, want injected clock %v", got.OccurredAt, now)
	}
}

func TestGetBalanceWithoutRecords(t *testing.T) {
	eng, _, _ := newEngine(t)
	balance, err := eng.GetBalance(context.Background(), "nobody")
	if err != nil || balance != 0 {
		t.Errorf("GetBalance = %d, %v; want 0", balance, err)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	eng, s, _ := newEngine(t)
	ctx := context.Background()
	sub := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 0, "")

	if _, err := eng.GrantIfNeeded(ctx, tally.GrantRequest{SubscriptionID: sub.ID, IdempotencyKey: "k"}); err != nil {
		t.Fatal(err)
	}
	report, err := eng.Verify(ctx, sub.ID)
	if err != nil || !report.Consistent {
		t.Fatalf("expected a consistent ledger: %+v %v", report, err)
	}

	// Simulate a balance write that bypassed the ledger.
	if err := s.ApplyBalance(ctx, sub.ID, 10, 13, nil); err != nil {
		t.Fatal(err)
	}
	report, err = eng.Verify(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Consistent || report.Drift != -3 || report.LedgerSum != 10 || report.Balance != 13 {
		t.Errorf("unexpected report: %+v", report)
	}
}
