package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/subscription"
)

func TestReconcileCreatesRecord(t *testing.T) {
	eng, s, rec := newEngine(t)
	ctx := context.Background()

	end := time.Now().Add(time.Hour)
	res, err := eng.Reconcile(ctx, subEvent("evt_1", "psub_1", "u1", "trialing", &end))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Resolution != tally.ResolutionNotFound || res.UserID != "u1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.GrantKey != tally.GrantKey(res.SubscriptionID, &end) {
		t.Errorf("GrantKey = %q", res.GrantKey)
	}

	got, err := s.GetSubscription(ctx, res.SubscriptionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreditsBalance != 0 || got.LastGrantCursor != "" {
		t.Errorf("new record has financial state: balance=%d cursor=%q", got.CreditsBalance, got.LastGrantCursor)
	}
	if got.CreditsGrantPerPeriod != tally.DefaultGrantPerPeriod || got.CreditsRolloverLimit != tally.DefaultRolloverLimit {
		t.Errorf("expected default credit config, got %d/%d", got.CreditsGrantPerPeriod, got.CreditsRolloverLimit)
	}
	if len(rec.synced) != 1 || !rec.synced[0].Created {
		t.Errorf("expected one synced notification for a created record")
	}
}

func TestReconcilePreservesFinancialState(t *testing.T) {
	tests := []struct {
		name       string
		providerID string
		want       tally.ResolutionKind
	}{
		{"found by provider", "psub_1", tally.ResolutionFoundByProvider},
		{"found by owner", "psub_new", tally.ResolutionFoundByOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s, _ := newEngine(t)
			ctx := context.Background()
			existing := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 42, "X")

			end := time.Now().Add(48 * time.Hour)
			res, err := eng.Reconcile(ctx, subEvent("evt_2", tt.providerID, "u1", "past_due", &end))
			if err != nil {
				t.Fatal(err)
			}
			if res.Resolution != tt.want || res.SubscriptionID.String() != existing.ID.String() || res.Created {
				t.Fatalf("unexpected result: %+v", res)
			}

			got, _ := s.GetSubscription(ctx, existing.ID)
			if got.CreditsBalance != 42 || got.LastGrantCursor != "X" {
				t.Errorf("financial state changed: balance=%d cursor=%q", got.CreditsBalance, got.LastGrantCursor)
			}
			if got.Status != subscription.StatusPastDue || got.ProviderSubscriptionID != tt.providerID {
				t.Errorf("snapshot not applied: status=%s provider=%s", got.Status, got.ProviderSubscriptionID)
			}
			if res.GrantKey != "" {
				t.Errorf("lapsed subscription should not make a grant due, got %q", res.GrantKey)
			}
		})
	}
}

func TestReconcileOwnerMismatchCreatesScopedRecord(t *testing.T) {
	eng, s, rec := newEngine(t)
	ctx := context.Background()
	a := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 50, "A")

	res, err := eng.Reconcile(ctx, subEvent("evt_1", "psub_1", "u2", "active", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resolution != tally.ResolutionFoundMismatched || !res.Created {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.SubscriptionID.String() == a.ID.String() {
		t.Fatal("mismatched event must not patch the other owner's record")
	}

	created, _ := s.GetSubscription(ctx, res.SubscriptionID)
	if created.UserID != "u2" || created.CreditsBalance != 0 || created.LastGrantCursor != "" {
		t.Errorf("new record copied financial state: %+v", created)
	}

	untouched, _ := s.GetSubscription(ctx, a.ID)
	if untouched.UserID != "u1" || untouched.CreditsBalance != 50 || untouched.LastGrantCursor != "A" {
		t.Errorf("record A was modified: %+v", untouched)
	}

	if len(res.Duplicates) != 2 || len(rec.duplicates) != 1 {
		t.Fatalf("expected the shared provider id to be reported, got %v", res.Duplicates)
	}
	if rec.duplicates[0].ProviderOwnerID != "u1" {
		t.Errorf("ProviderOwnerID = %q, want u1", rec.duplicates[0].ProviderOwnerID)
	}
}

func TestReconcileOwnerMismatchPatchesOwnerRecord(t *testing.T) {
	eng, s, rec := newEngine(t)
	ctx := context.Background()
	a := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 50, "A")
	b := seedRecord(t, s, "u2", "psub_old", subscription.StatusCanceled, 7, "B")

	res, err := eng.Reconcile(ctx, subEvent("evt_1", "psub_1", "u2", "active", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resolution != tally.ResolutionMismatch || res.SubscriptionID.String() != b.ID.String() || res.Created {
		t.Fatalf("unexpected result: %+v", res)
	}

	patched, _ := s.GetSubscription(ctx, b.ID)
	if patched.CreditsBalance != 7 || patched.LastGrantCursor != "B" {
		t.Errorf("owner record lost financial state: balance=%d cursor=%q", patched.CreditsBalance, patched.LastGrantCursor)
	}
	if patched.Status != subscription.StatusActive || patched.ProviderSubscriptionID != "psub_1" {
		t.Errorf("owner record not patched: %+v", patched.Snapshot)
	}

	untouched, _ := s.GetSubscription(ctx, a.ID)
	if untouched.UserID != "u1" || untouched.CreditsBalance != 50 || untouched.Status != subscription.StatusActive {
		t.Errorf("record A was modified: %+v", untouched)
	}
	if len(rec.duplicates) != 1 {
		t.Errorf("expected one duplicate notification, got %d", len(rec.duplicates))
	}
}

func TestReconcileReportsDuplicateOwnerRecords(t *testing.T) {
	eng, s, rec := newEngine(t)
	ctx := context.Background()
	first := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 0, "")
	second := seedRecord(t, s, "u1", "psub_2", subscription.StatusActive, 0, "")

	res, err := eng.Reconcile(ctx, subEvent("evt_1", "psub_1", "u1", "active", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.SubscriptionID.String() != first.ID.String() {
		t.Fatalf("expected the provider-keyed record to be patched")
	}

	ids := map[string]bool{}
	for _, sid := range res.Duplicates {
		ids[sid.String()] = true
	}
	if !ids[first.ID.String()] || !ids[second.ID.String()] {
		t.Errorf("duplicates %v should list both records", res.Duplicates)
	}
	if len(rec.duplicates) != 1 {
		t.Errorf("expected one duplicate notification, got %d", len(rec.duplicates))
	}

	owned, _ := s.ListSubscriptionsByOwner(ctx, "u1")
	if len(owned) != 2 {
		t.Errorf("records must not be merged automatically, got %d", len(owned))
	}
}

func TestReconcileOwnerResolution(t *testing.T) {
	emailEvent := func() *billing.Event {
		evt := subEvent("evt_1", "psub_1", "", "active", nil)
		evt.Subscription.Customer = billing.Customer{ID: "cus_1", Email: "ada@example.com"}
		return evt
	}

	tests := []struct {
		name       string
		lookup     tally.UserLookup
		evt        *billing.Event
		wantSkip   bool
		wantUserID string
	}{
		{
			name:     "no metadata and no email",
			evt:      subEvent("evt_1", "psub_1", "", "active", nil),
			wantSkip: true,
		},
		{
			name:     "email without lookup",
			evt:      emailEvent(),
			wantSkip: true,
		},
		{
			name: "lookup misses",
			lookup: tally.UserLookupFunc(func(context.Context, string) (string, error) {
				return "", tally.ErrUserNotFound
			}),
			evt:      emailEvent(),
			wantSkip: true,
		},
		{
			name: "lookup fails",
			lookup: tally.UserLookupFunc(func(context.Context, string) (string, error) {
				return "", errors.New("directory down")
			}),
			evt:      emailEvent(),
			wantSkip: true,
		},
		{
			name: "lookup resolves",
			lookup: tally.UserLookupFunc(func(_ context.Context, email string) (string, error) {
				if email != "ada@example.com" {
					return "", tally.ErrUserNotFound
				}
				return "u_ada", nil
			}),
			evt:        emailEvent(),
			wantUserID: "u_ada",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []tally.Option
			if tt.lookup != nil {
				opts = append(opts, tally.WithUserLookup(tt.lookup))
			}
			eng, s, rec := newEngine(t, opts...)
			ctx := context.Background()

			res, err := eng.Process(ctx, tt.evt)
			if err != nil {
				t.Fatalf("unresolved owners must not be errors: %v", err)
			}

			if tt.wantSkip {
				if !res.Dropped || res.Reason != tally.ReasonNoOwner {
					t.Fatalf("got %+v, want dropped no_owner", res)
				}
				if _, err := s.GetSubscriptionByProviderID(ctx, "psub_1"); !tally.IsNotFound(err) {
					t.Error("no record may be created for an unresolved owner")
				}
				if len(rec.dropped) != 1 {
					t.Errorf("expected one dropped notification, got %d", len(rec.dropped))
				}
				return
			}

			if res.Reconcile.UserID != tt.wantUserID || !res.Reconcile.Created {
				t.Fatalf("got %+v, want record created for %s", res.Reconcile, tt.wantUserID)
			}
		})
	}
}

func TestReconcileOrderOnlyEvents(t *testing.T) {
	order := func(subID string) *billing.Event {
		return &billing.Event{
			ID:   "evt_o",
			Type: billing.TypeOrderPaid,
			Order: &billing.OrderSnapshot{
				ID:             "ord_1",
				SubscriptionID: subID,
				Metadata:       map[string]string{"user_id": "u1", "credits_grant_per_period": "25"},
			},
		}
	}

	t.Run("no record", func(t *testing.T) {
		eng, s, _ := newEngine(t)
		res, err := eng.Reconcile(context.Background(), order("psub_1"))
		if err != nil {
			t.Fatal(err)
		}
		if !res.Skipped || res.Reason != tally.ReasonNoSnapshot {
			t.Fatalf("got %+v, want skipped no_snapshot", res)
		}
		owned, _ := s.ListSubscriptionsByOwner(context.Background(), "u1")
		if len(owned) != 0 {
			t.Error("order-only events must not create records")
		}
	})

	t.Run("links existing record", func(t *testing.T) {
		eng, s, _ := newEngine(t)
		ctx := context.Background()
		existing := seedRecord(t, s, "u1", "", subscription.StatusActive, 9, "C")

		res, err := eng.Reconcile(ctx, order("psub_9"))
		if err != nil {
			t.Fatal(err)
		}
		if res.SubscriptionID.String() != existing.ID.String() || res.GrantKey != "" {
			t.Fatalf("got %+v, want existing record and no grant", res)
		}

		got, _ := s.GetSubscription(ctx, existing.ID)
		if got.ProviderSubscriptionID != "psub_9" || got.CreditsGrantPerPeriod != 25 {
			t.Errorf("linkage/config not refreshed: %+v", got)
		}
		if got.Status != subscription.StatusActive || got.CreditsBalance != 9 || got.LastGrantCursor != "C" {
			t.Errorf("order event touched lifecycle or financial state: %+v", got)
		}
	})

	t.Run("no subscription reference", func(t *testing.T) {
		eng, _, _ := newEngine(t)
		res, err := eng.Reconcile(context.Background(), order(""))
		if err != nil {
			t.Fatal(err)
		}
		if res.Reason != tally.ReasonNoSubscriptionRef {
			t.Fatalf("got %+v, want no_subscription_ref", res)
		}
	})
}

func TestReconcileCreditConfigFallback(t *testing.T) {
	tests := []struct {
		name         string
		opts         []tally.Option
		seedProvider bool
		seedOwner    bool
		metadata     map[string]string
		wantGrant    int64
		wantRollover int64
	}{
		{name: "defaults", wantGrant: 10, wantRollover: 100},
		{name: "custom defaults", opts: []tally.Option{tally.WithDefaults(5, 20)}, wantGrant: 5, wantRollover: 20},
		{name: "event wins", seedProvider: true, metadata: map[string]string{"creditsGrantPerPeriod": "40", "creditsRolloverLimit": "400"}, wantGrant: 40, wantRollover: 400},
		{name: "inherit from provider record", seedProvider: true, wantGrant: 25, wantRollover: 250},
		{name: "inherit from owner record", seedOwner: true, wantGrant: 30, wantRollover: 300},
		{name: "partial event config", seedProvider: true, metadata: map[string]string{"credits_grant_per_period": "1"}, wantGrant: 1, wantRollover: 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s, _ := newEngine(t, tt.opts...)
			ctx := context.Background()

			if tt.seedProvider {
				r := seedRecord(t, s, "u1", "psub_1", subscription.StatusActive, 0, "")
				_ = s.PatchSubscription(ctx, r.ID, subscription.Patch{
					ProviderSubscriptionID: "psub_1",
					Credits:                subscription.CreditConfig{GrantPerPeriod: 25, RolloverLimit: 250},
				})
			}
			if tt.seedOwner {
				r := seedRecord(t, s, "u1", "", subscription.StatusActive, 0, "")
				_ = s.PatchSubscription(ctx, r.ID, subscription.Patch{
					Credits: subscription.CreditConfig{GrantPerPeriod: 30, RolloverLimit: 300},
				})
			}

			evt := subEvent("evt_1", "psub_1", "u1", "active", nil)
			for k, v := range tt.metadata {
				evt.Subscription.Metadata[k] = v
			}

			res, err := eng.Reconcile(ctx, evt)
			if err != nil {
				t.Fatal(err)
			}
			got, _ := s.GetSubscription(ctx, res.SubscriptionID)
			if got.CreditsGrantPerPeriod != tt.wantGrant || got.CreditsRolloverLimit != tt.wantRollover {
				t.Errorf("config = %d/%d, want %d/%d",
					got.CreditsGrantPerPeriod, got.CreditsRolloverLimit, tt.wantGrant, tt.wantRollover)
			}
		})
	}
}

func TestProcessPayloadDropsInvalidEvents(t *testing.T) {
	eng, _, rec := newEngine(t)

	tests := []struct {
		name    string
		payload string
		want    tally.Reason
	}{
		{"malformed", `{"type":`, tally.ReasonInvalidEvent},
		{"unknown shape", `{"type":"benefit.granted","id":"e","data":{"id":"b"}}`, tally.ReasonUnknownShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.ProcessPayload(context.Background(), []byte(tt.payload))
			if err != nil {
				t.Fatalf("dropped events must not be errors: %v", err)
			}
			if !res.Dropped || res.Reason != tt.want {
				t.Fatalf("got %+v, want dropped %s", res, tt.want)
			}
		})
	}
	if len(rec.dropped) != len(tests) {
		t.Errorf("expected %d dropped notifications, got %d", len(tests), len(rec.dropped))
	}
}

func TestProcessPayloadEndToEnd(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	payload := []byte(`{
		"type": "subscription.created",
		"id": "evt_100",
		"data": {
			"id": "psub_100",
			"status": "active",
			"current_period_end": "2999-01-01T00:00:00Z",
			"metadata": {"userId": "u100", "credits_grant_per_period": 15}
		}
	}`)

	res, err := eng.ProcessPayload(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped || res.Grant == nil || res.Grant.Granted != 15 {
		t.Fatalf("unexpected result: %+v", res)
	}

	ok, err := eng.HasEntitlement(ctx, "u100")
	if err != nil || !ok {
		t.Errorf("HasEntitlement = %v, %v; want true", ok, err)
	}
	balance, _ := eng.GetBalance(ctx, "u100")
	if balance != 15 {
		t.Errorf("balance = %d, want 15", balance)
	}
}
