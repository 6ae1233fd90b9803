package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func newRecord(userID, providerID string) *subscription.Record {
	return &subscription.Record{
		Entity: types.NewEntity(),
		Snapshot: subscription.Snapshot{
			ProviderSubscriptionID: providerID,
			Status:                 subscription.StatusActive,
		},
		ID:                    id.NewSubscriptionID(),
		UserID:                userID,
		CreditsGrantPerPeriod: 10,
		CreditsRolloverLimit:  100,
	}
}

func TestPatchNeverTouchesBalanceOrCursor(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := newRecord("u1", "psub_1")
	rec.CreditsBalance = 42
	rec.LastGrantCursor = "X"
	if err := s.CreateSubscription(ctx, rec); err != nil {
		t.Fatal(err)
	}

	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.PatchSubscription(ctx, rec.ID, subscription.Patch{
		Snapshot: &subscription.Snapshot{
			ProviderSubscriptionID: "psub_1",
			Status:                 subscription.StatusPastDue,
			CurrentPeriodEnd:       &end,
		},
		Credits: subscription.CreditConfig{GrantPerPeriod: 20, RolloverLimit: 200},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscription(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreditsBalance != 42 || got.LastGrantCursor != "X" {
		t.Errorf("financial state changed: balance=%d cursor=%q", got.CreditsBalance, got.LastGrantCursor)
	}
	if got.Status != subscription.StatusPastDue || got.CreditsGrantPerPeriod != 20 {
		t.Errorf("patch not applied: %+v", got)
	}
}

func TestApplyBalanceCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := newRecord("u1", "")
	rec.CreditsBalance = 5
	if err := s.CreateSubscription(ctx, rec); err != nil {
		t.Fatal(err)
	}

	cursor := "k1"
	if err := s.ApplyBalance(ctx, rec.ID, 5, 15, &cursor); err != nil {
		t.Fatalf("ApplyBalance: %v", err)
	}
	if err := s.ApplyBalance(ctx, rec.ID, 5, 0, nil); !errors.Is(err, tally.ErrBalanceConflict) {
		t.Fatalf("expected ErrBalanceConflict, got %v", err)
	}
	if err := s.ApplyBalance(ctx, id.NewSubscriptionID(), 0, 1, nil); !errors.Is(err, tally.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	got, _ := s.GetSubscription(ctx, rec.ID)
	if got.CreditsBalance != 15 || got.LastGrantCursor != "k1" {
		t.Errorf("balance=%d cursor=%q, want 15 and k1", got.CreditsBalance, got.LastGrantCursor)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := newRecord("u1", "")
	if err := s.CreateSubscription(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.CreditsBalance = 999

	got, _ := s.GetSubscription(ctx, rec.ID)
	got.CreditsBalance = 500

	again, _ := s.GetSubscription(ctx, rec.ID)
	if again.CreditsBalance != 0 {
		t.Errorf("store shares memory with callers: balance=%d", again.CreditsBalance)
	}
}

func TestLookupIndexes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	older := newRecord("u1", "psub_1")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := newRecord("u1", "psub_1")
	other := newRecord("u2", "psub_2")
	for _, r := range []*subscription.Record{older, newer, other} {
		if err := s.CreateSubscription(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	byProvider, err := s.GetSubscriptionByProviderID(ctx, "psub_1")
	if err != nil {
		t.Fatal(err)
	}
	if byProvider.ID.String() != newer.ID.String() {
		t.Errorf("expected most recently updated record, got %s", byProvider.ID)
	}

	owned, err := s.ListSubscriptionsByOwner(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 2 || owned[0].ID.String() != newer.ID.String() {
		t.Errorf("unexpected owner listing: %d records", len(owned))
	}

	if _, err := s.GetSubscriptionByProviderID(ctx, "missing"); !tally.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.CreateSubscription(ctx, other); !errors.Is(err, tally.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLedgerUniqueKeyAndHistory(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	subID := id.NewSubscriptionID()

	entries := []*credit.Entry{
		{ID: id.NewCreditEntryID(), SubscriptionID: subID, Amount: 10, Type: credit.TypeGrant, IdempotencyKey: "g1"},
		{ID: id.NewCreditEntryID(), SubscriptionID: subID, Amount: -3, Type: credit.TypeConsume},
		{ID: id.NewCreditEntryID(), SubscriptionID: subID, Amount: -2, Type: credit.TypeConsume},
	}
	for _, e := range entries {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}

	dup := &credit.Entry{ID: id.NewCreditEntryID(), SubscriptionID: subID, Amount: 10, IdempotencyKey: "g1"}
	if err := s.InsertEntry(ctx, dup); !errors.Is(err, tally.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	got, err := s.GetEntryByIdempotencyKey(ctx, "g1")
	if err != nil || got.Amount != 10 {
		t.Fatalf("GetEntryByIdempotencyKey: %v %+v", err, got)
	}
	if _, err := s.GetEntryByIdempotencyKey(ctx, ""); !errors.Is(err, tally.ErrEntryNotFound) {
		t.Errorf("empty key should never match, got %v", err)
	}

	sum, err := s.SumEntries(ctx, subID)
	if err != nil || sum != 5 {
		t.Errorf("SumEntries = %d, %v; want 5", sum, err)
	}

	tests := []struct {
		name string
		opts credit.ListOpts
		want []int64
	}{
		{"all newest first", credit.ListOpts{}, []int64{-2, -3, 10}},
		{"by type", credit.ListOpts{Type: credit.TypeGrant}, []int64{10}},
		{"limit", credit.ListOpts{Limit: 1}, []int64{-2}},
		{"offset", credit.ListOpts{Offset: 1, Limit: 5}, []int64{-3, 10}},
		{"offset past end", credit.ListOpts{Offset: 9}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListEntries(ctx, subID, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(list), len(tt.want))
			}
			for i, e := range list {
				if e.Amount != tt.want[i] {
					t.Errorf("entry %d amount = %d, want %d", i, e.Amount, tt.want[i])
				}
			}
		})
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); !errors.Is(err, tally.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed after Close, got %v", err)
	}
}
