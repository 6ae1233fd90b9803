package tally_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
)

// slowOwnerStore widens the window between the owner lookup and the create.
type slowOwnerStore struct {
	*memory.Store
	delay time.Duration
}

func (s *slowOwnerStore) ListSubscriptionsByOwner(ctx context.Context, userID string) ([]*subscription.Record, error) {
	time.Sleep(s.delay)
	return s.Store.ListSubscriptionsByOwner(ctx, userID)
}

// conflictStore fails the next ApplyBalance calls with ErrBalanceConflict,
// optionally moving the balance by bump first as a concurrent writer would.
type conflictStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	bump     int64
	calls    int
}

func (s *conflictStore) failNext(n int, bump int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures, s.bump = n, bump
}

func (s *conflictStore) ApplyBalance(ctx context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	bump := s.bump
	if fail {
		s.failures--
		s.bump = 0
	}
	s.mu.Unlock()

	if !fail {
		return s.Store.ApplyBalance(ctx, subID, expected, next, cursor)
	}
	if bump != 0 {
		if err := s.Store.ApplyBalance(ctx, subID, expected, expected+bump, nil); err != nil {
			return err
		}
	}
	return tally.ErrBalanceConflict
}

func TestConcurrentFirstDeliveryCreatesOneRecord(t *testing.T) {
	s := &slowOwnerStore{Store: memory.New(), delay: 5 * time.Millisecond}
	eng := tally.New(s, tally.WithLogger(quietLogger()))
	ctx := context.Background()

	end := time.Now().Add(30 * 24 * time.Hour)
	evt := subEvent("evt_1", "psub_9", "u9", "active", &end)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Process(ctx, evt); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Process: %v", err)
	}

	owned, err := s.Store.ListSubscriptionsByOwner(ctx, "u9")
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 1 {
		t.Fatalf("expected one record for u9, got %d", len(owned))
	}

	sum, err := s.SumEntries(ctx, owned[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 10 || owned[0].CreditsBalance != 10 {
		t.Errorf("ledger sum=%d balance=%d, want one grant of 10", sum, owned[0].CreditsBalance)
	}
}

func TestBalanceConflictIsReapplied(t *testing.T) {
	tests := []struct {
		name        string
		bump        int64
		wantBalance int64
	}{
		{"conflict without a concurrent change", 0, 10},
		{"balance moved by another writer", 5, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &conflictStore{Store: memory.New()}
			eng := tally.New(s, tally.WithLogger(quietLogger()))
			ctx := context.Background()
			sub := seedRecord(t, s.Store, "u1", "psub_1", subscription.StatusActive, 0, "")

			s.failNext(1, tt.bump)
			res, err := eng.GrantIfNeeded(ctx, tally.GrantRequest{SubscriptionID: sub.ID, IdempotencyKey: "k", Amount: ptr(int64(10))})
			if err != nil {
				t.Fatalf("GrantIfNeeded: %v", err)
			}
			if !res.OK || res.Skipped || res.Granted != 10 || res.Balance != tt.wantBalance {
				t.Fatalf("got %+v, want granted 10 balance %d", res, tt.wantBalance)
			}

			got, _ := s.GetSubscription(ctx, sub.ID)
			if got.CreditsBalance != tt.wantBalance || got.LastGrantCursor != "k" {
				t.Errorf("balance=%d cursor=%q", got.CreditsBalance, got.LastGrantCursor)
			}
		})
	}
}

func TestConsumeConflictIsReapplied(t *testing.T) {
	s := &conflictStore{Store: memory.New()}
	eng := tally.New(s, tally.WithLogger(quietLogger()))
	ctx := context.Background()
	sub := seedRecord(t, s.Store, "u1", "psub_1", subscription.StatusActive, 0, "")
	seedFunded(t, eng, sub, 10)

	s.failNext(1, 0)
	res, err := eng.Consume(ctx, tally.ConsumeRequest{UserID: "u1", Amount: 3, IdempotencyKey: tally.ConsumeKey("u1", "r1")})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !res.OK || res.Balance != 7 {
		t.Fatalf("got %+v, want ok with balance 7", res)
	}

	report, err := eng.Verify(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent {
		t.Errorf("ledger drift after reapplied consume: %+v", report)
	}
}

func TestUnappliedEntryIsNotRetryable(t *testing.T) {
	s := &conflictStore{Store: memory.New()}
	eng := tally.New(s, tally.WithLogger(quietLogger()))
	ctx := context.Background()
	sub := seedRecord(t, s.Store, "u1", "psub_1", subscription.StatusActive, 0, "")

	s.failNext(1000, 0)
	_, err := eng.GrantIfNeeded(ctx, tally.GrantRequest{SubscriptionID: sub.ID, IdempotencyKey: "k"})
	if !errors.Is(err, tally.ErrEntryUnapplied) {
		t.Fatalf("expected ErrEntryUnapplied, got %v", err)
	}
	if tally.IsRetryable(err) {
		t.Error("an entry already in the ledger must not be reported as retryable")
	}
	if s.calls < 2 {
		t.Errorf("expected the balance update to be retried, got %d attempts", s.calls)
	}
}

func TestDebitLosingBalanceRaceIsReversed(t *testing.T) {
	s := &conflictStore{Store: memory.New()}
	eng := tally.New(s, tally.WithLogger(quietLogger()))
	ctx := context.Background()
	sub := seedRecord(t, s.Store, "u1", "psub_1", subscription.StatusActive, 0, "")
	seedFunded(t, eng, sub, 10)

	// Another writer drains 5 between the insert and the balance update.
	s.failNext(1, -5)
	key := tally.ConsumeKey("u1", "r1")
	res, err := eng.Consume(ctx, tally.ConsumeRequest{UserID: "u1", Amount: 8, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res.OK || res.Reason != tally.ReasonInsufficientCredits || res.Balance != 5 {
		t.Fatalf("got %+v, want insufficient_credits with balance 5", res)
	}

	report, err := eng.Verify(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Only the out-of-ledger drain is unaccounted for.
	if report.Balance != 5 || report.LedgerSum != 10 {
		t.Errorf("balance=%d ledger sum=%d, want 5 and 10", report.Balance, report.LedgerSum)
	}

	again, err := eng.Consume(ctx, tally.ConsumeRequest{UserID: "u1", Amount: 8, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.OK || again.Replayed || again.Reason != tally.ReasonInsufficientCredits {
		t.Errorf("replay of a reversed debit = %+v, want insufficient_credits", again)
	}
}
