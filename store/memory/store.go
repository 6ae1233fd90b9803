// Package memory provides an in-memory Store for tests and single-process
// deployments. Records are copied on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Subscription storage
	subscriptions map[string]*subscription.Record

	// Ledger storage, in insertion order
	entries []*credit.Entry
	byKey   map[string]*credit.Entry
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Record),
		byKey:         make(map[string]*credit.Entry),
	}
}

// Subscription Store implementation
func (s *Store) CreateSubscription(_ context.Context, r *subscription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	if _, exists := s.subscriptions[r.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	c := cloneRecord(r)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.subscriptions[r.ID.String()] = c
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.subscriptions[subID.String()]; ok {
		return cloneRecord(r), nil
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*subscription.Record
	for _, r := range s.subscriptions {
		if providerSubscriptionID != "" && r.ProviderSubscriptionID == providerSubscriptionID {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, tally.ErrSubscriptionNotFound
	}
	sortRecent(matches)
	return cloneRecord(matches[0]), nil
}

func (s *Store) ListSubscriptionsByOwner(_ context.Context, userID string) ([]*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Record, 0)
	for _, r := range s.subscriptions {
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	sortRecent(result)
	for i, r := range result {
		result[i] = cloneRecord(r)
	}
	return result, nil
}

func (s *Store) PatchSubscription(_ context.Context, subID id.SubscriptionID, p subscription.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.subscriptions[subID.String()]
	if !ok {
		return tally.ErrSubscriptionNotFound
	}

	switch {
	case p.Snapshot != nil:
		snap := *p.Snapshot
		snap.Metadata = maps.Clone(snap.Metadata)
		r.Snapshot = snap
	case p.ProviderSubscriptionID != "":
		r.ProviderSubscriptionID = p.ProviderSubscriptionID
	}
	r.CreditsGrantPerPeriod = p.Credits.GrantPerPeriod
	r.CreditsRolloverLimit = p.Credits.RolloverLimit
	r.UpdatedAt = now()
	return nil
}

func (s *Store) ApplyBalance(_ context.Context, subID id.SubscriptionID, expected, next int64, cursor *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.subscriptions[subID.String()]
	if !ok {
		return tally.ErrSubscriptionNotFound
	}
	if r.CreditsBalance != expected {
		return tally.ErrBalanceConflict
	}
	r.CreditsBalance = next
	if cursor != nil {
		r.LastGrantCursor = *cursor
	}
	r.UpdatedAt = now()
	return nil
}

// Ledger Store implementation
func (s *Store) InsertEntry(_ context.Context, e *credit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	if e.IdempotencyKey != "" {
		if _, exists := s.byKey[e.IdempotencyKey]; exists {
			return tally.ErrDuplicateEntry
		}
	}
	c := cloneEntry(e)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	s.entries = append(s.entries, c)
	if c.IdempotencyKey != "" {
		s.byKey[c.IdempotencyKey] = c
	}
	return nil
}

func (s *Store) GetEntryByIdempotencyKey(_ context.Context, key string) (*credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key == "" {
		return nil, tally.ErrEntryNotFound
	}
	if e, ok := s.byKey[key]; ok {
		return cloneEntry(e), nil
	}
	return nil, tally.ErrEntryNotFound
}

func (s *Store) ListEntries(_ context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*credit.Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.SubscriptionID.String() != subID.String() {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		result = append(result, cloneEntry(e))
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*credit.Entry{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *Store) SumEntries(_ context.Context, subID id.SubscriptionID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.entries {
		if e.SubscriptionID.String() == subID.String() {
			total += e.Amount
		}
	}
	return total, nil
}

// Core methods
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Helper functions
func now() time.Time {
	return time.Now().UTC()
}

func sortRecent(records []*subscription.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ID.String() > records[j].ID.String()
	})
}

func cloneRecord(r *subscription.Record) *subscription.Record {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

func cloneEntry(e *credit.Entry) *credit.Entry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}
