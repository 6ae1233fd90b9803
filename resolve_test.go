package tally_test

import (
	"testing"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/subscription"
)

func TestResolve(t *testing.T) {
	mine := &subscription.Record{ID: id.NewSubscriptionID(), UserID: "u1"}
	theirs := &subscription.Record{ID: id.NewSubscriptionID(), UserID: "u2"}
	mineOther := &subscription.Record{ID: id.NewSubscriptionID(), UserID: "u1"}

	tests := []struct {
		name       string
		byProvider *subscription.Record
		byOwner    *subscription.Record
		wantKind   tally.ResolutionKind
		wantTarget *subscription.Record
		mismatch   bool
		diverged   bool
	}{
		{"nothing", nil, nil, tally.ResolutionNotFound, nil, false, false},
		{"provider only, same owner", mine, nil, tally.ResolutionFoundByProvider, mine, false, false},
		{"provider and owner agree", mine, mine, tally.ResolutionFoundByProvider, mine, false, false},
		{"provider and owner differ, same owner", mine, mineOther, tally.ResolutionFoundByProvider, mine, false, true},
		{"owner only", nil, mine, tally.ResolutionFoundByOwner, mine, false, false},
		{"provider owned by someone else", theirs, nil, tally.ResolutionFoundMismatched, nil, true, false},
		{"provider owned by someone else, owner record exists", theirs, mine, tally.ResolutionMismatch, mine, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tally.Resolve(tt.byProvider, tt.byOwner, "u1")
			if res.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", res.Kind, tt.wantKind)
			}
			if res.Target() != tt.wantTarget {
				t.Errorf("Target() = %v, want %v", res.Target(), tt.wantTarget)
			}
			if res.OwnerMismatch() != tt.mismatch {
				t.Errorf("OwnerMismatch() = %v, want %v", res.OwnerMismatch(), tt.mismatch)
			}
			if res.Diverged() != tt.diverged {
				t.Errorf("Diverged() = %v, want %v", res.Diverged(), tt.diverged)
			}
		})
	}
}
