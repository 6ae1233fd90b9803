package tally

import "github.com/xraph/tally/subscription"

// ResolutionKind tags the outcome of matching an event against the
// provider-keyed and owner-keyed records.
type ResolutionKind string

const (
	// ResolutionNotFound: neither lookup matched.
	ResolutionNotFound ResolutionKind = "not_found"
	// ResolutionFoundByProvider: the provider-keyed record belongs to the
	// resolved owner.
	ResolutionFoundByProvider ResolutionKind = "found_by_provider"
	// ResolutionFoundByOwner: only the owner-keyed record matched.
	ResolutionFoundByOwner ResolutionKind = "found_by_owner"
	// ResolutionMismatch: the provider-keyed record belongs to someone else
	// and the resolved owner has a record of their own.
	ResolutionMismatch ResolutionKind = "mismatch"
	// ResolutionFoundMismatched: the provider-keyed record belongs to someone
	// else and the resolved owner has no record.
	ResolutionFoundMismatched ResolutionKind = "found_mismatched"
)

// Resolution is the tagged result of Resolve.
type Resolution struct {
	Kind       ResolutionKind
	ByProvider *subscription.Record
	ByOwner    *subscription.Record
}

// Resolve decides which record an event applies to. It performs no I/O.
func Resolve(byProvider, byOwner *subscription.Record, ownerID string) Resolution {
	res := Resolution{ByProvider: byProvider, ByOwner: byOwner}
	switch {
	case byProvider != nil && byProvider.UserID == ownerID:
		res.Kind = ResolutionFoundByProvider
	case byProvider != nil && byOwner != nil:
		res.Kind = ResolutionMismatch
	case byProvider != nil:
		res.Kind = ResolutionFoundMismatched
	case byOwner != nil:
		res.Kind = ResolutionFoundByOwner
	default:
		res.Kind = ResolutionNotFound
	}
	return res
}

// Target returns the record to patch, or nil when a new record must be
// created.
func (r Resolution) Target() *subscription.Record {
	switch r.Kind {
	case ResolutionFoundByProvider:
		return r.ByProvider
	case ResolutionMismatch, ResolutionFoundByOwner:
		return r.ByOwner
	default:
		return nil
	}
}

// OwnerMismatch reports whether the provider-keyed record belongs to a
// different user.
func (r Resolution) OwnerMismatch() bool {
	return r.Kind == ResolutionMismatch || r.Kind == ResolutionFoundMismatched
}

// Diverged reports whether two distinct records were found for the event.
func (r Resolution) Diverged() bool {
	return r.ByProvider != nil && r.ByOwner != nil && r.ByProvider.ID.String() != r.ByOwner.ID.String()
}
