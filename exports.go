package tally

import (
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Re-export common types for convenience so users don't have to import the
// types and subscription packages.

// Credits is re-exported from types package.
type Credits = types.Credits

// Entity is re-exported from types package.
type Entity = types.Entity

// Status is re-exported from subscription package.
type Status = subscription.Status

// Re-export Entity constructor
var NewEntity = types.NewEntity
