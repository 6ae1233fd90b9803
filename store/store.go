// Package store defines the aggregate persistence interface for Tally.
package store

import (
	"context"

	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/subscription"
)

// Store is the unified storage interface for all Tally entities.
type Store interface {
	subscription.Store
	credit.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
