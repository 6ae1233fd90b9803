package tally

import "context"

// UserLookup resolves an application user id from a billing customer email.
// Implementations return ErrUserNotFound when no user matches.
type UserLookup interface {
	LookupUserIDByEmail(ctx context.Context, email string) (string, error)
}

// UserLookupFunc adapts a function to UserLookup.
type UserLookupFunc func(ctx context.Context, email string) (string, error)

// LookupUserIDByEmail implements UserLookup.
func (f UserLookupFunc) LookupUserIDByEmail(ctx context.Context, email string) (string, error) {
	return f(ctx, email)
}
