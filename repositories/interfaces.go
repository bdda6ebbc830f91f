package repositories

import (
	"context"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// GroupRepository is the directory of group memberships.
// It satisfies idp.GroupSource.
type GroupRepository interface {
	// GroupsForAccount returns the names of the groups the account belongs to.
	// Unknown accounts have no groups; that is not an error.
	GroupsForAccount(ctx context.Context, accountID string) ([]string, error)
}

// GroupDirectory is a GroupRepository that can also be written to
type GroupDirectory interface {
	GroupRepository

	// AddMembership adds the account to the group. Adding an existing membership is a no-op.
	AddMembership(ctx context.Context, accountID, group string) error

	// RemoveMembership removes the account from the group
	RemoveMembership(ctx context.Context, accountID, group string) error

	// ReplaceMemberships atomically replaces all groups of the account
	ReplaceMemberships(ctx context.Context, accountID string, groups []string) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Groups GroupDirectory
}
