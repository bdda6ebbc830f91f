package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/authgate/repositories"
	"go.uber.org/zap"
)

// ErrNoGroupDirectory is returned when memberships are managed without a database
var ErrNoGroupDirectory = errors.New("no group directory configured")

// CacheInvalidator drops cached memberships of an account
type CacheInvalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// MembershipAdmin writes the group directory and evicts the cached groups of
// every account it touches
type MembershipAdmin struct {
	directory repositories.GroupDirectory
	cache     CacheInvalidator
	logger    *zap.Logger
}

// NewMembershipAdmin creates a membership admin. cache may be nil.
func NewMembershipAdmin(directory repositories.GroupDirectory, cache CacheInvalidator, logger *zap.Logger) *MembershipAdmin {
	return &MembershipAdmin{directory: directory, cache: cache, logger: logger}
}

// List returns the groups of the account straight from the directory
func (a *MembershipAdmin) List(ctx context.Context, accountID string) ([]string, error) {
	return a.directory.GroupsForAccount(ctx, accountID)
}

// Add puts the account into the group
func (a *MembershipAdmin) Add(ctx context.Context, accountID, group string) error {
	if err := a.directory.AddMembership(ctx, accountID, group); err != nil {
		return err
	}
	return a.evict(ctx, accountID)
}

// Remove takes the account out of the group
func (a *MembershipAdmin) Remove(ctx context.Context, accountID, group string) error {
	if err := a.directory.RemoveMembership(ctx, accountID, group); err != nil {
		return err
	}
	return a.evict(ctx, accountID)
}

// Replace sets the complete group list of the account
func (a *MembershipAdmin) Replace(ctx context.Context, accountID string, groups []string) error {
	if err := a.directory.ReplaceMemberships(ctx, accountID, groups); err != nil {
		return err
	}
	return a.evict(ctx, accountID)
}

func (a *MembershipAdmin) evict(ctx context.Context, accountID string) error {
	if a.cache == nil {
		return nil
	}
	if err := a.cache.Invalidate(ctx, accountID); err != nil {
		a.logger.Warn("memberships written but cached groups remain until they expire",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("membership saved, cache not invalidated: %w", err)
	}
	return nil
}
