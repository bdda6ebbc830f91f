package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockGroupDirectory is a mock implementation of repositories.GroupDirectory
type MockGroupDirectory struct {
	mock.Mock
}

func (m *MockGroupDirectory) GroupsForAccount(ctx context.Context, accountID string) ([]string, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockGroupDirectory) AddMembership(ctx context.Context, accountID, group string) error {
	return m.Called(ctx, accountID, group).Error(0)
}

func (m *MockGroupDirectory) RemoveMembership(ctx context.Context, accountID, group string) error {
	return m.Called(ctx, accountID, group).Error(0)
}

func (m *MockGroupDirectory) ReplaceMemberships(ctx context.Context, accountID string, groups []string) error {
	return m.Called(ctx, accountID, groups).Error(0)
}

// MockCacheInvalidator is a mock implementation of CacheInvalidator
type MockCacheInvalidator struct {
	mock.Mock
}

func (m *MockCacheInvalidator) Invalidate(ctx context.Context, accountID string) error {
	return m.Called(ctx, accountID).Error(0)
}

func TestMembershipAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("replace evicts the cached groups", func(t *testing.T) {
		dir := new(MockGroupDirectory)
		inv := new(MockCacheInvalidator)
		dir.On("ReplaceMemberships", mock.Anything, "acct-1", []string{"adminIT"}).Return(nil).Once()
		inv.On("Invalidate", mock.Anything, "acct-1").Return(nil).Once()

		admin := NewMembershipAdmin(dir, inv, zap.NewNop())
		require.NoError(t, admin.Replace(ctx, "acct-1", []string{"adminIT"}))

		dir.AssertExpectations(t)
		inv.AssertExpectations(t)
	})

	t.Run("add and remove evict the cached groups", func(t *testing.T) {
		dir := new(MockGroupDirectory)
		inv := new(MockCacheInvalidator)
		dir.On("AddMembership", mock.Anything, "acct-2", "adminIT").Return(nil).Once()
		dir.On("RemoveMembership", mock.Anything, "acct-2", "users").Return(nil).Once()
		inv.On("Invalidate", mock.Anything, "acct-2").Return(nil).Twice()

		admin := NewMembershipAdmin(dir, inv, zap.NewNop())
		require.NoError(t, admin.Add(ctx, "acct-2", "adminIT"))
		require.NoError(t, admin.Remove(ctx, "acct-2", "users"))

		dir.AssertExpectations(t)
		inv.AssertExpectations(t)
	})

	t.Run("directory failure leaves the cache alone", func(t *testing.T) {
		dir := new(MockGroupDirectory)
		inv := new(MockCacheInvalidator)
		dir.On("AddMembership", mock.Anything, "acct-3", "adminIT").Return(errors.New("db down"))

		admin := NewMembershipAdmin(dir, inv, zap.NewNop())
		err := admin.Add(ctx, "acct-3", "adminIT")
		assert.EqualError(t, err, "db down")
		inv.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
	})

	t.Run("cache failure is reported", func(t *testing.T) {
		dir := new(MockGroupDirectory)
		inv := new(MockCacheInvalidator)
		dir.On("ReplaceMemberships", mock.Anything, "acct-4", []string(nil)).Return(nil)
		inv.On("Invalidate", mock.Anything, "acct-4").Return(errors.New("redis down"))

		admin := NewMembershipAdmin(dir, inv, zap.NewNop())
		err := admin.Replace(ctx, "acct-4", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache not invalidated")
	})

	t.Run("no cache configured", func(t *testing.T) {
		dir := new(MockGroupDirectory)
		dir.On("RemoveMembership", mock.Anything, "acct-5", "adminIT").Return(nil)
		dir.On("GroupsForAccount", mock.Anything, "acct-5").Return([]string{}, nil)

		admin := NewMembershipAdmin(dir, nil, zap.NewNop())
		require.NoError(t, admin.Remove(ctx, "acct-5", "adminIT"))

		groups, err := admin.List(ctx, "acct-5")
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}
