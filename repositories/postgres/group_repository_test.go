package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockRepository(t *testing.T) (*GroupRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewGroupRepository(WrapDB(sqlDB, zap.NewNop()), zap.NewNop()), mock
}

func TestGroupsForAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("returns groups", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("FROM account_groups").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"group_name"}).AddRow("adminIT").AddRow("users"))

		groups, err := repo.GroupsForAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"adminIT", "users"}, groups)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account has no groups", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("FROM account_groups").
			WithArgs("nobody").
			WillReturnRows(sqlmock.NewRows([]string{"group_name"}))

		groups, err := repo.GroupsForAccount(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, groups)
		assert.Empty(t, groups)
	})

	t.Run("query error", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("FROM account_groups").
			WithArgs("acct-1").
			WillReturnError(errors.New("connection reset"))

		_, err := repo.GroupsForAccount(ctx, "acct-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("row error", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("FROM account_groups").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"group_name"}).
				AddRow("adminIT").
				RowError(0, errors.New("bad row")))

		_, err := repo.GroupsForAccount(ctx, "acct-1")
		assert.Error(t, err)
	})
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()

	t.Run("add membership", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectExec("INSERT INTO account_groups").
			WithArgs("acct-1", "adminIT").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.AddMembership(ctx, "acct-1", "adminIT"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("remove membership", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectExec("DELETE FROM account_groups WHERE account_id = \\$1 AND group_name = \\$2").
			WithArgs("acct-1", "adminIT").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.RemoveMembership(ctx, "acct-1", "adminIT"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replace memberships commits", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM account_groups").
			WithArgs("acct-1").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec("INSERT INTO account_groups").
			WithArgs("acct-1", "adminIT").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO account_groups").
			WithArgs("acct-1", "users").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.ReplaceMemberships(ctx, "acct-1", []string{"adminIT", "users"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replace memberships rolls back on failure", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM account_groups").
			WithArgs("acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO account_groups").
			WithArgs("acct-1", "adminIT").
			WillReturnError(errors.New("constraint violation"))
		mock.ExpectRollback()

		err := repo.ReplaceMemberships(ctx, "acct-1", []string{"adminIT"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "constraint violation")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBHealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	db := WrapDB(sqlDB, zap.NewNop())

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	err = db.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS account_groups").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, WrapDB(sqlDB, zap.NewNop()).InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
