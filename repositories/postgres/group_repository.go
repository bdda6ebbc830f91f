package postgres

import (
	"context"
	"fmt"

	"github.com/upb/authgate/repositories"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/upb/authgate/repositories/postgres")

// GroupRepository implements repositories.GroupDirectory over the account_groups table
type GroupRepository struct {
	db     *DB
	txm    repositories.TransactionManager
	logger *zap.Logger
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(db *DB, logger *zap.Logger) *GroupRepository {
	return &GroupRepository{
		db:     db,
		txm:    NewTransactionManager(db, logger),
		logger: logger,
	}
}

// GroupsForAccount returns the groups of an account ordered by name
func (r *GroupRepository) GroupsForAccount(ctx context.Context, accountID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "GroupRepository.GroupsForAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID))

	query := `
		SELECT group_name
		FROM account_groups
		WHERE account_id = $1
		ORDER BY group_name
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	groups := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}

	return groups, nil
}

// AddMembership adds the account to the group
func (r *GroupRepository) AddMembership(ctx context.Context, accountID, group string) error {
	query := `
		INSERT INTO account_groups (account_id, group_name)
		VALUES ($1, $2)
		ON CONFLICT (account_id, group_name) DO NOTHING
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, accountID, group); err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}

	r.logger.Debug("membership added", zap.String("account_id", accountID), zap.String("group", group))
	return nil
}

// RemoveMembership removes the account from the group
func (r *GroupRepository) RemoveMembership(ctx context.Context, accountID, group string) error {
	query := `DELETE FROM account_groups WHERE account_id = $1 AND group_name = $2`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, accountID, group); err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}

	r.logger.Debug("membership removed", zap.String("account_id", accountID), zap.String("group", group))
	return nil
}

// ReplaceMemberships replaces all groups of the account in one transaction
func (r *GroupRepository) ReplaceMemberships(ctx context.Context, accountID string, groups []string) error {
	return r.txm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		if _, err := GetExecutor(ctx, r.db).ExecContext(ctx,
			`DELETE FROM account_groups WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("failed to clear memberships: %w", err)
		}
		for _, g := range groups {
			if err := r.AddMembership(ctx, accountID, g); err != nil {
				return err
			}
		}
		return nil
	})
}
