package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
)

// GroupConfigRepository persists chat-group routing configuration.
type GroupConfigRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewGroupConfigRepository creates a new group config repository
func NewGroupConfigRepository(db *sqlx.DB, logger *zap.Logger) *GroupConfigRepository {
	return &GroupConfigRepository{
		db:     db,
		logger: logger,
	}
}

const groupColumns = `group_id, name, webhook_url, enabled, notification_cooldown_minutes, created_at, updated_at`

// GetByID returns one group, or nil when absent.
func (r *GroupConfigRepository) GetByID(ctx context.Context, groupID string) (*entities.GroupConfig, error) {
	var group entities.GroupConfig
	err := r.db.GetContext(ctx, &group,
		`SELECT `+groupColumns+` FROM group_config WHERE group_id = $1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	return &group, nil
}

// GetByOrgName resolves the group for an organization. Groups are keyed by
// the organization name they serve; the internal ops group is looked up by
// its fixed ID.
func (r *GroupConfigRepository) GetByOrgName(ctx context.Context, orgName string) (*entities.GroupConfig, error) {
	var group entities.GroupConfig
	err := r.db.GetContext(ctx, &group,
		`SELECT `+groupColumns+` FROM group_config WHERE name = $1 OR group_id = $1`, orgName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group for org %s: %w", orgName, err)
	}
	return &group, nil
}

// List returns every configured group.
func (r *GroupConfigRepository) List(ctx context.Context) ([]*entities.GroupConfig, error) {
	var groups []*entities.GroupConfig
	err := r.db.SelectContext(ctx, &groups,
		`SELECT `+groupColumns+` FROM group_config ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// Upsert inserts or updates a group by ID.
func (r *GroupConfigRepository) Upsert(ctx context.Context, group *entities.GroupConfig) error {
	query := `
		INSERT INTO group_config (group_id, name, webhook_url, enabled, notification_cooldown_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (group_id) DO UPDATE SET
			name = EXCLUDED.name,
			webhook_url = EXCLUDED.webhook_url,
			enabled = EXCLUDED.enabled,
			notification_cooldown_minutes = EXCLUDED.notification_cooldown_minutes,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now()
	if _, err := r.db.ExecContext(ctx, query,
		group.GroupID, group.Name, group.WebhookURL, group.Enabled,
		group.NotificationCooldownMinutes, now); err != nil {
		return fmt.Errorf("failed to upsert group %s: %w", group.GroupID, err)
	}
	r.logger.Info("group config saved",
		zap.String("group_id", group.GroupID),
		zap.Bool("enabled", group.Enabled),
	)
	return nil
}

// Delete removes a group configuration.
func (r *GroupConfigRepository) Delete(ctx context.Context, groupID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM group_config WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("failed to delete group %s: %w", groupID, err)
	}
	return nil
}
