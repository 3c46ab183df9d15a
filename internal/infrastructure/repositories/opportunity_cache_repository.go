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
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// OpportunityCacheRepository persists the local snapshot of monitored
// opportunities fetched from the analytics service.
type OpportunityCacheRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewOpportunityCacheRepository creates a new opportunity cache repository
func NewOpportunityCacheRepository(db *sqlx.DB, logger *zap.Logger) *OpportunityCacheRepository {
	return &OpportunityCacheRepository{
		db:     db,
		logger: logger,
	}
}

// ReplaceAll atomically swaps the whole cache for the given snapshot.
// Readers never observe a partially refreshed cache.
func (r *OpportunityCacheRepository) ReplaceAll(ctx context.Context, opps []*entities.Opportunity, refreshedAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache refresh: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM opportunity_cache`); err != nil {
		return fmt.Errorf("failed to clear opportunity cache: %w", err)
	}

	query := `
		INSERT INTO opportunity_cache (order_num, name, address, supervisor_name, org_name, order_status, create_time, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, opp := range opps {
		if _, err := tx.ExecContext(ctx, query,
			opp.OrderNum,
			opp.Name,
			opp.Address,
			opp.SupervisorName,
			opp.OrgName,
			opp.OrderStatus,
			opp.CreateTime,
			refreshedAt,
		); err != nil {
			return fmt.Errorf("failed to insert opportunity %s: %w", opp.OrderNum, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache refresh: %w", err)
	}

	metrics.CacheRefreshesTotal.Inc()
	metrics.CachedOpportunitiesGauge.Set(float64(len(opps)))
	r.logger.Info("opportunity cache refreshed",
		zap.Int("count", len(opps)),
		zap.Time("refreshed_at", refreshedAt),
	)
	return nil
}

// GetAll returns every cached opportunity.
func (r *OpportunityCacheRepository) GetAll(ctx context.Context) ([]*entities.Opportunity, error) {
	query := `
		SELECT order_num, name, address, supervisor_name, org_name, order_status, create_time, last_updated
		FROM opportunity_cache
		ORDER BY create_time ASC
	`
	var opps []*entities.Opportunity
	if err := r.db.SelectContext(ctx, &opps, query); err != nil {
		return nil, fmt.Errorf("failed to load opportunity cache: %w", err)
	}
	return opps, nil
}

// GetByOrderNum returns one cached opportunity, or nil when absent.
func (r *OpportunityCacheRepository) GetByOrderNum(ctx context.Context, orderNum string) (*entities.Opportunity, error) {
	query := `
		SELECT order_num, name, address, supervisor_name, org_name, order_status, create_time, last_updated
		FROM opportunity_cache
		WHERE order_num = $1
	`
	var opp entities.Opportunity
	err := r.db.GetContext(ctx, &opp, query, orderNum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunity %s: %w", orderNum, err)
	}
	return &opp, nil
}

// GetByOrg returns the cached opportunities for one organization.
func (r *OpportunityCacheRepository) GetByOrg(ctx context.Context, orgName string) ([]*entities.Opportunity, error) {
	query := `
		SELECT order_num, name, address, supervisor_name, org_name, order_status, create_time, last_updated
		FROM opportunity_cache
		WHERE org_name = $1
		ORDER BY create_time ASC
	`
	var opps []*entities.Opportunity
	if err := r.db.SelectContext(ctx, &opps, query, orgName); err != nil {
		return nil, fmt.Errorf("failed to load opportunities for org %s: %w", orgName, err)
	}
	return opps, nil
}

// LastRefreshed returns the snapshot timestamp, or the zero time when the
// cache is empty.
func (r *OpportunityCacheRepository) LastRefreshed(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	if err := r.db.GetContext(ctx, &last, `SELECT MAX(last_updated) FROM opportunity_cache`); err != nil {
		return time.Time{}, fmt.Errorf("failed to read cache age: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// Count returns the number of cached opportunities.
func (r *OpportunityCacheRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM opportunity_cache`); err != nil {
		return 0, fmt.Errorf("failed to count cache: %w", err)
	}
	return count, nil
}

// DeleteAll empties the cache.
func (r *OpportunityCacheRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM opportunity_cache`); err != nil {
		return fmt.Errorf("failed to clear opportunity cache: %w", err)
	}
	metrics.CachedOpportunitiesGauge.Set(0)
	return nil
}
