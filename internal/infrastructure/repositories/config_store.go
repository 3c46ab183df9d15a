package repositories

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Runtime-tunable config keys held in the system_config table.
const (
	KeyWorkStartHour            = "work_start_hour"
	KeyWorkEndHour              = "work_end_hour"
	KeyWorkDays                 = "work_days"
	KeyCacheTTLHours            = "cache_ttl_hours"
	KeyAgentIntervalMinutes     = "agent_interval_minutes"
	KeyNotificationCooldown     = "notification_cooldown_hours"
	KeyNotificationMaxRetry     = "notification_max_retry"
	KeyEscalationMentionUsers   = "escalation_mention_users"
	KeyNotificationMaxListed    = "notification_max_listed_orders"
)

// ConfigStore is a write-through cache over the system_config table. Reads
// hit memory; writes go to the database first and then update memory, so a
// write failure never leaves the cache ahead of the table.
type ConfigStore struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu     sync.RWMutex
	values map[string]string
}

// NewConfigStore creates the store and warms its cache from the table.
func NewConfigStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*ConfigStore, error) {
	s := &ConfigStore{
		db:     db,
		logger: logger,
		values: make(map[string]string),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory cache from the table.
func (s *ConfigStore) Reload(ctx context.Context) error {
	rows, err := s.db.QueryxContext(ctx, `SELECT config_key, config_value FROM system_config`)
	if err != nil {
		return fmt.Errorf("failed to load agent config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan agent config row: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read agent config: %w", err)
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Set writes one key and updates the cache on success.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_config (config_key, config_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_key) DO UPDATE SET
			config_value = EXCLUDED.config_value,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}

	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()

	s.logger.Info("agent config updated", zap.String("key", key), zap.String("value", value))
	return nil
}

// Get returns the raw value, or the fallback when the key is absent.
func (s *ConfigStore) Get(key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return fallback
}

// GetInt parses the value as an integer, falling back on absence or a
// malformed value.
func (s *ConfigStore) GetInt(key string, fallback int) int {
	raw := s.Get(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.logger.Warn("malformed integer config, using fallback",
			zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return n
}

// GetFloat parses the value as a float, falling back on absence or a
// malformed value.
func (s *ConfigStore) GetFloat(key string, fallback float64) float64 {
	raw := s.Get(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		s.logger.Warn("malformed float config, using fallback",
			zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return f
}

// GetIntSlice parses a comma separated integer list.
func (s *ConfigStore) GetIntSlice(key string, fallback []int) []int {
	raw := s.Get(key, "")
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			s.logger.Warn("malformed integer list config, using fallback",
				zap.String("key", key), zap.String("value", raw))
			return fallback
		}
		out = append(out, n)
	}
	return out
}

// GetStringSlice parses a comma separated string list, dropping empties.
func (s *ConfigStore) GetStringSlice(key string) []string {
	raw := s.Get(key, "")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// All returns a copy of the cached key set.
func (s *ConfigStore) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
