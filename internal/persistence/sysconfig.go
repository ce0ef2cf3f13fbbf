package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Runtime tunables live in the system_config table and are read once at
// startup. The seeded keys are the authoritative defaults.
const (
	ConfigVersion           = "version"
	ConfigMaxRetryCount     = "max_retry_count"
	ConfigRetryInterval     = "retry_interval"
	ConfigFileStoragePath   = "file_storage_path"
	ConfigFileRetentionDays = "file_retention_days"
	ConfigDefaultMaxLength  = "default_max_length"
)

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return value, nil
}

// GetConfigInt parses the value as an integer, falling back to def when the
// key is missing or malformed.
func (s *Store) GetConfigInt(ctx context.Context, key string, def int) int {
	value, err := s.GetConfig(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

func (s *Store) SetConfig(ctx context.Context, key, value, description string) error {
	now := nowString()
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, description, now, now)
		if err != nil {
			return fmt.Errorf("set config %q: %w", key, err)
		}
		return nil
	})
}

func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
