package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyMaxRetries = 5

	// Timestamps are stored as RFC3339 UTC strings so that lexical
	// comparison in SQL matches chronological order.
	timeLayout = time.RFC3339
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	if p := os.Getenv("MESSAGEPUSHER_DB_PATH"); p != "" {
		return p
	}
	return filepath.Join("data", "messagepusher.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Maintenance reclaims free pages and refreshes the query planner
// statistics. Run off-peak; VACUUM rewrites the whole file.
func (s *Store) Maintenance(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_url TEXT NOT NULL,
			method TEXT NOT NULL,
			content_type TEXT NOT NULL,
			params TEXT NOT NULL,
			headers TEXT,
			placeholders TEXT,
			proxy TEXT,
			max_length INTEGER NOT NULL DEFAULT 2000,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'enabled'
		);`,
		`CREATE TABLE IF NOT EXISTS ai_channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_url TEXT NOT NULL,
			method TEXT NOT NULL,
			model TEXT NOT NULL,
			params TEXT,
			headers TEXT,
			placeholders TEXT,
			prompt TEXT,
			proxy TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'enabled'
		);`,
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			default_channels TEXT,
			default_ai TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			expires_at TEXT,
			status TEXT NOT NULL DEFAULT 'enabled'
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			api_token_id TEXT NOT NULL,
			title TEXT,
			content TEXT,
			url TEXT,
			url_content TEXT,
			file_storage TEXT,
			view_token TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (api_token_id) REFERENCES api_tokens (id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_channels (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'waiting',
			error TEXT,
			sent_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (message_id, channel_id),
			FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE,
			FOREIGN KEY (channel_id) REFERENCES channels (id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_ai (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			ai_channel_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			result TEXT,
			status TEXT NOT NULL DEFAULT 'waiting',
			error TEXT,
			processed_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (message_id),
			FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE,
			FOREIGN KEY (ai_channel_id) REFERENCES ai_channels (id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channels_api_url ON channels (api_url);`,
		`CREATE INDEX IF NOT EXISTS idx_ai_channels_api_url ON ai_channels (api_url);`,
		`CREATE INDEX IF NOT EXISTS idx_ai_channels_model ON ai_channels (model);`,
		`CREATE INDEX IF NOT EXISTS idx_api_tokens_token ON api_tokens (token);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_api_token_id ON messages (api_token_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_message_channels_message_id ON message_channels (message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_message_channels_channel_id ON message_channels (channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_message_channels_status ON message_channels (status);`,
		`CREATE INDEX IF NOT EXISTS idx_message_ai_message_id ON message_ai (message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_message_ai_ai_channel_id ON message_ai (ai_channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_message_ai_status ON message_ai (status);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	now := nowString()
	seeds := [][3]string{
		{"version", "1.0.0", "system version"},
		{"max_retry_count", "3", "max delivery retries per attempt"},
		{"retry_interval", "300", "retry sweep interval in seconds"},
		{"file_storage_path", "data/files", "file storage directory"},
		{"file_retention_days", "30", "days to keep stored files"},
		{"default_max_length", "2000", "default max message length"},
	}
	for _, seed := range seeds {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO system_config (key, value, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			seed[0], seed[1], seed[2], now, now,
		); err != nil {
			return fmt.Errorf("seed system_config %q: %w", seed[0], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTimeString(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Tolerate the space-separated form SQLite's CURRENT_TIMESTAMP
		// produces in rows written by other tools.
		t, err = time.Parse("2006-01-02 15:04:05", v)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
