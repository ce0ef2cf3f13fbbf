package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyMessage = errors.New("persistence: message needs at least one of title, content, url")

// Message is immutable after creation except for url_content and
// file_storage, which the url fetch handler fills in later.
type Message struct {
	ID          string
	APITokenID  string
	Title       string
	Content     string
	URL         string
	URLContent  string
	FileStorage string
	ViewToken   string
	CreatedAt   string
	UpdatedAt   string
}

type DailyCount struct {
	Day   string
	Count int
}

func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.Title == "" && msg.Content == "" && msg.URL == "" {
		return ErrEmptyMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ViewToken == "" {
		msg.ViewToken = uuid.NewString()
	}
	now := nowString()
	msg.CreatedAt, msg.UpdatedAt = now, now

	title := sql.NullString{String: msg.Title, Valid: msg.Title != ""}
	content := sql.NullString{String: msg.Content, Valid: msg.Content != ""}
	url := sql.NullString{String: msg.URL, Valid: msg.URL != ""}

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, api_token_id, title, content, url, view_token, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.APITokenID, title, content, url, msg.ViewToken,
			msg.CreatedAt, msg.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

const messageColumns = `id, api_token_id, title, content, url, url_content, file_storage, view_token, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var title, content, url, urlContent, fileStorage sql.NullString
	err := row.Scan(&msg.ID, &msg.APITokenID, &title, &content, &url,
		&urlContent, &fileStorage, &msg.ViewToken, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.Title = title.String
	msg.Content = content.String
	msg.URL = url.String
	msg.URLContent = urlContent.String
	msg.FileStorage = fileStorage.String
	return &msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

func (s *Store) GetMessageByViewToken(ctx context.Context, viewToken string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE view_token = ?`, viewToken)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by view token: %w", err)
	}
	return msg, nil
}

// ListMessagesByToken pages newest-first through one credential's messages.
func (s *Store) ListMessagesByToken(ctx context.Context, apiTokenID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE api_token_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, apiTokenID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) CountMessagesByToken(ctx context.Context, apiTokenID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE api_token_id = ?`, apiTokenID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// DailyMessageCounts returns per-day creation counts for the trailing
// window, oldest day first.
func (s *Store) DailyMessageCounts(ctx context.Context, days int) ([]DailyCount, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, COUNT(*)
		FROM messages
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("daily message counts: %w", err)
	}
	defer rows.Close()

	var out []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *Store) SetMessageURLContent(ctx context.Context, id, urlContent string) error {
	return s.updateFields(ctx, "messages", id, map[string]any{"url_content": urlContent})
}

func (s *Store) SetMessageFileStorage(ctx context.Context, id, path string) error {
	return s.updateFields(ctx, "messages", id, map[string]any{"file_storage": path})
}

// DeleteMessage removes the row; attempts cascade via foreign keys.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "messages", id)
}

// PruneMessagesBefore deletes messages created before the cutoff and
// returns how many rows went away. Attempt rows cascade.
func (s *Store) PruneMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE created_at < ?`,
			cutoff.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("prune messages: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
