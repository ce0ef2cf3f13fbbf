package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("persistence: not found")

type TemplateStatus string

const (
	TemplateEnabled  TemplateStatus = "enabled"
	TemplateDisabled TemplateStatus = "disabled"
)

// Channel is a reusable outbound HTTP template. params values may contain
// {placeholder} markers resolved at dispatch time.
type Channel struct {
	ID           string
	Name         string
	APIURL       string
	Method       string
	ContentType  string
	Params       map[string]string
	Headers      map[string]string
	Placeholders map[string]string
	Proxy        map[string]string
	MaxLength    int
	CreatedAt    string
	UpdatedAt    string
	Status       TemplateStatus
}

// AIChannel is an outbound completion-API template. Method is always POST
// and the body is always JSON.
type AIChannel struct {
	ID           string
	Name         string
	APIURL       string
	Method       string
	Model        string
	Params       map[string]string
	Headers      map[string]string
	Placeholders map[string]string
	Prompt       string
	Proxy        map[string]string
	CreatedAt    string
	UpdatedAt    string
	Status       TemplateStatus
}

func encodeJSONMap(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json map: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSONMap(v sql.NullString) (map[string]string, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decode json map: %w", err)
	}
	return m, nil
}

func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = TemplateEnabled
	}
	if ch.MaxLength <= 0 {
		ch.MaxLength = 2000
	}
	now := nowString()
	ch.CreatedAt, ch.UpdatedAt = now, now

	params, err := encodeJSONMap(ch.Params)
	if err != nil {
		return err
	}
	if !params.Valid {
		params = sql.NullString{String: "{}", Valid: true}
	}
	headers, err := encodeJSONMap(ch.Headers)
	if err != nil {
		return err
	}
	placeholders, err := encodeJSONMap(ch.Placeholders)
	if err != nil {
		return err
	}
	proxy, err := encodeJSONMap(ch.Proxy)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (id, name, api_url, method, content_type, params, headers, placeholders, proxy, max_length, created_at, updated_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.Name, ch.APIURL, ch.Method, ch.ContentType,
			params, headers, placeholders, proxy, ch.MaxLength,
			ch.CreatedAt, ch.UpdatedAt, string(ch.Status),
		)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
}

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var ch Channel
	var params, headers, placeholders, proxy sql.NullString
	var status string
	err := row.Scan(&ch.ID, &ch.Name, &ch.APIURL, &ch.Method, &ch.ContentType,
		&params, &headers, &placeholders, &proxy, &ch.MaxLength,
		&ch.CreatedAt, &ch.UpdatedAt, &status)
	if err != nil {
		return nil, err
	}
	ch.Status = TemplateStatus(status)
	if ch.Params, err = decodeJSONMap(params); err != nil {
		return nil, err
	}
	if ch.Headers, err = decodeJSONMap(headers); err != nil {
		return nil, err
	}
	if ch.Placeholders, err = decodeJSONMap(placeholders); err != nil {
		return nil, err
	}
	if ch.Proxy, err = decodeJSONMap(proxy); err != nil {
		return nil, err
	}
	return &ch, nil
}

const channelColumns = `id, name, api_url, method, content_type, params, headers, placeholders, proxy, max_length, created_at, updated_at, status`

func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpdateChannelFields patches the named columns. Callers pass already
// encoded values for JSON columns.
func (s *Store) UpdateChannelFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "channels", id, fields)
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "channels", id)
}

func (s *Store) CreateAIChannel(ctx context.Context, ch *AIChannel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = TemplateEnabled
	}
	ch.Method = "POST"
	now := nowString()
	ch.CreatedAt, ch.UpdatedAt = now, now

	params, err := encodeJSONMap(ch.Params)
	if err != nil {
		return err
	}
	headers, err := encodeJSONMap(ch.Headers)
	if err != nil {
		return err
	}
	placeholders, err := encodeJSONMap(ch.Placeholders)
	if err != nil {
		return err
	}
	proxy, err := encodeJSONMap(ch.Proxy)
	if err != nil {
		return err
	}
	prompt := sql.NullString{String: ch.Prompt, Valid: ch.Prompt != ""}

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ai_channels (id, name, api_url, method, model, params, headers, placeholders, prompt, proxy, created_at, updated_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.Name, ch.APIURL, ch.Method, ch.Model,
			params, headers, placeholders, prompt, proxy,
			ch.CreatedAt, ch.UpdatedAt, string(ch.Status),
		)
		if err != nil {
			return fmt.Errorf("insert ai channel: %w", err)
		}
		return nil
	})
}

const aiChannelColumns = `id, name, api_url, method, model, params, headers, placeholders, prompt, proxy, created_at, updated_at, status`

func scanAIChannel(row interface{ Scan(...any) error }) (*AIChannel, error) {
	var ch AIChannel
	var params, headers, placeholders, prompt, proxy sql.NullString
	var status string
	err := row.Scan(&ch.ID, &ch.Name, &ch.APIURL, &ch.Method, &ch.Model,
		&params, &headers, &placeholders, &prompt, &proxy,
		&ch.CreatedAt, &ch.UpdatedAt, &status)
	if err != nil {
		return nil, err
	}
	ch.Status = TemplateStatus(status)
	ch.Prompt = prompt.String
	if ch.Params, err = decodeJSONMap(params); err != nil {
		return nil, err
	}
	if ch.Headers, err = decodeJSONMap(headers); err != nil {
		return nil, err
	}
	if ch.Placeholders, err = decodeJSONMap(placeholders); err != nil {
		return nil, err
	}
	if ch.Proxy, err = decodeJSONMap(proxy); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) GetAIChannel(ctx context.Context, id string) (*AIChannel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aiChannelColumns+` FROM ai_channels WHERE id = ?`, id)
	ch, err := scanAIChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ai channel %s: %w", id, err)
	}
	return ch, nil
}

func (s *Store) ListAIChannels(ctx context.Context) ([]*AIChannel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+aiChannelColumns+` FROM ai_channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list ai channels: %w", err)
	}
	defer rows.Close()

	var out []*AIChannel
	for rows.Next() {
		ch, err := scanAIChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ai channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAIChannelFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "ai_channels", id, fields)
}

func (s *Store) DeleteAIChannel(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "ai_channels", id)
}

// updateFields builds a single UPDATE over the given columns and always
// bumps updated_at. Column names come from code, never from callers of the
// HTTP surface.
func (s *Store) updateFields(ctx context.Context, table, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, val := range fields {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowString(), id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update %s %s: %w", table, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) deleteByID(ctx context.Context, table, id string) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
