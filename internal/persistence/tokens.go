package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIToken is a push credential. DefaultChannels and DefaultAI fill in
// omitted selections on an ingress call.
type APIToken struct {
	ID              string
	Name            string
	Token           string
	DefaultChannels []string
	DefaultAI       string
	CreatedAt       string
	UpdatedAt       string
	ExpiresAt       string
	Status          TemplateStatus
}

// Valid reports whether the credential may be used right now.
func (t *APIToken) Valid(now time.Time) bool {
	if t.Status != TemplateEnabled {
		return false
	}
	if t.ExpiresAt == "" {
		return true
	}
	exp := parseTimeString(t.ExpiresAt)
	if exp.IsZero() {
		return false
	}
	return exp.After(now)
}

func (s *Store) CreateAPIToken(ctx context.Context, tok *APIToken) error {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if tok.Token == "" {
		tok.Token = uuid.NewString()
	}
	if tok.Status == "" {
		tok.Status = TemplateEnabled
	}
	now := nowString()
	tok.CreatedAt, tok.UpdatedAt = now, now

	var channels sql.NullString
	if tok.DefaultChannels != nil {
		raw, err := json.Marshal(tok.DefaultChannels)
		if err != nil {
			return fmt.Errorf("encode default channels: %w", err)
		}
		channels = sql.NullString{String: string(raw), Valid: true}
	}
	defaultAI := sql.NullString{String: tok.DefaultAI, Valid: tok.DefaultAI != ""}
	expiresAt := sql.NullString{String: tok.ExpiresAt, Valid: tok.ExpiresAt != ""}

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO api_tokens (id, name, token, default_channels, default_ai, created_at, updated_at, expires_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tok.ID, tok.Name, tok.Token, channels, defaultAI,
			tok.CreatedAt, tok.UpdatedAt, expiresAt, string(tok.Status),
		)
		if err != nil {
			return fmt.Errorf("insert api token: %w", err)
		}
		return nil
	})
}

const tokenColumns = `id, name, token, default_channels, default_ai, created_at, updated_at, expires_at, status`

func scanAPIToken(row interface{ Scan(...any) error }) (*APIToken, error) {
	var tok APIToken
	var channels, defaultAI, expiresAt sql.NullString
	var status string
	err := row.Scan(&tok.ID, &tok.Name, &tok.Token, &channels, &defaultAI,
		&tok.CreatedAt, &tok.UpdatedAt, &expiresAt, &status)
	if err != nil {
		return nil, err
	}
	tok.Status = TemplateStatus(status)
	tok.DefaultAI = defaultAI.String
	tok.ExpiresAt = expiresAt.String
	if channels.Valid && channels.String != "" {
		if err := json.Unmarshal([]byte(channels.String), &tok.DefaultChannels); err != nil {
			return nil, fmt.Errorf("decode default channels: %w", err)
		}
	}
	return &tok, nil
}

func (s *Store) GetAPIToken(ctx context.Context, id string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE id = ?`, id)
	tok, err := scanAPIToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api token %s: %w", id, err)
	}
	return tok, nil
}

// GetAPITokenByValue resolves the opaque token string presented on a push
// call. Validity is the caller's concern.
func (s *Store) GetAPITokenByValue(ctx context.Context, token string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE token = ?`, token)
	tok, err := scanAPIToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api token by value: %w", err)
	}
	return tok, nil
}

func (s *Store) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM api_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var out []*APIToken
	for rows.Next() {
		tok, err := scanAPIToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAPITokenFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "api_tokens", id, fields)
}

func (s *Store) DeleteAPIToken(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "api_tokens", id)
}
