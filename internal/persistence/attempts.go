package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptWaiting    AttemptStatus = "waiting"
	AttemptSending    AttemptStatus = "sending"
	AttemptProcessing AttemptStatus = "processing"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
)

// ErrCASMismatch reports a lost compare-and-set race: the row's current
// status did not match the expected from-status.
var ErrCASMismatch = errors.New("persistence: status mismatch")

// success is terminal. There is deliberately no entry for AttemptSuccess,
// so a latched row can never transition again.
var allowedAttemptTransitions = map[AttemptStatus]map[AttemptStatus]struct{}{
	AttemptWaiting: {
		AttemptSending:    {},
		AttemptProcessing: {},
		AttemptFailed:     {},
	},
	AttemptSending: {
		AttemptSuccess: {},
		AttemptFailed:  {},
	},
	AttemptProcessing: {
		AttemptSuccess: {},
		AttemptFailed:  {},
	},
	AttemptFailed: {
		AttemptSending:    {},
		AttemptProcessing: {},
	},
}

func validateTransition(from, to AttemptStatus) error {
	targets, ok := allowedAttemptTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transitions out of %q", ErrCASMismatch, from)
	}
	if _, ok := targets[to]; !ok {
		return fmt.Errorf("%w: %q -> %q not allowed", ErrCASMismatch, from, to)
	}
	return nil
}

// Attempt tracks one message's delivery through one channel.
type Attempt struct {
	ID         string
	MessageID  string
	ChannelID  string
	Status     AttemptStatus
	Error      string
	SentAt     string
	RetryCount int
	CreatedAt  string
	UpdatedAt  string
}

// AIAttempt tracks a message's single AI post-processing pass.
type AIAttempt struct {
	ID          string
	MessageID   string
	AIChannelID string
	Prompt      string
	Result      string
	Status      AttemptStatus
	Error       string
	ProcessedAt string
	RetryCount  int
	CreatedAt   string
	UpdatedAt   string
}

func (s *Store) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AttemptWaiting
	}
	now := nowString()
	a.CreatedAt, a.UpdatedAt = now, now

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_channels (id, message_id, channel_id, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.ChannelID, string(a.Status), a.RetryCount,
			a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

const attemptColumns = `id, message_id, channel_id, status, error, sent_at, retry_count, created_at, updated_at`

func scanAttempt(row interface{ Scan(...any) error }) (*Attempt, error) {
	var a Attempt
	var errMsg, sentAt sql.NullString
	var status string
	err := row.Scan(&a.ID, &a.MessageID, &a.ChannelID, &status, &errMsg,
		&sentAt, &a.RetryCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.Error = errMsg.String
	a.SentAt = sentAt.String
	return &a, nil
}

func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM message_channels WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListAttemptsByMessage(ctx context.Context, messageID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM message_channels
		WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListDispatchableAttempts returns a message's attempts still worth
// sending: waiting rows, plus failed rows with retry budget left.
func (s *Store) ListDispatchableAttempts(ctx context.Context, messageID string, maxRetries int) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM message_channels
		WHERE message_id = ?
		  AND (status = 'waiting' OR (status = 'failed' AND retry_count < ?))
		ORDER BY created_at`, messageID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListRetryableFailedMessages returns distinct message ids that still have
// failed attempts with retry budget. The scheduler re-enqueues these.
func (s *Store) ListRetryableFailedMessages(ctx context.Context, maxRetries, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT message_id FROM message_channels
		WHERE status = 'failed' AND retry_count < ?
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable failed messages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRetryableFailedAIMessages is the AI-side counterpart of
// ListRetryableFailedMessages.
func (s *Store) ListRetryableFailedAIMessages(ctx context.Context, maxRetries, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT message_id FROM message_ai
		WHERE status = 'failed' AND retry_count < ?
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable failed ai messages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func collectAttempts(rows *sql.Rows) ([]*Attempt, error) {
	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CASAttemptStatus atomically moves an attempt from one status to another.
// extra holds columns written in the same UPDATE (error, sent_at,
// retry_count). Returns ErrCASMismatch when the row's current status is not
// the expected one, which includes every row already latched to success.
func (s *Store) CASAttemptStatus(ctx context.Context, id string, from, to AttemptStatus, extra map[string]any) error {
	return s.casStatus(ctx, "message_channels", id, from, to, extra)
}

func (s *Store) CASAIAttemptStatus(ctx context.Context, id string, from, to AttemptStatus, extra map[string]any) error {
	return s.casStatus(ctx, "message_ai", id, from, to, extra)
}

func (s *Store) casStatus(ctx context.Context, table, id string, from, to AttemptStatus, extra map[string]any) error {
	if err := validateTransition(from, to); err != nil {
		return err
	}
	sets := "status = ?, updated_at = ?"
	args := []any{string(to), nowString()}
	for col, val := range extra {
		sets += ", " + col + " = ?"
		args = append(args, val)
	}
	args = append(args, id, string(from))

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND status = ?", table, sets),
			args...)
		if err != nil {
			return fmt.Errorf("cas %s %s: %w", table, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: %s %s not in %q", ErrCASMismatch, table, id, from)
		}
		return nil
	})
}

// IncrementAttemptRetry bumps retry_count without touching status. Used by
// the scheduler when it re-enqueues a failed message.
func (s *Store) IncrementAttemptRetry(ctx context.Context, id string) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE message_channels SET retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?`, nowString(), id)
		if err != nil {
			return fmt.Errorf("increment attempt retry: %w", err)
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

// SweepStuckAttempts fails sending/processing rows whose last update is
// older than the threshold. Recovers rows orphaned by a crash mid-dispatch.
func (s *Store) SweepStuckAttempts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	var total int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		total = 0
		res, err := s.db.ExecContext(ctx, `
			UPDATE message_channels SET status = 'failed', error = 'stuck in sending', updated_at = ?
			WHERE status = 'sending' AND updated_at < ?`, nowString(), cutoff)
		if err != nil {
			return fmt.Errorf("sweep stuck attempts: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n

		res, err = s.db.ExecContext(ctx, `
			UPDATE message_ai SET status = 'failed', error = 'stuck in processing', updated_at = ?
			WHERE status = 'processing' AND updated_at < ?`, nowString(), cutoff)
		if err != nil {
			return fmt.Errorf("sweep stuck ai attempts: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

// ListStaleWaitingMessages returns messages that still have waiting
// attempts older than the threshold. Such rows had their queued task die
// with the process; re-submitting a send restores the delivery path.
func (s *Store) ListStaleWaitingMessages(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return s.listStaleWaiting(ctx, "message_channels", olderThan, limit)
}

// ListStaleWaitingAIMessages is the AI-side counterpart of
// ListStaleWaitingMessages.
func (s *Store) ListStaleWaitingAIMessages(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return s.listStaleWaiting(ctx, "message_ai", olderThan, limit)
}

func (s *Store) listStaleWaiting(ctx context.Context, table string, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT message_id FROM %s
		WHERE status = 'waiting' AND updated_at < ?
		LIMIT ?`, table), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale waiting %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CreateAIAttempt(ctx context.Context, a *AIAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AttemptWaiting
	}
	now := nowString()
	a.CreatedAt, a.UpdatedAt = now, now

	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_ai (id, message_id, ai_channel_id, prompt, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.AIChannelID, a.Prompt, string(a.Status), a.RetryCount,
			a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ai attempt: %w", err)
		}
		return nil
	})
}

const aiAttemptColumns = `id, message_id, ai_channel_id, prompt, result, status, error, processed_at, retry_count, created_at, updated_at`

func scanAIAttempt(row interface{ Scan(...any) error }) (*AIAttempt, error) {
	var a AIAttempt
	var result, errMsg, processedAt sql.NullString
	var status string
	err := row.Scan(&a.ID, &a.MessageID, &a.AIChannelID, &a.Prompt, &result,
		&status, &errMsg, &processedAt, &a.RetryCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.Result = result.String
	a.Error = errMsg.String
	a.ProcessedAt = processedAt.String
	return &a, nil
}

func (s *Store) GetAIAttempt(ctx context.Context, id string) (*AIAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aiAttemptColumns+` FROM message_ai WHERE id = ?`, id)
	a, err := scanAIAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ai attempt %s: %w", id, err)
	}
	return a, nil
}

// GetAIAttemptByMessage returns the message's single AI attempt, or
// ErrNotFound when the message has none.
func (s *Store) GetAIAttemptByMessage(ctx context.Context, messageID string) (*AIAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aiAttemptColumns+` FROM message_ai WHERE message_id = ?`, messageID)
	a, err := scanAIAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ai attempt for message %s: %w", messageID, err)
	}
	return a, nil
}

func (s *Store) IncrementAIAttemptRetry(ctx context.Context, id string) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE message_ai SET retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?`, nowString(), id)
		if err != nil {
			return fmt.Errorf("increment ai attempt retry: %w", err)
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

// AttemptStatusCounts aggregates delivery attempts by status. Feeds the
// stats job and the metrics gauges.
func (s *Store) AttemptStatusCounts(ctx context.Context) (map[AttemptStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM message_channels GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("attempt status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[AttemptStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[AttemptStatus(status)] = n
	}
	return out, rows.Err()
}
