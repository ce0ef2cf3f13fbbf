package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/queue"
	"github.com/coldriver/messagepusher/internal/request"
	"github.com/coldriver/messagepusher/internal/telemetry"
)

const (
	DefaultStuckThreshold = 15 * time.Minute
	DefaultCleanupMaxAge  = time.Hour
)

type Config struct {
	Store   *persistence.Store
	Builder *request.Builder
	Pool    *queue.Pool
	Ledger  *errlog.Ledger
	Logger  *slog.Logger
	Metrics *telemetry.Metrics // optional

	MaxRetries        int
	MaxContentLength  int64
	StuckThreshold    time.Duration
	CleanupMaxAge     time.Duration
	FileStoragePath   string
	FileRetentionDays int
}

// Engine owns the task handlers and the per-attempt state machine. It is
// registered on the pool once at startup.
type Engine struct {
	store   *persistence.Store
	builder *request.Builder
	pool    *queue.Pool
	ledger  *errlog.Ledger
	logger  *slog.Logger
	metrics *telemetry.Metrics

	maxRetries        int
	maxContentLength  int64
	stuckThreshold    time.Duration
	cleanupMaxAge     time.Duration
	fileStoragePath   string
	fileRetentionDays int
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.DefaultMaxRetries
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = request.DefaultMaxContentLength
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = DefaultCleanupMaxAge
	}
	return &Engine{
		store:             cfg.Store,
		builder:           cfg.Builder,
		pool:              cfg.Pool,
		ledger:            cfg.Ledger,
		logger:            cfg.Logger.With("component", "dispatch"),
		metrics:           cfg.Metrics,
		maxRetries:        cfg.MaxRetries,
		maxContentLength:  cfg.MaxContentLength,
		stuckThreshold:    cfg.StuckThreshold,
		cleanupMaxAge:     cfg.CleanupMaxAge,
		fileStoragePath:   cfg.FileStoragePath,
		fileRetentionDays: cfg.FileRetentionDays,
	}
}

// Register wires all handlers onto the pool.
func (e *Engine) Register() error {
	handlers := map[queue.Type]queue.Handler{
		queue.TypeSendMessage:       e.handleSendMessage,
		queue.TypeAIProcess:         e.handleAIProcess,
		queue.TypeUrlFetch:          e.handleUrlFetch,
		queue.TypeSystemMaintenance: e.handleMaintenance,
	}
	for taskType, h := range handlers {
		if err := e.pool.RegisterHandler(taskType, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordError(errType, message string, severity errlog.Severity, context map[string]string) {
	if e.ledger != nil {
		e.ledger.Record(errType, message, severity, context)
	}
}

func (e *Engine) countDispatch(outcome request.Outcome) {
	if e.metrics != nil {
		e.metrics.DispatchesTotal.WithLabelValues(outcome.String()).Inc()
	}
}

// handleSendMessage fans one message out to every channel still worth
// sending. Attempts race on the status CAS, so a lost claim is a skip, not
// an error.
func (e *Engine) handleSendMessage(ctx context.Context, task *queue.Task) error {
	messageID := task.Data["message_id"]
	if messageID == "" {
		return errors.New("send: missing message_id")
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("send: load message: %w", err)
	}
	attempts, err := e.store.ListDispatchableAttempts(ctx, messageID, e.maxRetries)
	if err != nil {
		return fmt.Errorf("send: list attempts: %w", err)
	}
	if len(attempts) == 0 {
		// Every attempt is terminal; resubmission is a no-op.
		return nil
	}

	var wg sync.WaitGroup
	for _, attempt := range attempts {
		wg.Add(1)
		go func(attempt *persistence.Attempt) {
			defer wg.Done()
			e.dispatchAttempt(ctx, msg, attempt)
		}(attempt)
	}
	wg.Wait()
	return nil
}

func (e *Engine) dispatchAttempt(ctx context.Context, msg *persistence.Message, attempt *persistence.Attempt) {
	if err := e.store.CASAttemptStatus(ctx, attempt.ID, attempt.Status, persistence.AttemptSending, nil); err != nil {
		if errors.Is(err, persistence.ErrCASMismatch) {
			return // another worker owns this attempt
		}
		e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityCritical, map[string]string{"attempt_id": attempt.ID})
		return
	}
	logger := e.logger.With("message_id", msg.ID, "attempt_id", attempt.ID, "channel_id", attempt.ChannelID)

	tpl, err := e.store.GetChannel(ctx, attempt.ChannelID)
	if err != nil {
		e.failAttempt(ctx, attempt.ID, "channel missing: "+err.Error(), true)
		e.recordError(errlog.TypeDispatch, "channel lookup failed", errlog.SeverityHigh, map[string]string{"channel_id": attempt.ChannelID})
		return
	}
	if tpl.Status != persistence.TemplateEnabled {
		e.failAttempt(ctx, attempt.ID, "channel disabled", true)
		logger.Warn("attempt failed", "reason", "channel disabled")
		return
	}

	res, err := e.builder.SendChannel(ctx, tpl, msg)
	if err != nil {
		// Builder errors are template problems; retries cannot help.
		e.failAttempt(ctx, attempt.ID, err.Error(), true)
		e.recordError(errlog.TypeDispatch, err.Error(), errlog.SeverityMedium, map[string]string{"channel_id": tpl.ID})
		return
	}

	switch res.Outcome() {
	case request.OutcomeSuccess:
		extra := map[string]any{"sent_at": time.Now().UTC().Format(time.RFC3339)}
		if err := e.store.CASAttemptStatus(ctx, attempt.ID, persistence.AttemptSending, persistence.AttemptSuccess, extra); err != nil {
			e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityCritical, map[string]string{"attempt_id": attempt.ID})
			return
		}
		e.countDispatch(request.OutcomeSuccess)
		logger.Info("attempt delivered")
	case request.OutcomeTransient:
		e.failAttemptTransient(ctx, attempt, res.Error())
		e.countDispatch(request.OutcomeTransient)
		logger.Warn("attempt failed", "transient", true, "error", res.Error())
	default:
		e.failAttempt(ctx, attempt.ID, res.Error(), true)
		e.countDispatch(request.OutcomePermanent)
		e.recordError(errlog.TypeDispatch, res.Error(), errlog.SeverityMedium, map[string]string{"channel_id": tpl.ID})
		logger.Warn("attempt failed", "transient", false, "error", res.Error())
	}
}

// failAttempt latches sending->failed. exhaust burns the whole retry
// budget so the scheduler never picks the attempt up again.
func (e *Engine) failAttempt(ctx context.Context, attemptID, errMsg string, exhaust bool) {
	extra := map[string]any{"error": errMsg}
	if exhaust {
		extra["retry_count"] = e.maxRetries
	}
	if err := e.store.CASAttemptStatus(ctx, attemptID, persistence.AttemptSending, persistence.AttemptFailed, extra); err != nil {
		e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityCritical, map[string]string{"attempt_id": attemptID})
	}
}

// failAttemptTransient records the error and spends one unit of retry
// budget. Selection for the next round is retry_count < max_retries.
func (e *Engine) failAttemptTransient(ctx context.Context, attempt *persistence.Attempt, errMsg string) {
	extra := map[string]any{
		"error":       errMsg,
		"retry_count": attempt.RetryCount + 1,
	}
	if err := e.store.CASAttemptStatus(ctx, attempt.ID, persistence.AttemptSending, persistence.AttemptFailed, extra); err != nil {
		e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityCritical, map[string]string{"attempt_id": attempt.ID})
	}
}

// handleAIProcess runs the message's single AI attempt through the same
// state machine with processing in place of sending.
func (e *Engine) handleAIProcess(ctx context.Context, task *queue.Task) error {
	messageID := task.Data["message_id"]
	if messageID == "" {
		return errors.New("ai: missing message_id")
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("ai: load message: %w", err)
	}
	attempt, err := e.store.GetAIAttemptByMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil // message has no AI stage
		}
		return fmt.Errorf("ai: load attempt: %w", err)
	}
	if attempt.Status != persistence.AttemptWaiting &&
		!(attempt.Status == persistence.AttemptFailed && attempt.RetryCount < e.maxRetries) {
		return nil
	}

	if err := e.store.CASAIAttemptStatus(ctx, attempt.ID, attempt.Status, persistence.AttemptProcessing, nil); err != nil {
		if errors.Is(err, persistence.ErrCASMismatch) {
			return nil
		}
		return fmt.Errorf("ai: claim attempt: %w", err)
	}
	logger := e.logger.With("message_id", msg.ID, "ai_attempt_id", attempt.ID)

	tpl, err := e.store.GetAIChannel(ctx, attempt.AIChannelID)
	if err != nil {
		e.failAIAttempt(ctx, attempt.ID, "ai channel missing: "+err.Error(), true)
		return nil
	}
	if tpl.Status != persistence.TemplateEnabled {
		e.failAIAttempt(ctx, attempt.ID, "ai channel disabled", true)
		logger.Warn("ai attempt failed", "reason", "ai channel disabled")
		return nil
	}

	res, err := e.builder.SendAI(ctx, tpl, msg)
	if err != nil {
		e.failAIAttempt(ctx, attempt.ID, err.Error(), true)
		e.recordError(errlog.TypeDispatch, err.Error(), errlog.SeverityMedium, map[string]string{"ai_channel_id": tpl.ID})
		return nil
	}

	switch res.Outcome() {
	case request.OutcomeSuccess:
		text, ok := request.ExtractCompletion(res.Body)
		if !ok {
			// HTTP success with an unusable body cannot improve on retry.
			e.failAIAttempt(ctx, attempt.ID, "unusable completion response", true)
			e.countDispatch(request.OutcomePermanent)
			logger.Warn("ai attempt failed", "reason", "unusable completion response")
			return nil
		}
		extra := map[string]any{
			"result":       text,
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.store.CASAIAttemptStatus(ctx, attempt.ID, persistence.AttemptProcessing, persistence.AttemptSuccess, extra); err != nil {
			return fmt.Errorf("ai: latch success: %w", err)
		}
		e.countDispatch(request.OutcomeSuccess)
		logger.Info("ai attempt processed")
	case request.OutcomeTransient:
		extra := map[string]any{"error": res.Error(), "retry_count": attempt.RetryCount + 1}
		if err := e.store.CASAIAttemptStatus(ctx, attempt.ID, persistence.AttemptProcessing, persistence.AttemptFailed, extra); err != nil {
			return fmt.Errorf("ai: record transient failure: %w", err)
		}
		e.countDispatch(request.OutcomeTransient)
		logger.Warn("ai attempt failed", "transient", true, "error", res.Error())
	default:
		e.failAIAttempt(ctx, attempt.ID, res.Error(), true)
		e.countDispatch(request.OutcomePermanent)
		logger.Warn("ai attempt failed", "transient", false, "error", res.Error())
	}
	return nil
}

func (e *Engine) failAIAttempt(ctx context.Context, attemptID, errMsg string, exhaust bool) {
	extra := map[string]any{"error": errMsg}
	if exhaust {
		extra["retry_count"] = e.maxRetries
	}
	if err := e.store.CASAIAttemptStatus(ctx, attemptID, persistence.AttemptProcessing, persistence.AttemptFailed, extra); err != nil {
		e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityCritical, map[string]string{"ai_attempt_id": attemptID})
	}
}

// handleUrlFetch pulls the message's url body into url_content. Transient
// errors bubble up so the task-level retry re-runs the fetch; permanent
// errors are non-fatal to delivery. When file storage is configured the
// body is also kept on disk and the path recorded on the message, so the
// retention pass in runDBMaintenance can age it out.
func (e *Engine) handleUrlFetch(ctx context.Context, task *queue.Task) error {
	messageID := task.Data["message_id"]
	rawURL := task.Data["url"]
	if messageID == "" || rawURL == "" {
		return errors.New("urlfetch: missing message_id or url")
	}

	res, err := e.builder.FetchURL(ctx, rawURL, e.maxContentLength)
	if err != nil {
		return fmt.Errorf("urlfetch: %w", err)
	}
	switch res.Outcome() {
	case request.OutcomeSuccess:
		if err := e.store.SetMessageURLContent(ctx, messageID, string(res.Body)); err != nil {
			return fmt.Errorf("urlfetch: store content: %w", err)
		}
		e.saveFetchedFile(ctx, messageID, res.Body)
		e.logger.Info("url content stored", "message_id", messageID, "bytes", len(res.Body))
		return nil
	case request.OutcomeTransient:
		return fmt.Errorf("urlfetch: transient: %s", res.Error())
	default:
		e.logger.Warn("url fetch failed permanently", "message_id", messageID, "error", res.Error())
		return nil
	}
}

// saveFetchedFile writes the fetched body under the storage directory and
// records the path on the message. Best effort; url_content already holds
// the body, so a disk failure only loses the on-disk copy.
func (e *Engine) saveFetchedFile(ctx context.Context, messageID string, body []byte) {
	if e.fileStoragePath == "" {
		return
	}
	if err := os.MkdirAll(e.fileStoragePath, 0o755); err != nil {
		e.logger.Warn("file storage unavailable", "path", e.fileStoragePath, "error", err)
		return
	}
	path := filepath.Join(e.fileStoragePath, messageID+".dat")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		e.logger.Warn("file save failed", "path", path, "error", err)
		return
	}
	if err := e.store.SetMessageFileStorage(ctx, messageID, path); err != nil {
		e.logger.Warn("file path not recorded", "message_id", messageID, "error", err)
	}
}
