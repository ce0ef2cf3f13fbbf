package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/queue"
)

const (
	ActionCleanup       = "cleanup"
	ActionRetryFailed   = "retry_failed_messages"
	ActionGenerateStats = "generate_stats"
	ActionDBMaintenance = "db_maintenance"
)

func (e *Engine) handleMaintenance(ctx context.Context, task *queue.Task) error {
	action := task.Data["action"]
	switch action {
	case ActionCleanup:
		return e.runCleanup(ctx)
	case ActionRetryFailed:
		return e.runRetryFailed(ctx)
	case ActionGenerateStats:
		return e.runGenerateStats(ctx)
	case ActionDBMaintenance:
		return e.runDBMaintenance(ctx)
	default:
		return fmt.Errorf("maintenance: unknown action %q", action)
	}
}

func (e *Engine) runCleanup(_ context.Context) error {
	purged := e.pool.PurgeCompleted(e.cleanupMaxAge)
	e.logger.Info("cleanup finished", "purged_tasks", purged)
	return nil
}

// runRetryFailed recovers stuck in-flight rows, then re-enqueues every
// message that still has failed attempts with budget or waiting attempts
// whose queued task died with the process. Low priority so the backlog
// never starves fresh pushes.
func (e *Engine) runRetryFailed(ctx context.Context) error {
	swept, err := e.store.SweepStuckAttempts(ctx, e.stuckThreshold)
	if err != nil {
		e.recordError(errlog.TypeScheduler, err.Error(), errlog.SeverityHigh, nil)
	} else if swept > 0 {
		e.logger.Warn("recovered stuck attempts", "count", swept)
	}

	messageIDs, err := e.store.ListRetryableFailedMessages(ctx, e.maxRetries, 0)
	if err != nil {
		return fmt.Errorf("retry scan: %w", err)
	}
	staleIDs, err := e.store.ListStaleWaitingMessages(ctx, e.stuckThreshold, 0)
	if err != nil {
		return fmt.Errorf("stale waiting scan: %w", err)
	}
	submitted := make(map[string]struct{}, len(messageIDs)+len(staleIDs))
	for _, id := range append(messageIDs, staleIDs...) {
		if _, done := submitted[id]; done {
			continue
		}
		submitted[id] = struct{}{}
		if _, err := e.pool.Submit(&queue.Task{
			Type:     queue.TypeSendMessage,
			Priority: queue.PriorityLow,
			Data:     map[string]string{"message_id": id},
		}); err != nil {
			return fmt.Errorf("retry submit %s: %w", id, err)
		}
	}

	aiMessageIDs, err := e.store.ListRetryableFailedAIMessages(ctx, e.maxRetries, 0)
	if err != nil {
		return fmt.Errorf("ai retry scan: %w", err)
	}
	staleAIIDs, err := e.store.ListStaleWaitingAIMessages(ctx, e.stuckThreshold, 0)
	if err != nil {
		return fmt.Errorf("stale waiting ai scan: %w", err)
	}
	submittedAI := make(map[string]struct{}, len(aiMessageIDs)+len(staleAIIDs))
	for _, id := range append(aiMessageIDs, staleAIIDs...) {
		if _, done := submittedAI[id]; done {
			continue
		}
		submittedAI[id] = struct{}{}
		if _, err := e.pool.Submit(&queue.Task{
			Type:     queue.TypeAIProcess,
			Priority: queue.PriorityLow,
			Data:     map[string]string{"message_id": id},
		}); err != nil {
			return fmt.Errorf("ai retry submit %s: %w", id, err)
		}
	}

	if len(submitted)+len(submittedAI) > 0 {
		e.logger.Info("retry pass finished", "messages", len(submitted), "ai_messages", len(submittedAI))
	}
	return nil
}

func (e *Engine) runGenerateStats(ctx context.Context) error {
	counts, err := e.store.AttemptStatusCounts(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	daily, err := e.store.DailyMessageCounts(ctx, 7)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if e.metrics != nil {
		for _, status := range []persistence.AttemptStatus{
			persistence.AttemptWaiting, persistence.AttemptSending,
			persistence.AttemptSuccess, persistence.AttemptFailed,
		} {
			e.metrics.AttemptsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	depth, byStatus := e.pool.Stats()
	e.logger.Info("stats generated",
		"attempts_waiting", counts[persistence.AttemptWaiting],
		"attempts_success", counts[persistence.AttemptSuccess],
		"attempts_failed", counts[persistence.AttemptFailed],
		"queue_depth", depth,
		"tasks_pending", byStatus[queue.StatusPending],
		"daily_buckets", len(daily))
	return nil
}

// runDBMaintenance compacts the store and applies the retention policy to
// old messages and stored files.
func (e *Engine) runDBMaintenance(ctx context.Context) error {
	if err := e.store.Maintenance(ctx); err != nil {
		e.recordError(errlog.TypeStore, err.Error(), errlog.SeverityHigh, nil)
		return fmt.Errorf("db maintenance: %w", err)
	}

	if e.fileRetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -e.fileRetentionDays)
		pruned, err := e.store.PruneMessagesBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune messages: %w", err)
		}
		removed := e.pruneOldFiles(cutoff)
		e.logger.Info("retention applied", "pruned_messages", pruned, "removed_files", removed)
	}
	return nil
}

// pruneOldFiles removes stored files older than the cutoff. Best effort;
// a failed removal is logged and skipped.
func (e *Engine) pruneOldFiles(cutoff time.Time) int {
	if e.fileStoragePath == "" {
		return 0
	}
	entries, err := os.ReadDir(e.fileStoragePath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("file retention scan failed", "path", e.fileStoragePath, "error", err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.fileStoragePath, entry.Name())
		if err := os.Remove(path); err != nil {
			e.logger.Warn("file removal failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
