// Package scheduler drives the recurring maintenance jobs. Every job is a
// thin submit into the task queue; the real work happens in the dispatch
// handlers so the cron goroutine never blocks on IO.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coldriver/messagepusher/internal/dispatch"
	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/queue"
)

const (
	DefaultCleanupInterval = 3600 * time.Second
	DefaultRetryInterval   = 300 * time.Second
	DefaultStatsInterval   = 86400 * time.Second

	// Daily maintenance window, server-local time.
	dbMaintenanceSpec = "0 2 * * *"
)

type Config struct {
	Pool   *queue.Pool
	Ledger *errlog.Ledger
	Logger *slog.Logger

	CleanupInterval time.Duration
	RetryInterval   time.Duration
	StatsInterval   time.Duration
}

// Scheduler owns the cron runner. Each job keeps at most one instance
// in flight; an overlapping tick is skipped, not queued.
type Scheduler struct {
	pool   *queue.Pool
	ledger *errlog.Ledger
	logger *slog.Logger
	cron   *cron.Cron

	cleanupInterval time.Duration
	retryInterval   time.Duration
	statsInterval   time.Duration
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	return &Scheduler{
		pool:            cfg.Pool,
		ledger:          cfg.Ledger,
		logger:          cfg.Logger.With("component", "scheduler"),
		cleanupInterval: cfg.CleanupInterval,
		retryInterval:   cfg.RetryInterval,
		statsInterval:   cfg.StatsInterval,
	}
}

type job struct {
	name     string
	spec     string
	action   string
	priority queue.Priority
}

func (s *Scheduler) jobs() []job {
	return []job{
		{"cleanup", every(s.cleanupInterval), dispatch.ActionCleanup, queue.PriorityLow},
		{"retry_failed", every(s.retryInterval), dispatch.ActionRetryFailed, queue.PriorityNormal},
		{"generate_stats", every(s.statsInterval), dispatch.ActionGenerateStats, queue.PriorityLow},
		{"db_maintenance", dbMaintenanceSpec, dispatch.ActionDBMaintenance, queue.PriorityLow},
	}
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %ds", int(d.Seconds()))
}

// Start registers all jobs and starts the cron runner. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slogPrintf{s.logger})
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	for _, j := range s.jobs() {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.submit(j) }); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", j.name, err)
		}
		s.logger.Info("job registered", "job", j.name, "spec", j.spec)
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for in-flight submits.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) submit(j job) {
	id, err := s.pool.Submit(&queue.Task{
		Type:     queue.TypeSystemMaintenance,
		Priority: j.priority,
		Data:     map[string]string{"action": j.action},
	})
	if err != nil {
		s.logger.Error("job submit failed", "job", j.name, "error", err)
		if s.ledger != nil {
			s.ledger.Record(errlog.TypeScheduler, fmt.Sprintf("%s submit: %v", j.name, err),
				errlog.SeverityMedium, map[string]string{"job": j.name})
		}
		return
	}
	s.logger.Debug("job submitted", "job", j.name, "task_id", id)
}

// slogPrintf adapts slog to cron's printf-style logger.
type slogPrintf struct {
	logger *slog.Logger
}

func (l slogPrintf) Printf(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
