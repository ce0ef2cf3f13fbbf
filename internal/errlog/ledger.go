package errlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldriver/messagepusher/internal/telemetry"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error type tags used across the engine. Callers may record ad-hoc types
// too; these are the ones components agree on.
const (
	TypeDispatch  = "dispatch"
	TypeStore     = "store"
	TypeScheduler = "scheduler"
	TypeHandler   = "handler"
	TypeGateway   = "gateway"
)

const DefaultMaxHistory = 1000

var defaultThresholds = map[Severity]int{
	SeverityLow:      100,
	SeverityMedium:   10,
	SeverityHigh:     1,
	SeverityCritical: 1,
}

type Record struct {
	ID        string
	Type      string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Context   map[string]string
}

// Notifier fires when a severity counter meets its threshold. count is the
// accumulated total since the last reset; last is the record that tripped
// the threshold.
type Notifier func(severity Severity, count int, last Record)

type Config struct {
	MaxHistory int
	Thresholds map[Severity]int
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics // optional
}

// Ledger is a bounded in-memory ring of error records with severity
// counters and threshold-triggered notification.
type Ledger struct {
	maxHistory int
	thresholds map[Severity]int
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	mu        sync.Mutex
	ring      []Record
	next      int
	filled    bool
	counters  map[Severity]int
	callbacks map[string][]func(Record)
	notifier  Notifier
}

func New(cfg Config) *Ledger {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	thresholds := make(map[Severity]int, len(defaultThresholds))
	for sev, n := range defaultThresholds {
		thresholds[sev] = n
	}
	for sev, n := range cfg.Thresholds {
		if n > 0 {
			thresholds[sev] = n
		}
	}
	return &Ledger{
		maxHistory: cfg.MaxHistory,
		thresholds: thresholds,
		logger:     cfg.Logger.With("component", "errlog"),
		metrics:    cfg.Metrics,
		ring:       make([]Record, cfg.MaxHistory),
		counters:   make(map[Severity]int),
		callbacks:  make(map[string][]func(Record)),
	}
}

// SetNotifier installs the threshold hook. One notifier; installing again
// replaces it.
func (l *Ledger) SetNotifier(fn Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = fn
}

// OnType registers a callback invoked for every record of the given type.
// Callback panics are caught and logged.
func (l *Ledger) OnType(errType string, cb func(Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[errType] = append(l.callbacks[errType], cb)
}

// Record appends an error to the ring and bumps the severity counter. When
// the counter meets its threshold, the notifier fires and the counter
// resets.
func (l *Ledger) Record(errType, message string, severity Severity, context map[string]string) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Type:      errType,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Context:   context,
	}

	l.mu.Lock()
	l.ring[l.next] = rec
	l.next++
	if l.next == l.maxHistory {
		l.next = 0
		l.filled = true
	}

	l.counters[severity]++
	count := l.counters[severity]
	threshold := l.thresholds[severity]
	var notify Notifier
	if threshold > 0 && count >= threshold {
		notify = l.notifier
		l.counters[severity] = 0
	}
	callbacks := append([]func(Record){}, l.callbacks[errType]...)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.ErrorsRecordedTotal.WithLabelValues(string(severity)).Inc()
	}
	l.logger.Error("error recorded", "error_type", errType, "severity", string(severity), "detail", message)

	if notify != nil {
		l.safeNotify(notify, severity, count, rec)
	}
	for _, cb := range callbacks {
		l.safeCallback(cb, rec)
	}
	return rec
}

func (l *Ledger) safeNotify(fn Notifier, severity Severity, count int, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("notifier panicked", "severity", string(severity), "panic", r)
		}
	}()
	fn(severity, count, rec)
}

func (l *Ledger) safeCallback(cb func(Record), rec Record) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("error callback panicked", "error_type", rec.Type, "panic", r)
		}
	}()
	cb(rec)
}

// Recent returns up to n records, newest first.
func (l *Ledger) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = l.maxHistory
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	idx := l.next - 1
	for len(out) < n {
		if idx < 0 {
			idx = l.maxHistory - 1
		}
		out = append(out, l.ring[idx])
		idx--
	}
	return out
}

// Counts returns the live severity counters (accumulated since the last
// threshold reset).
func (l *Ledger) Counts() map[Severity]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Severity]int, len(l.counters))
	for sev, n := range l.counters {
		out[sev] = n
	}
	return out
}
