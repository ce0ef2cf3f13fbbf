// Package supervisor owns component lifecycle: ordered startup, reverse
// shutdown, and restart.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldriver/messagepusher/internal/errlog"
)

// Component is one startable unit. Configure receives the system_config
// key/value snapshot before Start.
type Component interface {
	Name() string
	Configure(settings map[string]string) error
	Start(ctx context.Context) error
	Stop() error
}

// restartGap lets sockets and file handles release between stop and start.
const restartGap = time.Second

type Supervisor struct {
	components []Component
	ledger     *errlog.Ledger
	logger     *slog.Logger
	started    []Component
}

func New(logger *slog.Logger, ledger *errlog.Ledger, components ...Component) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		components: components,
		ledger:     ledger,
		logger:     logger.With("component", "supervisor"),
	}
}

// Start configures and starts every component in registration order. On
// failure, everything already started is stopped in reverse and the
// error returned.
func (s *Supervisor) Start(ctx context.Context, settings map[string]string) error {
	for _, c := range s.components {
		if err := c.Configure(settings); err != nil {
			s.stopStarted()
			return fmt.Errorf("configure %s: %w", c.Name(), err)
		}
		if err := c.Start(ctx); err != nil {
			s.stopStarted()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.started = append(s.started, c)
		s.logger.Info("component started", "name", c.Name())
	}
	return nil
}

// Stop shuts down in reverse order. Each stop is best-effort; a failure
// is logged and shutdown continues.
func (s *Supervisor) Stop() {
	s.stopStarted()
}

func (s *Supervisor) stopStarted() {
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		if err := c.Stop(); err != nil {
			s.logger.Error("component stop failed", "name", c.Name(), "error", err)
			if s.ledger != nil {
				s.ledger.Record(errlog.TypeHandler, c.Name()+" stop: "+err.Error(),
					errlog.SeverityMedium, map[string]string{"component": c.Name()})
			}
			continue
		}
		s.logger.Info("component stopped", "name", c.Name())
	}
	s.started = nil
}

// Restart stops everything, waits the release gap, and starts again.
func (s *Supervisor) Restart(ctx context.Context, settings map[string]string) error {
	s.Stop()
	time.Sleep(restartGap)
	return s.Start(ctx, settings)
}

// Run starts the components and blocks until ctx is cancelled, then
// shuts down. Meant to be driven by signal.NotifyContext.
func (s *Supervisor) Run(ctx context.Context, settings map[string]string) error {
	if err := s.Start(ctx, settings); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("shutdown signal received")
	s.Stop()
	return nil
}

// Func adapts plain closures into a Component. Nil fields are no-ops.
type Func struct {
	ComponentName string
	OnConfigure   func(settings map[string]string) error
	OnStart       func(ctx context.Context) error
	OnStop        func() error
}

func (f *Func) Name() string { return f.ComponentName }

func (f *Func) Configure(settings map[string]string) error {
	if f.OnConfigure == nil {
		return nil
	}
	return f.OnConfigure(settings)
}

func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f *Func) Stop() error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop()
}
