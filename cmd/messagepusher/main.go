package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldriver/messagepusher/internal/alert"
	"github.com/coldriver/messagepusher/internal/config"
	"github.com/coldriver/messagepusher/internal/dispatch"
	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/gateway"
	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/queue"
	"github.com/coldriver/messagepusher/internal/request"
	"github.com/coldriver/messagepusher/internal/scheduler"
	"github.com/coldriver/messagepusher/internal/supervisor"
	"github.com/coldriver/messagepusher/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data", "", "data directory (default $MESSAGEPUSHER_DATA_DIR or ./data)")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := *dataDir
	if dir == "" {
		dir = config.DataDirPath()
	}
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	metrics := telemetry.NewMetrics()

	// The store is initialised before the component chain because the
	// system_config snapshot feeds every Configure call.
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_ready", "db_path", cfg.DBPath)

	settings, err := store.AllConfig(ctx)
	if err != nil {
		fatalStartup(logger, "E_SYSCONFIG_READ", err)
	}
	maxRetries := store.GetConfigInt(ctx, persistence.ConfigMaxRetryCount, cfg.Queue.MaxRetries)
	retryInterval := store.GetConfigInt(ctx, persistence.ConfigRetryInterval, cfg.Scheduler.RetryIntervalSeconds)
	fileStoragePath := settings[persistence.ConfigFileStoragePath]
	if fileStoragePath == "" {
		fileStoragePath = cfg.FileStoragePath
	}
	fileRetentionDays := store.GetConfigInt(ctx, persistence.ConfigFileRetentionDays, cfg.FileRetentionDays)

	ledger := errlog.New(errlog.Config{
		Logger:  logger,
		Metrics: metrics,
		Thresholds: map[errlog.Severity]int{
			errlog.SeverityLow:      cfg.Alerts.ThresholdLow,
			errlog.SeverityMedium:   cfg.Alerts.ThresholdMedium,
			errlog.SeverityHigh:     cfg.Alerts.ThresholdHigh,
			errlog.SeverityCritical: cfg.Alerts.ThresholdCritical,
		},
	})
	if cfg.Alerts.Enabled && cfg.Alerts.TelegramToken != "" {
		notifier, err := alert.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatIDs, logger)
		if err != nil {
			// Alerting is best-effort; a bad token must not block startup.
			logger.Error("telegram notifier init failed", "error", err)
		} else {
			ledger.SetNotifier(notifier.Notify)
			logger.Info("telegram alerting enabled", "chats", len(cfg.Alerts.TelegramChatIDs))
		}
	}

	pool := queue.New(queue.Config{
		Workers:    cfg.Queue.Workers,
		RetryDelay: time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		MaxRetries: maxRetries,
		Logger:     logger,
		Metrics:    metrics,
	})

	builder := request.NewBuilder(time.Duration(cfg.RequestTimeoutSeconds)*time.Second, logger)
	engine := dispatch.New(dispatch.Config{
		Store:             store,
		Builder:           builder,
		Pool:              pool,
		Ledger:            ledger,
		Logger:            logger,
		Metrics:           metrics,
		MaxRetries:        maxRetries,
		MaxContentLength:  cfg.MaxContentLength,
		FileStoragePath:   fileStoragePath,
		FileRetentionDays: fileRetentionDays,
	})
	if err := engine.Register(); err != nil {
		fatalStartup(logger, "E_HANDLER_REGISTER", err)
	}

	sched := scheduler.New(scheduler.Config{
		Pool:            pool,
		Ledger:          ledger,
		Logger:          logger,
		CleanupInterval: time.Duration(cfg.Scheduler.CleanupIntervalSeconds) * time.Second,
		RetryInterval:   time.Duration(retryInterval) * time.Second,
		StatsInterval:   time.Duration(cfg.Scheduler.StatsIntervalSeconds) * time.Second,
	})

	api := gateway.New(gateway.Config{
		Store:   store,
		Pool:    pool,
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
	})
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher := config.NewWatcher(cfg.DataDir, logger)
	go func() {
		for range watcher.Events() {
			logger.Warn("config.yaml changed; restart to apply", "fingerprint", cfg.Fingerprint())
		}
	}()

	sup := supervisor.New(logger, ledger,
		&supervisor.Func{
			ComponentName: "queue",
			OnStart:       pool.Start,
			OnStop:        pool.Stop,
		},
		&supervisor.Func{
			ComponentName: "scheduler",
			OnStart:       sched.Start,
			OnStop: func() error {
				sched.Stop()
				return nil
			},
		},
		&supervisor.Func{
			ComponentName: "config-watcher",
			OnStart:       watcher.Start,
		},
		&supervisor.Func{
			ComponentName: "gateway",
			OnStart: func(ctx context.Context) error {
				ln := make(chan error, 1)
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						ln <- err
						ledger.Record(errlog.TypeGateway, "serve: "+err.Error(), errlog.SeverityCritical, nil)
					}
				}()
				// Give the listener a beat to surface bind errors.
				select {
				case err := <-ln:
					return err
				case <-time.After(100 * time.Millisecond):
				}
				logger.Info("listening", "addr", cfg.Addr())
				return nil
			},
			OnStop: func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			},
		},
	)

	if err := sup.Run(ctx, settings); err != nil {
		fatalStartup(logger, "E_SUPERVISOR_RUN", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
