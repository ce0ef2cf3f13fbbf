package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.Queue.Workers != 5 || cfg.Queue.MaxRetries != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Scheduler.RetryIntervalSeconds != 300 {
		t.Errorf("retry interval = %d", cfg.Scheduler.RetryIntervalSeconds)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	yml := `
db_path: /tmp/other.db
port: 9090
log_level: debug
queue:
  workers: 2
alerts:
  enabled: true
  telegram_chat_ids: [123, 456]
`
	if err := os.WriteFile(ConfigPath(dir), []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/other.db" || cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("workers = %d", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("unset fields must keep defaults, max_retries = %d", cfg.Queue.MaxRetries)
	}
	if !cfg.Alerts.Enabled || len(cfg.Alerts.TelegramChatIDs) != 2 {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("port: 9090\ndb_path: /from/file.db\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MESSAGEPUSHER_DB_PATH", "/from/env.db")
	t.Setenv("PORT", "3000")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/from/env.db" {
		t.Errorf("db_path = %q, want env value", cfg.DBPath)
	}
	if cfg.Port != 3000 {
		t.Errorf("port = %d, want env value", cfg.Port)
	}
}

func TestGarbagePortEnvIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want default", cfg.Port)
	}
}

func TestNormalizeClampsBadValues(t *testing.T) {
	cfg := Config{Port: 99999, Queue: QueueConfig{Workers: -1}}
	normalize(&cfg)
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Queue.Workers != 5 {
		t.Errorf("workers = %d", cfg.Queue.Workers)
	}
}

func TestFingerprintChangesWithDBPath(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	b.DBPath = "/elsewhere.db"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change with db_path")
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)
	if err := os.WriteFile(path, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected path %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after write")
	}
}
