package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.TLockStale.Dur() != 5*time.Minute {
		t.Errorf("expected 5m lock stale default, got %s", cfg.Scheduler.TLockStale.Dur())
	}
	if cfg.Scheduler.TStepStale.Dur() != 2*time.Minute {
		t.Errorf("expected 2m step stale default, got %s", cfg.Scheduler.TStepStale.Dur())
	}
	if cfg.Scheduler.RetryAttemptsLock != 3 {
		t.Errorf("expected 3 lock retry attempts, got %d", cfg.Scheduler.RetryAttemptsLock)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite default driver, got %s", cfg.Store.Driver)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	err := os.WriteFile(path, []byte(`
[scheduler]
t_lock_stale = "10m"
retry_attempts_lock = 5

[store]
driver = "postgres"
dsn = "postgres://localhost/taskfabric"
`), 0o600)
	if err != nil {
		t.Fatalf("write toml: %v", err)
	}

	cfg := Load(path)
	if cfg.Scheduler.TLockStale.Dur() != 10*time.Minute {
		t.Errorf("expected overridden t_lock_stale, got %s", cfg.Scheduler.TLockStale.Dur())
	}
	if cfg.Scheduler.RetryAttemptsLock != 5 {
		t.Errorf("expected overridden retry_attempts_lock, got %d", cfg.Scheduler.RetryAttemptsLock)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Store.Driver)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.TStepStale.Dur() != 2*time.Minute {
		t.Errorf("expected default t_step_stale preserved, got %s", cfg.Scheduler.TStepStale.Dur())
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected default driver when file missing, got %s", cfg.Store.Driver)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TASKFABRIC_STORE_DRIVER", "postgres")
	t.Setenv("TASKFABRIC_STORE_DSN", "postgres://env/taskfabric")
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://env/taskfabric" {
		t.Errorf("expected env override, got %+v", cfg.Store)
	}
}
