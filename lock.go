package taskfabric

import (
	"context"
	"errors"
	"time"
)

// LockConfig bounds the Scheduler's lock-acquisition retries: a bounded
// number of attempts with a linear back-off, after which the candidate
// is deferred rather than blocking.
type LockConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultLockConfig returns the retry_attempts_lock/retry_delay_lock_ms
// defaults: 3 attempts, 100ms per attempt, linear.
func DefaultLockConfig() LockConfig {
	return LockConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond}
}

// acquireLock attempts to insert a TaskLock for taskRunID, retrying on
// contention up to cfg.Attempts times with a linear delay of
// attempt*cfg.BaseDelay between tries. It returns ErrLockContention if
// every attempt is contended.
func acquireLock(ctx context.Context, store Store, taskRunID, lockedBy string, cfg LockConfig) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := store.AcquireTaskLock(ctx, taskRunID, lockedBy)
		if err == nil {
			return nil
		}
		var contention *ErrLockContention
		if !errors.As(err, &contention) {
			return &ErrStorage{Op: "AcquireTaskLock", Err: err}
		}
		lastErr = err
		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * cfg.BaseDelay):
		}
	}
	return lastErr
}
