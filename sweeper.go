package taskfabric

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevindra/taskfabric/internal/observability"
)

// SweeperConfig carries the Sweeper's two configurable staleness
// thresholds (the t_lock_stale and t_step_stale config keys).
type SweeperConfig struct {
	LockStale time.Duration
	StepStale time.Duration
}

// DefaultSweeperConfig returns 5 minute lock expiry and 2 minute
// processing-state expiry.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{LockStale: 5 * time.Minute, StepStale: 2 * time.Minute}
}

// Sweeper reclaims stale locks and stuck steps: the sole mechanism by
// which crashed workers are recovered, since the fabric has no worker
// heartbeat. It runs synchronously at the top of every Scheduler.ProcessNext
// call rather than on a timer, so recovery rides on every external trigger.
type Sweeper struct {
	Store      Store
	Dispatcher *Dispatcher
	Cascade    Cascade
	Config     SweeperConfig
	Logger     *slog.Logger

	// Instr, if set, receives a SweeperReclaims counter sample per stale
	// lock or stuck step reclaimed. Nil disables instrumentation.
	Instr *observability.Instruments
}

// NewSweeper constructs a Sweeper with spec-mandated default thresholds.
func NewSweeper(store Store, dispatcher *Dispatcher, cascade Cascade, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{Store: store, Dispatcher: dispatcher, Cascade: cascade, Config: DefaultSweeperConfig(), Logger: logger}
}

// Sweep deletes stale TaskLock rows and fails stuck-processing StackRuns.
func (sw *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	staleLocks, err := sw.Store.ListStaleLocks(ctx, now.Add(-sw.Config.LockStale))
	if err != nil {
		return &ErrStorage{Op: "ListStaleLocks", Err: err}
	}
	for _, l := range staleLocks {
		if err := sw.Store.ReleaseTaskLock(ctx, l.TaskRunID); err != nil {
			sw.Logger.Warn("sweeper: failed to release stale lock", "taskRunId", l.TaskRunID, "err", err)
			continue
		}
		sw.Logger.Warn("sweeper: reclaimed stale lock", "taskRunId", l.TaskRunID, "lockedAt", l.LockedAt)
		if sw.Instr != nil {
			sw.Instr.SweeperReclaims.Add(ctx, 1)
		}
	}

	stuck, err := sw.Store.ListStaleProcessing(ctx, now.Add(-sw.Config.StepStale))
	if err != nil {
		return &ErrStorage{Op: "ListStaleProcessing", Err: err}
	}
	for _, step := range stuck {
		step.Status = StackRunFailed
		step.Error = TaskError(KindTimeout, step.ID, "step stuck in processing longer than %s", sw.Config.StepStale)
		step.UpdatedAt = now
		if err := sw.Store.UpdateStackRun(ctx, step); err != nil {
			sw.Logger.Warn("sweeper: failed to fail stuck step", "stackRunId", step.ID, "err", err)
			continue
		}
		_ = sw.Store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: step.ID, Status: step.Status, At: now, Note: "reclaimed by sweeper"})
		sw.Logger.Warn("sweeper: reclaimed stuck step", "stackRunId", step.ID, "taskRunId", step.ParentTaskRunID)
		if sw.Instr != nil {
			sw.Instr.SweeperReclaims.Add(ctx, 1)
		}

		if err := sw.Store.ReleaseTaskLock(ctx, step.ParentTaskRunID); err != nil {
			sw.Logger.Warn("sweeper: failed to release chain lock after reclaim", "taskRunId", step.ParentTaskRunID, "err", err)
		}

		if err := propagateTerminal(ctx, sw.Store, sw.Dispatcher, sw.Cascade, step); err != nil {
			sw.Logger.Warn("sweeper: failed to propagate reclaimed step's failure", "stackRunId", step.ID, "err", err)
		}
		sw.Cascade.Trigger(ctx)
	}

	return nil
}
