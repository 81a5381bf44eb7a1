package taskfabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/taskfabric/internal/observability"
)

// SchedulerConfig carries the Scheduler's configurable thresholds.
type SchedulerConfig struct {
	Lock LockConfig
}

// DefaultSchedulerConfig returns the stock lock-retry settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Lock: DefaultLockConfig()}
}

// Scheduler drives the fabric forward: it selects the next ready step
// honoring per-chain locks, FIFO among siblings, and parent/child
// dependency rules, drives the Dispatcher, and writes the outcome back.
type Scheduler struct {
	Store      Store
	Dispatcher *Dispatcher
	Sweeper    *Sweeper
	Cascade    Cascade
	Config     SchedulerConfig
	WorkerID   string
	Logger     *slog.Logger

	// Instr, if set, receives lock-contention and per-step outcome
	// counters plus a selection-duration histogram sample. Nil disables
	// instrumentation.
	Instr *observability.Instruments

	// OnStep, if set, is called after each processed step with its final
	// outcome. Nothing in this module sets it; metrics go through Instr.
	OnStep func(step *StackRun, outcome DispatchOutcome)
}

// NewScheduler constructs a Scheduler with spec-mandated defaults.
func NewScheduler(store Store, dispatcher *Dispatcher, sweeper *Sweeper, cascade Cascade, workerID string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cascade == nil {
		cascade = NewInProcessCascade()
	}
	return &Scheduler{
		Store:      store,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Cascade:    cascade,
		Config:     DefaultSchedulerConfig(),
		WorkerID:   workerID,
		Logger:     logger,
	}
}

// ProcessNext runs the Sweeper, then selects and executes at most one
// ready step. It is safe to call concurrently from multiple workers.
func (s *Scheduler) ProcessNext(ctx context.Context) error {
	if s.Sweeper != nil {
		if err := s.Sweeper.Sweep(ctx); err != nil {
			s.Logger.Warn("sweeper pass failed", "err", err)
		}
	}

	selectStart := time.Now()
	ready, err := s.selectReady(ctx)
	if s.Instr != nil {
		observability.RecordDuration(s.Instr.SelectDuration, selectStart)
	}
	if err != nil {
		return err
	}

	for _, candidate := range ready {
		bypass, parent, err := s.lockBypass(ctx, candidate)
		if err != nil {
			return err
		}
		if !bypass {
			if err := acquireLock(ctx, s.Store, candidate.ParentTaskRunID, s.WorkerID, s.Config.Lock); err != nil {
				var contention *ErrLockContention
				if errors.As(err, &contention) {
					s.Logger.Debug("lock contention, deferring candidate", "stackRunId", candidate.ID, "taskRunId", candidate.ParentTaskRunID)
					if s.Instr != nil {
						s.Instr.LockContentions.Add(ctx, 1, metric.WithAttributes(observability.AttrTaskRunID.String(candidate.ParentTaskRunID)))
					}
					// Deferred, not failed: try the next ready candidate.
					continue
				}
				return err
			}
		}
		return s.execute(ctx, candidate, parent, bypass)
	}
	return nil
}

// selectReady implements the selection algorithm: read pending steps
// oldest-first and keep those with no older still-pending sibling in
// the same chain. The result preserves oldest-first order; the caller
// takes the first one whose chain lock it can get (or bypass).
func (s *Scheduler) selectReady(ctx context.Context) ([]*StackRun, error) {
	pending, err := s.Store.ListPendingStackRuns(ctx)
	if err != nil {
		return nil, &ErrStorage{Op: "ListPendingStackRuns", Err: err}
	}

	oldestPendingByChain := make(map[string]time.Time)
	for _, p := range pending {
		if t, ok := oldestPendingByChain[p.ParentTaskRunID]; !ok || p.CreatedAt.Before(t) {
			oldestPendingByChain[p.ParentTaskRunID] = p.CreatedAt
		}
	}

	var ready []*StackRun
	for _, candidate := range pending {
		oldest := oldestPendingByChain[candidate.ParentTaskRunID]
		if candidate.CreatedAt.After(oldest) {
			// A strictly older sibling in this chain is still pending;
			// candidate is not ready unless it is the explicit awaited
			// child of its parent, which selectReady does not need to
			// special-case: an explicitly-awaited child is never itself
			// in `pending` status concurrently with an older untouched
			// sibling blocking it, because the parent created exactly
			// one child per suspension.
			continue
		}
		ready = append(ready, candidate)
	}
	return ready, nil
}

// lockBypass implements the bypass rule: a child of a parent that is
// not itself actively processing (suspended awaiting a child, or already
// completed) may run without acquiring the chain lock. Without this, the
// awaited child of a suspended parent could never run and the chain
// would deadlock on its own lock.
func (s *Scheduler) lockBypass(ctx context.Context, candidate *StackRun) (bypass bool, parent *StackRun, err error) {
	if candidate.ParentStackRunID == nil {
		return false, nil, nil
	}
	parent, err = s.Store.GetStackRun(ctx, *candidate.ParentStackRunID)
	if err != nil {
		return false, nil, &ErrStorage{Op: "GetStackRun", Err: err}
	}
	switch parent.Status {
	case StackRunSuspendedWaitingChild, StackRunCompleted:
		return true, parent, nil
	default:
		return false, parent, nil
	}
}

func (s *Scheduler) execute(ctx context.Context, step *StackRun, parent *StackRun, lockBypassed bool) error {
	now := time.Now().UTC()
	step.Status = StackRunProcessing
	step.UpdatedAt = now
	if err := s.Store.UpdateStackRun(ctx, step); err != nil {
		return &ErrStorage{Op: "UpdateStackRun", Err: err}
	}
	_ = s.Store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: step.ID, Status: step.Status, At: now})

	outcome, err := s.Dispatcher.Dispatch(ctx, step)
	if err != nil {
		// Storage or infrastructure failure mid-dispatch: per the error
		// taxonomy, abort without releasing the lock and let the Sweeper
		// recover the row.
		s.Logger.Error("dispatch aborted by infrastructure error", "stackRunId", step.ID, "err", err)
		return err
	}

	terminal, err := applyOutcome(ctx, s.Store, s.Dispatcher, s.Cascade, step, outcome)
	if err != nil {
		return err
	}
	s.recordOutcome(ctx, step, outcome)

	if terminal && !lockBypassed {
		if err := s.Store.ReleaseTaskLock(ctx, step.ParentTaskRunID); err != nil {
			s.Logger.Warn("failed to release task lock", "taskRunId", step.ParentTaskRunID, "err", err)
		}
	}
	if terminal {
		s.Cascade.Trigger(ctx)
	}

	if s.OnStep != nil {
		s.OnStep(step, outcome)
	}
	return nil
}

// recordOutcome increments the per-kind step counter matching outcome
// and emits a structured log record alongside it, a no-op when
// instrumentation is disabled.
func (s *Scheduler) recordOutcome(ctx context.Context, step *StackRun, outcome DispatchOutcome) {
	if s.Instr == nil {
		return
	}
	attrs := metric.WithAttributes(
		observability.AttrServiceName.String(step.ServiceName),
		observability.AttrMethodName.String(step.MethodName),
	)
	var verb string
	severity := otellog.SeverityInfo
	switch {
	case outcome.Completed:
		s.Instr.StepsCompleted.Add(ctx, 1, attrs)
		verb = "completed"
	case outcome.Failed:
		s.Instr.StepsFailed.Add(ctx, 1, attrs)
		verb = "failed"
		severity = otellog.SeverityWarn
	case outcome.ChildSuspended:
		s.Instr.StepsSuspended.Add(ctx, 1, attrs)
		verb = "suspended"
	default:
		return
	}
	observability.EmitStepLog(ctx, s.Instr.Logger, severity,
		fmt.Sprintf("step %s %s.%s %s", step.ID, step.ServiceName, step.MethodName, verb),
		otellog.String(string(observability.AttrTaskRunID), step.ParentTaskRunID),
		otellog.String(string(observability.AttrStackRunID), step.ID),
	)
}
