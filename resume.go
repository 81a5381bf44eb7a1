package taskfabric

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/taskfabric/internal/observability"
)

// applyOutcome interprets a DispatchOutcome for step, persists the
// resulting transition, and (for a terminal transition) propagates the
// result to whatever awaits it: the step's parent via the resumption
// path, or the enclosing TaskRun if step is a chain's root. It reports
// whether the transition was terminal (completed/failed), which the
// Scheduler uses to decide lock release.
func applyOutcome(ctx context.Context, store Store, dispatcher *Dispatcher, cascade Cascade, step *StackRun, outcome DispatchOutcome) (terminal bool, err error) {
	now := time.Now().UTC()

	switch {
	case outcome.Completed:
		step.Status = StackRunCompleted
		step.Result = outcome.Value
		step.Error = nil
		step.UpdatedAt = now
		if err := store.UpdateStackRun(ctx, step); err != nil {
			return false, &ErrStorage{Op: "UpdateStackRun", Err: err}
		}
		_ = store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: step.ID, Status: step.Status, At: now})
		if err := propagateTerminal(ctx, store, dispatcher, cascade, step); err != nil {
			return true, err
		}
		return true, nil

	case outcome.Failed:
		step.Status = StackRunFailed
		step.Error = outcome.Err
		step.UpdatedAt = now
		if err := store.UpdateStackRun(ctx, step); err != nil {
			return false, &ErrStorage{Op: "UpdateStackRun", Err: err}
		}
		_ = store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: step.ID, Status: step.Status, At: now, Note: step.Error.Error()})
		if err := propagateTerminal(ctx, store, dispatcher, cascade, step); err != nil {
			return true, err
		}
		return true, nil

	case outcome.ChildSuspended:
		// Capture already persisted step's suspended_waiting_child state
		// and the new child row; nothing further to do here.
		return false, nil

	default:
		return false, nil
	}
}

// propagateTerminal routes a just-terminated step's outcome to whatever
// is waiting on it: its parent step if it has one, or the enclosing
// TaskRun if it is a chain's root.
func propagateTerminal(ctx context.Context, store Store, dispatcher *Dispatcher, cascade Cascade, step *StackRun) error {
	if step.ParentStackRunID == nil {
		return completeTaskRun(ctx, store, step)
	}
	return Resume(ctx, store, dispatcher, cascade, step)
}

func completeTaskRun(ctx context.Context, store Store, rootStep *StackRun) error {
	task, err := store.GetTaskRun(ctx, rootStep.ParentTaskRunID)
	if err != nil {
		return &ErrStorage{Op: "GetTaskRun", Err: err}
	}
	now := time.Now().UTC()
	task.UpdatedAt = now
	task.EndedAt = &now
	task.WaitingOnStackRunID = nil
	if rootStep.Status == StackRunCompleted {
		task.Status = TaskRunCompleted
		task.Result = rootStep.Result
		task.Error = nil
	} else {
		task.Status = TaskRunFailed
		task.Error = rootStep.Error
	}
	if err := store.UpdateTaskRun(ctx, task); err != nil {
		return &ErrStorage{Op: "UpdateTaskRun", Err: err}
	}
	// The chain's root step is the only step that can still be holding
	// this chain's TaskLock once the task run itself reaches a terminal
	// state (every other step along the way either bypassed the lock or
	// already released it on its own terminal transition), so this is
	// the one place a lock belonging to a fully-resolved chain is
	// guaranteed to be safe to drop.
	if err := store.ReleaseTaskLock(ctx, task.ID); err != nil {
		return &ErrStorage{Op: "ReleaseTaskLock", Err: err}
	}
	return nil
}

// Resume is the resumption path. It fires whenever a child StackRun
// reaches a terminal state; it locates the parent via ParentStackRunID and,
// if the guard conditions hold, re-enters the sandbox with the child's
// result appended to the replay log. Calling Resume twice for the same
// (parent, child) pair is harmless: the second call's guard check fails
// because the parent's WaitingOnStackRunID no longer matches.
func Resume(ctx context.Context, store Store, dispatcher *Dispatcher, cascade Cascade, child *StackRun) error {
	parent, err := store.GetStackRun(ctx, *child.ParentStackRunID)
	if err != nil {
		return &ErrStorage{Op: "GetStackRun", Err: err}
	}

	// Guard conditions: both must hold, else do nothing — the child's
	// result remains attached to its own record for inspection but is
	// not auto-applied, and the parent is left entirely unchanged.
	if parent.Status != StackRunSuspendedWaitingChild {
		return nil
	}
	if parent.WaitingOnStackRunID == nil || *parent.WaitingOnStackRunID != child.ID {
		return nil
	}

	now := time.Now().UTC()
	resultForReplay := child.Result
	if child.Status == StackRunFailed {
		errJSON, _ := json.Marshal(child.Error)
		resultForReplay = errJSON
	}

	parent.Status = StackRunPendingResume
	parent.ResumePayload = resultForReplay
	parent.UpdatedAt = now
	if err := store.UpdateStackRun(ctx, parent); err != nil {
		return &ErrStorage{Op: "UpdateStackRun", Err: err}
	}
	_ = store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: parent.ID, Status: parent.Status, At: now, Note: "resuming with child " + child.ID})

	var prior VMState
	if len(parent.VMState) > 0 {
		if err := json.Unmarshal(parent.VMState, &prior); err != nil {
			return &ErrStorage{Op: "UnmarshalVMState", Err: err}
		}
	}
	replay := append(append([]ReplayEntry(nil), prior.Replay...), ReplayEntry{
		ServiceName: child.ServiceName,
		MethodPath:  child.MethodName,
		Args:        child.Args,
		Result:      resultForReplay,
		Failed:      child.Status == StackRunFailed,
	})

	args, err := decodeCodeStepArgs(parent.Args)
	if err != nil {
		return err
	}
	code, ok := dispatcher.Registry.Code(args.TaskName)
	if !ok {
		outcome := DispatchOutcome{Failed: true, Err: TaskError(KindTaskCode, parent.ID, "task %q is not registered", args.TaskName)}
		_, err := applyOutcome(ctx, store, dispatcher, cascade, parent, outcome)
		return err
	}
	if dispatcher.Instr != nil {
		dispatcher.Instr.StepsResumed.Add(ctx, 1, metric.WithAttributes(observability.AttrTaskRunID.String(parent.ParentTaskRunID)))
	}

	sbOutcome, err := dispatcher.Sandbox.Run(ctx, code, args.Input, replay, parent.ParentTaskRunID, parent.ID)
	if err != nil {
		return err
	}

	var outcome DispatchOutcome
	switch {
	case sbOutcome.Completed:
		outcome = DispatchOutcome{Completed: true, Value: sbOutcome.Value}
	case sbOutcome.Suspended:
		newChild, err := Capture(ctx, store, parent, replay, sbOutcome.Suspension)
		if err != nil {
			return err
		}
		outcome = DispatchOutcome{ChildSuspended: true, Child: newChild}
	default:
		outcome = DispatchOutcome{Failed: true, Err: TaskError(classifyOutcomeKind(sbOutcome.Kind), parent.ID, "%v", sbOutcome.Err)}
	}

	terminal, err := applyOutcome(ctx, store, dispatcher, cascade, parent, outcome)
	if err != nil {
		return err
	}
	if terminal {
		cascade.Trigger(ctx)
	}
	return nil
}
