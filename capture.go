package taskfabric

import (
	"context"
	"encoding/json"
	"time"
)

// Capture records a continuation. On a Suspended(...) outcome from the
// sandbox, it durably records a new child StackRun for the awaited call
// and marks step (the one that just suspended) as waiting on it.
//
// The child is inserted first, then step is updated to point at it. A
// crash between the two leaves an orphan child with no parent pointer
// and step stuck in processing, which the Sweeper fails once it is
// stale. Nothing scans for the orphan; if it runs later, Resume finds
// step no longer awaiting it and leaves step unchanged. The reverse order would
// leave a parent pointer to a nonexistent child, which is never
// permitted.
func Capture(ctx context.Context, store Store, step *StackRun, replay []ReplayEntry, desc SuspensionDescriptor) (*StackRun, error) {
	now := time.Now().UTC()

	child := &StackRun{
		ID:               NewID(),
		ParentTaskRunID:  step.ParentTaskRunID,
		ParentStackRunID: &step.ID,
		ServiceName:      desc.ServiceName,
		MethodName:       desc.MethodPath,
		Args:             desc.Args,
		Status:           StackRunPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateStackRun(ctx, child); err != nil {
		return nil, &ErrStorage{Op: "CreateStackRun", Err: err}
	}

	vmState, err := json.Marshal(VMState{Replay: replay})
	if err != nil {
		return nil, err
	}
	step.Status = StackRunSuspendedWaitingChild
	step.WaitingOnStackRunID = &child.ID
	step.VMState = vmState
	step.UpdatedAt = now
	if err := store.UpdateStackRun(ctx, step); err != nil {
		return nil, &ErrStorage{Op: "UpdateStackRun", Err: err}
	}
	_ = store.AppendStatusEvent(ctx, &StatusEvent{StackRunID: step.ID, Status: step.Status, At: now, Note: "suspended, awaiting child " + child.ID})

	if step.ParentStackRunID == nil {
		task, err := store.GetTaskRun(ctx, step.ParentTaskRunID)
		if err != nil {
			return nil, &ErrStorage{Op: "GetTaskRun", Err: err}
		}
		task.Status = TaskRunSuspended
		task.WaitingOnStackRunID = &child.ID
		task.SuspendedAt = &now
		task.UpdatedAt = now
		if err := store.UpdateTaskRun(ctx, task); err != nil {
			return nil, &ErrStorage{Op: "UpdateTaskRun", Err: err}
		}
	}

	return child, nil
}
