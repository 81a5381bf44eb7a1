package taskfabric

import (
	"context"
	"time"
)

// Store is the durable store's operation contract: row insert with
// unique-constraint enforcement, row update by primary key, ordered
// select by CreatedAt, row delete, and read-your-writes consistency on
// a single row. Implementations: store/postgres (primary) and
// store/sqlite (secondary/dev).
type Store interface {
	// CreateTaskRun inserts a new TaskRun. ID is assigned by the caller.
	CreateTaskRun(ctx context.Context, t *TaskRun) error
	// GetTaskRun reads a single TaskRun by id.
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	// UpdateTaskRun persists the full row by primary key.
	UpdateTaskRun(ctx context.Context, t *TaskRun) error

	// CreateStackRun inserts a new StackRun. ID is assigned by the caller.
	CreateStackRun(ctx context.Context, s *StackRun) error
	// GetStackRun reads a single StackRun by id.
	GetStackRun(ctx context.Context, id string) (*StackRun, error)
	// UpdateStackRun persists the full row by primary key.
	UpdateStackRun(ctx context.Context, s *StackRun) error
	// ListPendingStackRuns returns stack runs with status = pending,
	// ordered by CreatedAt ascending (oldest first), for the Scheduler's
	// selection algorithm.
	ListPendingStackRuns(ctx context.Context) ([]*StackRun, error)
	// ListStackRunsByChain returns every stack run sharing the given
	// ParentTaskRunID, ordered by CreatedAt ascending.
	ListStackRunsByChain(ctx context.Context, taskRunID string) ([]*StackRun, error)
	// ListStaleProcessing returns stack runs stuck in StackRunProcessing
	// with UpdatedAt older than the given time, for the Sweeper.
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*StackRun, error)

	// AcquireTaskLock attempts to insert a TaskLock row keyed by
	// taskRunID. It MUST fail with a distinguishable contention error
	// (ErrLockContention) if a live lock already exists, implemented via
	// primary-key uniqueness on task_run_id.
	AcquireTaskLock(ctx context.Context, taskRunID, lockedBy string) error
	// ReleaseTaskLock deletes the TaskLock row for taskRunID, if any.
	ReleaseTaskLock(ctx context.Context, taskRunID string) error
	// ListStaleLocks returns TaskLock rows with LockedAt older than the
	// given time, for the Sweeper.
	ListStaleLocks(ctx context.Context, olderThan time.Time) ([]*TaskLock, error)

	// AppendStatusEvent records one StackRun status transition to the
	// status history / audit trail.
	AppendStatusEvent(ctx context.Context, ev *StatusEvent) error
	// ListStatusEvents returns the recorded history for one stack run, in
	// insertion order.
	ListStatusEvents(ctx context.Context, stackRunID string) ([]*StatusEvent, error)

	// Init creates schema objects if absent (idempotent).
	Init(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}
