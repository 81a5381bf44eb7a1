// Package taskfabric implements a durable task execution fabric: task code
// runs inside a sandbox that intercepts external calls, each call becomes a
// durably recorded stack run, and a scheduler drives the resulting steps to
// completion with per-chain FIFO ordering and crash recovery.
package taskfabric

import (
	"encoding/json"
	"time"
)

// TaskRunStatus is the lifecycle state of a TaskRun.
type TaskRunStatus string

const (
	TaskRunQueued    TaskRunStatus = "queued"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunSuspended TaskRunStatus = "suspended"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
)

// StackRunStatus is the lifecycle state of a StackRun.
type StackRunStatus string

const (
	StackRunPending               StackRunStatus = "pending"
	StackRunProcessing            StackRunStatus = "processing"
	StackRunSuspendedWaitingChild StackRunStatus = "suspended_waiting_child"
	StackRunPendingResume         StackRunStatus = "pending_resume"
	StackRunCompleted             StackRunStatus = "completed"
	StackRunFailed                StackRunStatus = "failed"
)

// TaskRun is one submitted workflow. Its life spans multiple StackRuns.
type TaskRun struct {
	ID                  string
	TaskName            string
	Input               json.RawMessage
	Status              TaskRunStatus
	Result              json.RawMessage
	Error               *TaskErrorRecord
	WaitingOnStackRunID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	EndedAt             *time.Time
	SuspendedAt         *time.Time
}

// StackRun is one externally-visible step: either a task's own code
// invocation (a "code step") or an external call it awaits.
type StackRun struct {
	ID                  string
	ParentTaskRunID     string
	ParentStackRunID    *string
	ServiceName         string
	MethodName          string
	Args                json.RawMessage
	Status              StackRunStatus
	Result              json.RawMessage
	Error               *TaskErrorRecord
	VMState             json.RawMessage
	WaitingOnStackRunID *string
	ResumePayload       json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsCodeStep reports whether this step is the task sandbox's own code
// invocation rather than a call to an external endpoint.
func (s *StackRun) IsCodeStep() bool {
	return s.ServiceName == CodeServiceName
}

// CodeServiceName is the reserved serviceName that denotes the task sandbox
// itself (as opposed to an external endpoint).
const CodeServiceName = "code"

// TaskLock enforces mutual exclusion over a single chain (all StackRuns
// sharing a ParentTaskRunID). Primary key is TaskRunID; at most one live
// lock exists per chain.
type TaskLock struct {
	TaskRunID string
	LockedAt  time.Time
	LockedBy  string
}

// ReplayEntry is one resolved (serviceName, methodPath, args, result) tuple
// for a chain's root code step, in call order. The ordered list of entries
// is the replay log persisted on StackRun.VMState; on resume, the task is
// re-executed from the top and each callHostTool invocation consumes the
// next entry instead of suspending, until the log is exhausted.
type ReplayEntry struct {
	ServiceName string          `json:"serviceName"`
	MethodPath  string          `json:"methodPath"`
	Args        json.RawMessage `json:"args"`
	Result      json.RawMessage `json:"result"`
	// Failed marks an entry whose original invocation failed, with any
	// error kind: on replay, callHostTool throws instead of
	// returning Result as if it had succeeded.
	Failed bool `json:"failed,omitempty"`
}

// VMState is the JSON shape persisted in StackRun.VMState: the ordered
// replay log of prior external results for this code step's execution.
// The task code itself is re-resolved from the task registry by name
// (carried in the step's Args) rather than duplicated here.
type VMState struct {
	Replay []ReplayEntry `json:"replay"`
}

// SuspensionDescriptor names the external call a task is waiting on.
type SuspensionDescriptor struct {
	ServiceName string
	MethodPath  string
	Args        json.RawMessage
}

// StatusEvent is one entry in a StackRun's status history, an audit
// trail kept alongside the step records for diagnostics.
type StatusEvent struct {
	StackRunID string
	Status     StackRunStatus
	At         time.Time
	Note       string
}
