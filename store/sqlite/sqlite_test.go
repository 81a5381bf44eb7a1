package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	taskfabric "github.com/nevindra/taskfabric"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func newTaskRun(id string) *taskfabric.TaskRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &taskfabric.TaskRun{
		ID:        id,
		TaskName:  "sendReminder",
		Input:     json.RawMessage(`{"to":"a@example.com"}`),
		Status:    taskfabric.TaskRunRunning,
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
}

func TestTaskRunCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr := newTaskRun("tr-1")
	if err := s.CreateTaskRun(ctx, tr); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	got, err := s.GetTaskRun(ctx, "tr-1")
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if got.TaskName != "sendReminder" || got.Status != taskfabric.TaskRunRunning {
		t.Errorf("unexpected task run: %+v", got)
	}
	if string(got.Input) != `{"to":"a@example.com"}` {
		t.Errorf("input mismatch: %s", got.Input)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*tr.StartedAt) {
		t.Errorf("started_at mismatch: %+v", got.StartedAt)
	}
	if got.EndedAt != nil {
		t.Errorf("expected nil EndedAt, got %v", got.EndedAt)
	}

	waitID := "sr-5"
	got.Status = taskfabric.TaskRunSuspended
	got.WaitingOnStackRunID = &waitID
	got.UpdatedAt = time.Now().UTC()
	if err := s.UpdateTaskRun(ctx, got); err != nil {
		t.Fatalf("UpdateTaskRun: %v", err)
	}

	got2, err := s.GetTaskRun(ctx, "tr-1")
	if err != nil {
		t.Fatalf("GetTaskRun after update: %v", err)
	}
	if got2.Status != taskfabric.TaskRunSuspended {
		t.Errorf("expected suspended, got %s", got2.Status)
	}
	if got2.WaitingOnStackRunID == nil || *got2.WaitingOnStackRunID != waitID {
		t.Errorf("expected waitingOn %s, got %v", waitID, got2.WaitingOnStackRunID)
	}

	ended := time.Now().UTC()
	got2.Status = taskfabric.TaskRunFailed
	got2.Error = taskfabric.TaskError(taskfabric.KindExternal, "sr-5", "endpoint unreachable")
	got2.EndedAt = &ended
	if err := s.UpdateTaskRun(ctx, got2); err != nil {
		t.Fatalf("UpdateTaskRun (fail): %v", err)
	}
	got3, err := s.GetTaskRun(ctx, "tr-1")
	if err != nil {
		t.Fatalf("GetTaskRun after fail: %v", err)
	}
	if got3.Error == nil || got3.Error.Kind != taskfabric.KindExternal {
		t.Fatalf("expected external error record, got %+v", got3.Error)
	}
	if got3.Error.Message != "endpoint unreachable" {
		t.Errorf("error message mismatch: %q", got3.Error.Message)
	}
	if got3.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}
}

func TestUpdateTaskRunNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tr := newTaskRun("missing")
	if err := s.UpdateTaskRun(ctx, tr); err == nil {
		t.Fatal("expected error updating a task run that was never created")
	}
}

func newStackRun(id, parentTaskRunID string, parentStackRunID *string) *taskfabric.StackRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &taskfabric.StackRun{
		ID:               id,
		ParentTaskRunID:  parentTaskRunID,
		ParentStackRunID: parentStackRunID,
		ServiceName:      "mail",
		MethodName:       "send",
		Args:             json.RawMessage(`{"to":"a@example.com"}`),
		Status:           taskfabric.StackRunPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestStackRunCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr := newTaskRun("tr-2")
	if err := s.CreateTaskRun(ctx, tr); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	sr := newStackRun("sr-1", tr.ID, nil)
	if err := s.CreateStackRun(ctx, sr); err != nil {
		t.Fatalf("CreateStackRun: %v", err)
	}

	got, err := s.GetStackRun(ctx, "sr-1")
	if err != nil {
		t.Fatalf("GetStackRun: %v", err)
	}
	if got.ServiceName != "mail" || got.MethodName != "send" {
		t.Errorf("unexpected stack run: %+v", got)
	}
	if got.ParentStackRunID != nil {
		t.Errorf("expected nil ParentStackRunID, got %v", got.ParentStackRunID)
	}

	got.Status = taskfabric.StackRunCompleted
	got.Result = json.RawMessage(`{"sent":true}`)
	got.VMState = json.RawMessage(`{"replay":[]}`)
	got.UpdatedAt = time.Now().UTC()
	if err := s.UpdateStackRun(ctx, got); err != nil {
		t.Fatalf("UpdateStackRun: %v", err)
	}

	got2, err := s.GetStackRun(ctx, "sr-1")
	if err != nil {
		t.Fatalf("GetStackRun after update: %v", err)
	}
	if got2.Status != taskfabric.StackRunCompleted {
		t.Errorf("expected completed, got %s", got2.Status)
	}
	if string(got2.Result) != `{"sent":true}` {
		t.Errorf("result mismatch: %s", got2.Result)
	}
}

func TestUpdateStackRunNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sr := newStackRun("missing", "tr-x", nil)
	if err := s.UpdateStackRun(ctx, sr); err == nil {
		t.Fatal("expected error updating a stack run that was never created")
	}
}

func TestListPendingStackRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr := newTaskRun("tr-3")
	if err := s.CreateTaskRun(ctx, tr); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	base := time.Now().UTC()
	for i, id := range []string{"sr-a", "sr-b", "sr-c"} {
		sr := newStackRun(id, tr.ID, nil)
		sr.CreatedAt = base.Add(time.Duration(i) * time.Second)
		sr.UpdatedAt = sr.CreatedAt
		if err := s.CreateStackRun(ctx, sr); err != nil {
			t.Fatalf("CreateStackRun %s: %v", id, err)
		}
	}
	// Mark one as completed so it drops out of the pending set.
	done, err := s.GetStackRun(ctx, "sr-b")
	if err != nil {
		t.Fatal(err)
	}
	done.Status = taskfabric.StackRunCompleted
	if err := s.UpdateStackRun(ctx, done); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingStackRuns(ctx)
	if err != nil {
		t.Fatalf("ListPendingStackRuns: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != "sr-a" || pending[1].ID != "sr-c" {
		t.Errorf("expected FIFO order [sr-a sr-c], got [%s %s]", pending[0].ID, pending[1].ID)
	}
}

func TestListStackRunsByChain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr1 := newTaskRun("tr-4")
	tr2 := newTaskRun("tr-5")
	if err := s.CreateTaskRun(ctx, tr1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTaskRun(ctx, tr2); err != nil {
		t.Fatal(err)
	}

	root := newStackRun("sr-root", tr1.ID, nil)
	root.ServiceName = taskfabric.CodeServiceName
	root.MethodName = "execute"
	if err := s.CreateStackRun(ctx, root); err != nil {
		t.Fatal(err)
	}
	rootID := root.ID
	child := newStackRun("sr-child", tr1.ID, &rootID)
	if err := s.CreateStackRun(ctx, child); err != nil {
		t.Fatal(err)
	}
	other := newStackRun("sr-other-chain", tr2.ID, nil)
	if err := s.CreateStackRun(ctx, other); err != nil {
		t.Fatal(err)
	}

	chain, err := s.ListStackRunsByChain(ctx, tr1.ID)
	if err != nil {
		t.Fatalf("ListStackRunsByChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 stack runs in chain, got %d", len(chain))
	}
	if chain[1].ParentStackRunID == nil || *chain[1].ParentStackRunID != rootID {
		t.Errorf("expected child's ParentStackRunID to be %s, got %v", rootID, chain[1].ParentStackRunID)
	}
}

func TestListStaleProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr := newTaskRun("tr-6")
	if err := s.CreateTaskRun(ctx, tr); err != nil {
		t.Fatal(err)
	}

	stuck := newStackRun("sr-stuck", tr.ID, nil)
	stuck.Status = taskfabric.StackRunProcessing
	stuck.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateStackRun(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	fresh := newStackRun("sr-fresh", tr.ID, nil)
	fresh.Status = taskfabric.StackRunProcessing
	if err := s.CreateStackRun(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "sr-stuck" {
		t.Fatalf("expected only sr-stuck, got %v", stale)
	}
}

func TestTaskLockContention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AcquireTaskLock(ctx, "tr-lock", "worker-a"); err != nil {
		t.Fatalf("first AcquireTaskLock: %v", err)
	}

	err := s.AcquireTaskLock(ctx, "tr-lock", "worker-b")
	if err == nil {
		t.Fatal("expected lock contention on second acquire")
	}
	var contention *taskfabric.ErrLockContention
	if !errors.As(err, &contention) {
		t.Fatalf("expected *ErrLockContention, got %T: %v", err, err)
	}
	if contention.TaskRunID != "tr-lock" {
		t.Errorf("unexpected TaskRunID on contention error: %s", contention.TaskRunID)
	}

	if err := s.ReleaseTaskLock(ctx, "tr-lock"); err != nil {
		t.Fatalf("ReleaseTaskLock: %v", err)
	}
	if err := s.AcquireTaskLock(ctx, "tr-lock", "worker-b"); err != nil {
		t.Fatalf("AcquireTaskLock after release: %v", err)
	}
}

func TestListStaleLocks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AcquireTaskLock(ctx, "tr-old", "worker-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireTaskLock(ctx, "tr-new", "worker-b"); err != nil {
		t.Fatal(err)
	}

	// Backdate tr-old's lock directly; AcquireTaskLock always stamps "now".
	if _, err := s.db.ExecContext(ctx, `UPDATE task_locks SET locked_at = ? WHERE task_run_id = ?`,
		formatTime(time.Now().UTC().Add(-time.Hour)), "tr-old"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleLocks(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStaleLocks: %v", err)
	}
	if len(stale) != 1 || stale[0].TaskRunID != "tr-old" {
		t.Fatalf("expected only tr-old stale, got %v", stale)
	}
}

func TestStatusEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tr := newTaskRun("tr-7")
	if err := s.CreateTaskRun(ctx, tr); err != nil {
		t.Fatal(err)
	}
	sr := newStackRun("sr-events", tr.ID, nil)
	if err := s.CreateStackRun(ctx, sr); err != nil {
		t.Fatal(err)
	}

	events := []*taskfabric.StatusEvent{
		{StackRunID: sr.ID, Status: taskfabric.StackRunPending, At: time.Now().UTC(), Note: "created"},
		{StackRunID: sr.ID, Status: taskfabric.StackRunProcessing, At: time.Now().UTC(), Note: "dispatched"},
		{StackRunID: sr.ID, Status: taskfabric.StackRunCompleted, At: time.Now().UTC(), Note: "done"},
	}
	for _, ev := range events {
		if err := s.AppendStatusEvent(ctx, ev); err != nil {
			t.Fatalf("AppendStatusEvent: %v", err)
		}
	}

	got, err := s.ListStatusEvents(ctx, sr.ID)
	if err != nil {
		t.Fatalf("ListStatusEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Note != "created" || got[2].Note != "done" {
		t.Errorf("events out of order: %+v", got)
	}
}

func TestConcurrentLockAcquire_OnlyOneWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results <- s.AcquireTaskLock(ctx, "tr-contended", "worker")
		}(i)
	}

	var wins, contended int
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		var ce *taskfabric.ErrLockContention
		if errors.As(err, &ce) {
			contended++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if contended != n-1 {
		t.Fatalf("expected %d contended, got %d", n-1, contended)
	}
}
