package taskfabric

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nevindra/taskfabric/internal/sandbox"
)

// newChain creates a TaskRun plus n pending external steps spaced one
// second apart, returning the task and the steps oldest-first.
func newChain(t *testing.T, store *memStore, serviceName string, methods ...string) (*TaskRun, []*StackRun) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	task := &TaskRun{ID: NewID(), TaskName: "chain", Status: TaskRunRunning, CreatedAt: base, UpdatedAt: base}
	if err := store.CreateTaskRun(ctx, task); err != nil {
		t.Fatalf("create task run: %v", err)
	}

	steps := make([]*StackRun, 0, len(methods))
	for i, m := range methods {
		at := base.Add(time.Duration(i) * time.Second)
		s := &StackRun{
			ID: NewID(), ParentTaskRunID: task.ID, ServiceName: serviceName, MethodName: m,
			Args: json.RawMessage(`{}`), Status: StackRunPending, CreatedAt: at, UpdatedAt: at,
		}
		if err := store.CreateStackRun(ctx, s); err != nil {
			t.Fatalf("create stack run: %v", err)
		}
		steps = append(steps, s)
	}
	return task, steps
}

// TestFIFOWithinChain: of two pending siblings in one chain, the older
// reaches a terminal state before the younger ever begins processing.
func TestFIFOWithinChain(t *testing.T) {
	h := newTestHarness(t)
	ep := newStubEndpoint().returns("first", intResult(1)).returns("second", intResult(2))
	h.dispatch.RegisterEndpoint("X", ep)

	_, steps := newChain(t, h.store, "X", "first", "second")
	ctx := context.Background()

	if err := h.sched.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	older, err := h.store.GetStackRun(ctx, steps[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	younger, err := h.store.GetStackRun(ctx, steps[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if older.Status != StackRunCompleted {
		t.Fatalf("expected older sibling completed after one pass, got %s", older.Status)
	}
	if younger.Status != StackRunPending {
		t.Fatalf("expected younger sibling untouched while older ran, got %s", younger.Status)
	}

	if err := h.sched.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	younger, err = h.store.GetStackRun(ctx, steps[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if younger.Status != StackRunCompleted {
		t.Fatalf("expected younger sibling completed on the next pass, got %s", younger.Status)
	}
}

// TestSelectReadyPrefersOldestAcrossChains: selection is oldest-first
// over the whole pending set, and a younger sibling is never picked
// while an older one in its chain is still pending.
func TestSelectReadyPrefersOldestAcrossChains(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, chainA := newChain(t, h.store, "X", "a1", "a2")
	time.Sleep(time.Millisecond)
	_, chainB := newChain(t, h.store, "X", "b1")

	ready, err := h.sched.selectReady(ctx)
	if err != nil {
		t.Fatalf("selectReady: %v", err)
	}
	// Each chain contributes exactly its oldest pending step; chain A's
	// younger sibling is held back.
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready candidates, got %d", len(ready))
	}
	if ready[0].ID != chainA[0].ID || ready[1].ID != chainB[0].ID {
		t.Fatalf("unexpected ready order: [%s %s]", ready[0].ID, ready[1].ID)
	}

	// With chain A's head gone, its younger sibling becomes ready.
	head, err := h.store.GetStackRun(ctx, chainA[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	head.Status = StackRunCompleted
	if err := h.store.UpdateStackRun(ctx, head); err != nil {
		t.Fatal(err)
	}
	ready, err = h.sched.selectReady(ctx)
	if err != nil {
		t.Fatalf("selectReady: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready candidates after head completed, got %d", len(ready))
	}
	ids := map[string]bool{ready[0].ID: true, ready[1].ID: true}
	if !ids[chainA[1].ID] || !ids[chainB[0].ID] {
		t.Fatalf("expected chain A's second step and chain B's step ready, got %+v", ready)
	}
}

// TestLockContentionDefersCandidate: a held chain lock defers the
// candidate with no state change, and a free chain still progresses.
func TestLockContentionDefersCandidate(t *testing.T) {
	h := newTestHarness(t)
	h.sched.Config.Lock.Attempts = 1
	ep := newStubEndpoint().returns("f", intResult(1))
	h.dispatch.RegisterEndpoint("X", ep)

	ctx := context.Background()
	taskA, stepsA := newChain(t, h.store, "X", "f")
	if err := h.store.AcquireTaskLock(ctx, taskA.ID, "other-worker"); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	if err := h.sched.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	deferred, err := h.store.GetStackRun(ctx, stepsA[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if deferred.Status != StackRunPending {
		t.Fatalf("expected contended candidate left pending, got %s", deferred.Status)
	}

	// An independent chain is unaffected by A's lock.
	taskB, _ := newChain(t, h.store, "X", "f")
	h.runToQuiescence(10)
	finalB := h.getTaskRun(taskB.ID)
	if finalB.Status != TaskRunCompleted {
		t.Fatalf("expected independent chain completed despite A's lock, got %s", finalB.Status)
	}
	finalA, err := h.store.GetStackRun(ctx, stepsA[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if finalA.Status != StackRunPending {
		t.Fatalf("expected locked chain's step still pending, got %s", finalA.Status)
	}
}

// TestLockBypassRules: a child of a suspended-or-completed parent runs
// without the chain lock; a child of a processing parent does not.
func TestLockBypassRules(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	task, steps := newChain(t, h.store, "X", "parent")
	parent := steps[0]

	mkChild := func() *StackRun {
		now := time.Now().UTC()
		c := &StackRun{
			ID: NewID(), ParentTaskRunID: task.ID, ParentStackRunID: &parent.ID,
			ServiceName: "X", MethodName: "child", Args: json.RawMessage(`{}`),
			Status: StackRunPending, CreatedAt: now, UpdatedAt: now,
		}
		if err := h.store.CreateStackRun(ctx, c); err != nil {
			t.Fatal(err)
		}
		return c
	}

	setParentStatus := func(st StackRunStatus) {
		p, err := h.store.GetStackRun(ctx, parent.ID)
		if err != nil {
			t.Fatal(err)
		}
		p.Status = st
		if err := h.store.UpdateStackRun(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct {
		parentStatus StackRunStatus
		wantBypass   bool
	}{
		{StackRunSuspendedWaitingChild, true},
		{StackRunCompleted, true},
		{StackRunProcessing, false},
		{StackRunPending, false},
	} {
		setParentStatus(tc.parentStatus)
		child := mkChild()
		bypass, _, err := h.sched.lockBypass(ctx, child)
		if err != nil {
			t.Fatalf("lockBypass (parent %s): %v", tc.parentStatus, err)
		}
		if bypass != tc.wantBypass {
			t.Errorf("parent %s: expected bypass=%v, got %v", tc.parentStatus, tc.wantBypass, bypass)
		}
	}

	// A root step (no parent pointer) never bypasses.
	bypass, _, err := h.sched.lockBypass(ctx, parent)
	if err != nil {
		t.Fatalf("lockBypass (root): %v", err)
	}
	if bypass {
		t.Error("expected no bypass for a root step")
	}
}

// TestResumeIdempotence: a second Resume for the same (parent, child)
// pair is a no-op, leaving the already-resumed parent's terminal state
// and the task's result unchanged.
func TestResumeIdempotence(t *testing.T) {
	h := newTestHarness(t)
	ep := newStubEndpoint().returns("f", intResult(20))
	h.dispatch.RegisterEndpoint("X", ep)

	program := fakeProgram{
		func(replay []sandbox.ReplayEntry) sandbox.RunResult { return suspend("X", "f", jsonOf(t, nil)) },
		func(replay []sandbox.ReplayEntry) sandbox.RunResult {
			return complete(intResult(replayInt(replay[0]) + 1))
		},
	}
	task := h.submit("idem", program, nil)
	h.runToQuiescence(10)

	ctx := context.Background()
	first := h.getTaskRun(task.ID)
	if first.Status != TaskRunCompleted || decodeInt(first.Result) != 21 {
		t.Fatalf("expected completed with 21, got %s %s", first.Status, first.Result)
	}

	var child *StackRun
	for _, r := range h.stackRunsByChain(task.ID) {
		if r.ParentStackRunID != nil {
			child = r
		}
	}
	if child == nil {
		t.Fatal("expected a child stack run to exist")
	}

	// Duplicate trigger: the parent is no longer waiting, so nothing moves.
	if err := Resume(ctx, h.store, h.dispatch, h.sched.Cascade, child); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	second := h.getTaskRun(task.ID)
	if second.Status != first.Status || string(second.Result) != string(first.Result) {
		t.Fatalf("duplicate resume changed terminal state: %s %s", second.Status, second.Result)
	}
	if ep.callCount() != 1 {
		t.Fatalf("expected endpoint called exactly once, got %d", ep.callCount())
	}
}

// TestResumeIgnoresUnawaitedChild: a terminal child the parent is not
// waiting for leaves the parent untouched.
func TestResumeIgnoresUnawaitedChild(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	task, steps := newChain(t, h.store, CodeServiceName, "execute")
	parent := steps[0]
	otherID := NewID()
	p, err := h.store.GetStackRun(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	p.Status = StackRunSuspendedWaitingChild
	p.WaitingOnStackRunID = &otherID
	if err := h.store.UpdateStackRun(ctx, p); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	stray := &StackRun{
		ID: NewID(), ParentTaskRunID: task.ID, ParentStackRunID: &parent.ID,
		ServiceName: "X", MethodName: "f", Args: json.RawMessage(`{}`),
		Status: StackRunCompleted, Result: intResult(7), CreatedAt: now, UpdatedAt: now,
	}
	if err := h.store.CreateStackRun(ctx, stray); err != nil {
		t.Fatal(err)
	}

	if err := Resume(ctx, h.store, h.dispatch, h.sched.Cascade, stray); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	after, err := h.store.GetStackRun(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != StackRunSuspendedWaitingChild {
		t.Fatalf("expected parent left suspended, got %s", after.Status)
	}
	if after.WaitingOnStackRunID == nil || *after.WaitingOnStackRunID != otherID {
		t.Fatalf("expected parent still waiting on %s, got %v", otherID, after.WaitingOnStackRunID)
	}
}

// TestDeterministicReplay: with the same code, input, and replay log,
// two sandbox runs yield the same outcome.
func TestDeterministicReplay(t *testing.T) {
	h := newTestHarness(t)
	program := fakeProgram{
		func(replay []sandbox.ReplayEntry) sandbox.RunResult { return suspend("X", "f", jsonOf(t, 1)) },
		func(replay []sandbox.ReplayEntry) sandbox.RunResult {
			return complete(intResult(replayInt(replay[0]) * 2))
		},
	}
	h.runner.register("det", program)

	ctx := context.Background()
	replay := []ReplayEntry{{ServiceName: "X", MethodPath: "f", Args: jsonOf(t, 1), Result: intResult(21)}}

	sb := h.dispatch.Sandbox
	first, err := sb.Run(ctx, "det", nil, replay, "tr", "sr")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := sb.Run(ctx, "det", nil, replay, "tr", "sr")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !first.Completed || !second.Completed {
		t.Fatalf("expected both runs completed, got %+v / %+v", first, second)
	}
	if string(first.Value) != string(second.Value) {
		t.Fatalf("replay not deterministic: %s vs %s", first.Value, second.Value)
	}
	if decodeInt(first.Value) != 42 {
		t.Fatalf("expected 42, got %s", first.Value)
	}
}

// TestAcquireLockRetriesThenDefers: a persistently contended lock is
// reported as contention after the configured attempts, never as a
// storage failure.
func TestAcquireLockRetriesThenDefers(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := store.AcquireTaskLock(ctx, "tr-held", "other"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	cfg := LockConfig{Attempts: 3, BaseDelay: time.Millisecond}
	err := acquireLock(ctx, store, "tr-held", "me", cfg)
	var contention *ErrLockContention
	if !errors.As(err, &contention) {
		t.Fatalf("expected *ErrLockContention after retries, got %v", err)
	}

	if err := store.ReleaseTaskLock(ctx, "tr-held"); err != nil {
		t.Fatal(err)
	}
	if err := acquireLock(ctx, store, "tr-held", "me", cfg); err != nil {
		t.Fatalf("expected acquisition after release, got %v", err)
	}
}
