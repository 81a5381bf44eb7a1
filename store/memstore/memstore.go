// Package memstore is an in-memory taskfabric.Store, useful for local
// development and demos where a real database is unavailable. It offers
// the same read-your-writes, primary-key-unique semantics the contract
// requires, just without persistence across process restarts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	taskfabric "github.com/nevindra/taskfabric"
)

// Store is a goroutine-safe in-memory taskfabric.Store.
type Store struct {
	mu sync.Mutex

	taskRuns  map[string]*taskfabric.TaskRun
	stackRuns map[string]*taskfabric.StackRun
	locks     map[string]*taskfabric.TaskLock
	events    map[string][]*taskfabric.StatusEvent
}

var _ taskfabric.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		taskRuns:  make(map[string]*taskfabric.TaskRun),
		stackRuns: make(map[string]*taskfabric.StackRun),
		locks:     make(map[string]*taskfabric.TaskLock),
		events:    make(map[string][]*taskfabric.StatusEvent),
	}
}

func (s *Store) Init(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func cloneTaskRun(t *taskfabric.TaskRun) *taskfabric.TaskRun {
	cp := *t
	return &cp
}

func cloneStackRun(st *taskfabric.StackRun) *taskfabric.StackRun {
	cp := *st
	return &cp
}

func (s *Store) CreateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskRuns[t.ID]; ok {
		return fmt.Errorf("memstore: task run %s already exists", t.ID)
	}
	s.taskRuns[t.ID] = cloneTaskRun(t)
	return nil
}

func (s *Store) GetTaskRun(ctx context.Context, id string) (*taskfabric.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taskRuns[id]
	if !ok {
		return nil, fmt.Errorf("memstore: task run %s not found", id)
	}
	return cloneTaskRun(t), nil
}

func (s *Store) UpdateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskRuns[t.ID]; !ok {
		return fmt.Errorf("memstore: task run %s not found", t.ID)
	}
	s.taskRuns[t.ID] = cloneTaskRun(t)
	return nil
}

func (s *Store) CreateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stackRuns[st.ID]; ok {
		return fmt.Errorf("memstore: stack run %s already exists", st.ID)
	}
	s.stackRuns[st.ID] = cloneStackRun(st)
	return nil
}

func (s *Store) GetStackRun(ctx context.Context, id string) (*taskfabric.StackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stackRuns[id]
	if !ok {
		return nil, fmt.Errorf("memstore: stack run %s not found", id)
	}
	return cloneStackRun(st), nil
}

func (s *Store) UpdateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stackRuns[st.ID]; !ok {
		return fmt.Errorf("memstore: stack run %s not found", st.ID)
	}
	s.stackRuns[st.ID] = cloneStackRun(st)
	return nil
}

func (s *Store) ListPendingStackRuns(ctx context.Context) ([]*taskfabric.StackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskfabric.StackRun
	for _, st := range s.stackRuns {
		if st.Status == taskfabric.StackRunPending {
			out = append(out, cloneStackRun(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStackRunsByChain(ctx context.Context, taskRunID string) ([]*taskfabric.StackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskfabric.StackRun
	for _, st := range s.stackRuns {
		if st.ParentTaskRunID == taskRunID {
			out = append(out, cloneStackRun(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*taskfabric.StackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskfabric.StackRun
	for _, st := range s.stackRuns {
		if st.Status == taskfabric.StackRunProcessing && st.UpdatedAt.Before(olderThan) {
			out = append(out, cloneStackRun(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AcquireTaskLock(ctx context.Context, taskRunID, lockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[taskRunID]; ok {
		return &taskfabric.ErrLockContention{TaskRunID: taskRunID}
	}
	s.locks[taskRunID] = &taskfabric.TaskLock{TaskRunID: taskRunID, LockedAt: time.Now().UTC(), LockedBy: lockedBy}
	return nil
}

func (s *Store) ReleaseTaskLock(ctx context.Context, taskRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, taskRunID)
	return nil
}

func (s *Store) ListStaleLocks(ctx context.Context, olderThan time.Time) ([]*taskfabric.TaskLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskfabric.TaskLock
	for _, l := range s.locks {
		if l.LockedAt.Before(olderThan) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AppendStatusEvent(ctx context.Context, ev *taskfabric.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.StackRunID] = append(s.events[ev.StackRunID], &cp)
	return nil
}

func (s *Store) ListStatusEvents(ctx context.Context, stackRunID string) ([]*taskfabric.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*taskfabric.StatusEvent(nil), s.events[stackRunID]...), nil
}
