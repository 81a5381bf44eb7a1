// Package postgres implements taskfabric.Store backed by PostgreSQL: the
// primary durable store over task_runs, stack_runs, and task_locks. The
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	taskfabric "github.com/nevindra/taskfabric"
)

// Store implements taskfabric.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ taskfabric.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns
// the pool and is responsible for closing it; Close on Store is a no-op.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schema if absent. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_name TEXT NOT NULL,
	input JSONB NOT NULL,
	status TEXT NOT NULL,
	result JSONB,
	error JSONB,
	waiting_on_stack_run_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	suspended_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stack_runs (
	id TEXT PRIMARY KEY,
	parent_task_run_id TEXT NOT NULL,
	parent_stack_run_id TEXT,
	service_name TEXT NOT NULL,
	method_name TEXT NOT NULL,
	args JSONB NOT NULL,
	status TEXT NOT NULL,
	result JSONB,
	error JSONB,
	vm_state JSONB,
	waiting_on_stack_run_id TEXT,
	resume_payload JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stack_runs_pending_idx ON stack_runs (status, created_at);
CREATE INDEX IF NOT EXISTS stack_runs_chain_idx ON stack_runs (parent_task_run_id, created_at);
CREATE INDEX IF NOT EXISTS stack_runs_processing_idx ON stack_runs (status, updated_at);

CREATE TABLE IF NOT EXISTS task_locks (
	task_run_id TEXT PRIMARY KEY,
	locked_at TIMESTAMPTZ NOT NULL,
	locked_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stack_run_status_events (
	id BIGSERIAL PRIMARY KEY,
	stack_run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	note TEXT
);
CREATE INDEX IF NOT EXISTS stack_run_status_events_idx ON stack_run_status_events (stack_run_id, id);
`)
	if err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func marshalErr(e *taskfabric.TaskErrorRecord) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func unmarshalErr(raw []byte) (*taskfabric.TaskErrorRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var e taskfabric.TaskErrorRecord
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) CreateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	errJSON, err := marshalErr(t.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO task_runs (id, task_name, input, status, result, error, waiting_on_stack_run_id, created_at, updated_at, started_at, ended_at, suspended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.TaskName, []byte(t.Input), string(t.Status), nullableJSON(t.Result), errJSON,
		t.WaitingOnStackRunID, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.EndedAt, t.SuspendedAt)
	if err != nil {
		return fmt.Errorf("postgres: create task run: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRun(ctx context.Context, id string) (*taskfabric.TaskRun, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, task_name, input, status, result, error, waiting_on_stack_run_id, created_at, updated_at, started_at, ended_at, suspended_at
FROM task_runs WHERE id = $1`, id)
	return scanTaskRun(row)
}

func (s *Store) UpdateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	errJSON, err := marshalErr(t.Error)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE task_runs SET task_name=$2, input=$3, status=$4, result=$5, error=$6, waiting_on_stack_run_id=$7,
	updated_at=$8, started_at=$9, ended_at=$10, suspended_at=$11
WHERE id=$1`,
		t.ID, t.TaskName, []byte(t.Input), string(t.Status), nullableJSON(t.Result), errJSON,
		t.WaitingOnStackRunID, t.UpdatedAt, t.StartedAt, t.EndedAt, t.SuspendedAt)
	if err != nil {
		return fmt.Errorf("postgres: update task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: task run %s not found", t.ID)
	}
	return nil
}

func (s *Store) CreateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	errJSON, err := marshalErr(st.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO stack_runs (id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		st.ID, st.ParentTaskRunID, st.ParentStackRunID, st.ServiceName, st.MethodName, []byte(st.Args),
		string(st.Status), nullableJSON(st.Result), errJSON, nullableJSON(st.VMState), st.WaitingOnStackRunID,
		nullableJSON(st.ResumePayload), st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create stack run: %w", err)
	}
	return nil
}

func (s *Store) GetStackRun(ctx context.Context, id string) (*taskfabric.StackRun, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE id = $1`, id)
	return scanStackRun(row)
}

func (s *Store) UpdateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	errJSON, err := marshalErr(st.Error)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE stack_runs SET service_name=$2, method_name=$3, args=$4, status=$5, result=$6, error=$7, vm_state=$8,
	waiting_on_stack_run_id=$9, resume_payload=$10, updated_at=$11
WHERE id=$1`,
		st.ID, st.ServiceName, st.MethodName, []byte(st.Args), string(st.Status), nullableJSON(st.Result),
		errJSON, nullableJSON(st.VMState), st.WaitingOnStackRunID, nullableJSON(st.ResumePayload), st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update stack run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: stack run %s not found", st.ID)
	}
	return nil
}

func (s *Store) ListPendingStackRuns(ctx context.Context) ([]*taskfabric.StackRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE status = $1 ORDER BY created_at ASC`, string(taskfabric.StackRunPending))
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending stack runs: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (s *Store) ListStackRunsByChain(ctx context.Context, taskRunID string) ([]*taskfabric.StackRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE parent_task_run_id = $1 ORDER BY created_at ASC`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stack runs by chain: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*taskfabric.StackRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE status = $1 AND updated_at < $2 ORDER BY created_at ASC`, string(taskfabric.StackRunProcessing), olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale processing: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

// AcquireTaskLock inserts a TaskLock row, relying on the primary-key
// uniqueness of task_run_id to make the insert atomic and fail fast on
// contention.
func (s *Store) AcquireTaskLock(ctx context.Context, taskRunID, lockedBy string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO task_locks (task_run_id, locked_at, locked_by) VALUES ($1,$2,$3)`,
		taskRunID, time.Now().UTC(), lockedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return &taskfabric.ErrLockContention{TaskRunID: taskRunID}
		}
		return fmt.Errorf("postgres: acquire task lock: %w", err)
	}
	return nil
}

func (s *Store) ReleaseTaskLock(ctx context.Context, taskRunID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_locks WHERE task_run_id = $1`, taskRunID)
	if err != nil {
		return fmt.Errorf("postgres: release task lock: %w", err)
	}
	return nil
}

func (s *Store) ListStaleLocks(ctx context.Context, olderThan time.Time) ([]*taskfabric.TaskLock, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_run_id, locked_at, locked_by FROM task_locks WHERE locked_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale locks: %w", err)
	}
	defer rows.Close()
	var out []*taskfabric.TaskLock
	for rows.Next() {
		var l taskfabric.TaskLock
		if err := rows.Scan(&l.TaskRunID, &l.LockedAt, &l.LockedBy); err != nil {
			return nil, fmt.Errorf("postgres: scan task lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) AppendStatusEvent(ctx context.Context, ev *taskfabric.StatusEvent) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO stack_run_status_events (stack_run_id, status, at, note) VALUES ($1,$2,$3,$4)`,
		ev.StackRunID, string(ev.Status), ev.At, ev.Note)
	if err != nil {
		return fmt.Errorf("postgres: append status event: %w", err)
	}
	return nil
}

func (s *Store) ListStatusEvents(ctx context.Context, stackRunID string) ([]*taskfabric.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT stack_run_id, status, at, note FROM stack_run_status_events WHERE stack_run_id = $1 ORDER BY id ASC`, stackRunID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list status events: %w", err)
	}
	defer rows.Close()
	var out []*taskfabric.StatusEvent
	for rows.Next() {
		var ev taskfabric.StatusEvent
		var status string
		if err := rows.Scan(&ev.StackRunID, &status, &ev.At, &ev.Note); err != nil {
			return nil, fmt.Errorf("postgres: scan status event: %w", err)
		}
		ev.Status = taskfabric.StackRunStatus(status)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (*taskfabric.TaskRun, error) {
	var t taskfabric.TaskRun
	var status string
	var input, result, errJSON []byte
	if err := row.Scan(&t.ID, &t.TaskName, &input, &status, &result, &errJSON, &t.WaitingOnStackRunID,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.EndedAt, &t.SuspendedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: task run not found: %w", err)
		}
		return nil, fmt.Errorf("postgres: scan task run: %w", err)
	}
	t.Status = taskfabric.TaskRunStatus(status)
	t.Input = input
	t.Result = result
	e, err := unmarshalErr(errJSON)
	if err != nil {
		return nil, fmt.Errorf("postgres: unmarshal task error: %w", err)
	}
	t.Error = e
	return &t, nil
}

func scanStackRun(row rowScanner) (*taskfabric.StackRun, error) {
	var s taskfabric.StackRun
	var status string
	var args, result, errJSON, vmState, resumePayload []byte
	if err := row.Scan(&s.ID, &s.ParentTaskRunID, &s.ParentStackRunID, &s.ServiceName, &s.MethodName, &args,
		&status, &result, &errJSON, &vmState, &s.WaitingOnStackRunID, &resumePayload, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: stack run not found: %w", err)
		}
		return nil, fmt.Errorf("postgres: scan stack run: %w", err)
	}
	s.Status = taskfabric.StackRunStatus(status)
	s.Args = args
	s.Result = result
	s.VMState = vmState
	s.ResumePayload = resumePayload
	e, err := unmarshalErr(errJSON)
	if err != nil {
		return nil, fmt.Errorf("postgres: unmarshal stack run error: %w", err)
	}
	s.Error = e
	return &s, nil
}

func scanStackRuns(rows pgx.Rows) ([]*taskfabric.StackRun, error) {
	var out []*taskfabric.StackRun
	for rows.Next() {
		s, err := scanStackRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
