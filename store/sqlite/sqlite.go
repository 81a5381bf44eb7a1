// Package sqlite implements taskfabric.Store backed by SQLite via
// modernc.org/sqlite (pure Go, no CGO) — the secondary/dev Durable Store
// backend and the backing store for tests that need real SQL semantics
// without a Postgres fixture. A single connection
// (SetMaxOpenConns(1)) avoids SQLITE_BUSY under concurrent writers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	taskfabric "github.com/nevindra/taskfabric"
)

// Store implements taskfabric.Store using a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ taskfabric.Store = (*Store)(nil)

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a *slog.Logger; the default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens (but does not initialize the schema of) a SQLite database at
// path. Call Init before use.
func New(path string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		// sql.Open only validates the DSN; a malformed path here is a
		// programmer error.
		panic(fmt.Sprintf("sqlite: open %s: %v", path, err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_name TEXT NOT NULL,
	input TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	waiting_on_stack_run_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	suspended_at TEXT
);

CREATE TABLE IF NOT EXISTS stack_runs (
	id TEXT PRIMARY KEY,
	parent_task_run_id TEXT NOT NULL,
	parent_stack_run_id TEXT,
	service_name TEXT NOT NULL,
	method_name TEXT NOT NULL,
	args TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	vm_state TEXT,
	waiting_on_stack_run_id TEXT,
	resume_payload TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS stack_runs_pending_idx ON stack_runs (status, created_at);
CREATE INDEX IF NOT EXISTS stack_runs_chain_idx ON stack_runs (parent_task_run_id, created_at);
CREATE INDEX IF NOT EXISTS stack_runs_processing_idx ON stack_runs (status, updated_at);

CREATE TABLE IF NOT EXISTS task_locks (
	task_run_id TEXT PRIMARY KEY,
	locked_at TEXT NOT NULL,
	locked_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stack_run_status_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stack_run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	at TEXT NOT NULL,
	note TEXT
);
CREATE INDEX IF NOT EXISTS stack_run_status_events_idx ON stack_run_status_events (stack_run_id, id);
`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalErr(e *taskfabric.TaskErrorRecord) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalErr(ns sql.NullString) (*taskfabric.TaskErrorRecord, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var e taskfabric.TaskErrorRecord
	if err := json.Unmarshal([]byte(ns.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullableJSONText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textOrEmpty(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func (s *Store) CreateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	errJSON, err := marshalErr(t.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_runs (id, task_name, input, status, result, error, waiting_on_stack_run_id, created_at, updated_at, started_at, ended_at, suspended_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TaskName, string(t.Input), string(t.Status), nullableJSONText(t.Result), errJSON, t.WaitingOnStackRunID,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.EndedAt), formatTimePtr(t.SuspendedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create task run: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRun(ctx context.Context, id string) (*taskfabric.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_name, input, status, result, error, waiting_on_stack_run_id, created_at, updated_at, started_at, ended_at, suspended_at
FROM task_runs WHERE id = ?`, id)
	return scanTaskRun(row)
}

func (s *Store) UpdateTaskRun(ctx context.Context, t *taskfabric.TaskRun) error {
	errJSON, err := marshalErr(t.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE task_runs SET task_name=?, input=?, status=?, result=?, error=?, waiting_on_stack_run_id=?,
	updated_at=?, started_at=?, ended_at=?, suspended_at=?
WHERE id=?`,
		t.TaskName, string(t.Input), string(t.Status), nullableJSONText(t.Result), errJSON, t.WaitingOnStackRunID,
		formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.EndedAt), formatTimePtr(t.SuspendedAt), t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: task run %s not found", t.ID)
	}
	return nil
}

func (s *Store) CreateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	errJSON, err := marshalErr(st.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO stack_runs (id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.ParentTaskRunID, st.ParentStackRunID, st.ServiceName, st.MethodName, string(st.Args),
		string(st.Status), nullableJSONText(st.Result), errJSON, nullableJSONText(st.VMState), st.WaitingOnStackRunID,
		nullableJSONText(st.ResumePayload), formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create stack run: %w", err)
	}
	return nil
}

func (s *Store) GetStackRun(ctx context.Context, id string) (*taskfabric.StackRun, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE id = ?`, id)
	return scanStackRun(row)
}

func (s *Store) UpdateStackRun(ctx context.Context, st *taskfabric.StackRun) error {
	errJSON, err := marshalErr(st.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE stack_runs SET service_name=?, method_name=?, args=?, status=?, result=?, error=?, vm_state=?,
	waiting_on_stack_run_id=?, resume_payload=?, updated_at=?
WHERE id=?`,
		st.ServiceName, st.MethodName, string(st.Args), string(st.Status), nullableJSONText(st.Result),
		errJSON, nullableJSONText(st.VMState), st.WaitingOnStackRunID, nullableJSONText(st.ResumePayload),
		formatTime(st.UpdatedAt), st.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update stack run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: stack run %s not found", st.ID)
	}
	return nil
}

func (s *Store) ListPendingStackRuns(ctx context.Context) ([]*taskfabric.StackRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE status = ? ORDER BY created_at ASC`, string(taskfabric.StackRunPending))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending stack runs: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (s *Store) ListStackRunsByChain(ctx context.Context, taskRunID string) ([]*taskfabric.StackRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE parent_task_run_id = ? ORDER BY created_at ASC`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stack runs by chain: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*taskfabric.StackRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, result, error, vm_state, waiting_on_stack_run_id, resume_payload, created_at, updated_at
FROM stack_runs WHERE status = ? AND updated_at < ? ORDER BY created_at ASC`, string(taskfabric.StackRunProcessing), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale processing: %w", err)
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

// AcquireTaskLock inserts a TaskLock row; the primary key on task_run_id
// makes a second concurrent insert fail with SQLITE_CONSTRAINT, which is
// reported back as ErrLockContention.
func (s *Store) AcquireTaskLock(ctx context.Context, taskRunID, lockedBy string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_locks (task_run_id, locked_at, locked_by) VALUES (?,?,?)`,
		taskRunID, formatTime(time.Now().UTC()), lockedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return &taskfabric.ErrLockContention{TaskRunID: taskRunID}
		}
		return fmt.Errorf("sqlite: acquire task lock: %w", err)
	}
	return nil
}

// isUniqueViolation string-matches the SQLite driver's constraint-failure
// message rather than reaching into modernc.org/sqlite's internal error
// codes, which this package doesn't otherwise depend on.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func (s *Store) ReleaseTaskLock(ctx context.Context, taskRunID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_run_id = ?`, taskRunID)
	if err != nil {
		return fmt.Errorf("sqlite: release task lock: %w", err)
	}
	return nil
}

func (s *Store) ListStaleLocks(ctx context.Context, olderThan time.Time) ([]*taskfabric.TaskLock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_run_id, locked_at, locked_by FROM task_locks WHERE locked_at < ?`, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale locks: %w", err)
	}
	defer rows.Close()
	var out []*taskfabric.TaskLock
	for rows.Next() {
		var l taskfabric.TaskLock
		var lockedAt string
		if err := rows.Scan(&l.TaskRunID, &lockedAt, &l.LockedBy); err != nil {
			return nil, fmt.Errorf("sqlite: scan task lock: %w", err)
		}
		t, err := parseTime(lockedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse locked_at: %w", err)
		}
		l.LockedAt = t
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) AppendStatusEvent(ctx context.Context, ev *taskfabric.StatusEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stack_run_status_events (stack_run_id, status, at, note) VALUES (?,?,?,?)`,
		ev.StackRunID, string(ev.Status), formatTime(ev.At), ev.Note)
	if err != nil {
		return fmt.Errorf("sqlite: append status event: %w", err)
	}
	return nil
}

func (s *Store) ListStatusEvents(ctx context.Context, stackRunID string) ([]*taskfabric.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, at, note FROM stack_run_status_events WHERE stack_run_id = ? ORDER BY id ASC`, stackRunID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list status events: %w", err)
	}
	defer rows.Close()
	var out []*taskfabric.StatusEvent
	for rows.Next() {
		var status, at, note string
		if err := rows.Scan(&status, &at, &note); err != nil {
			return nil, fmt.Errorf("sqlite: scan status event: %w", err)
		}
		t, err := parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse status event time: %w", err)
		}
		out = append(out, &taskfabric.StatusEvent{StackRunID: stackRunID, Status: taskfabric.StackRunStatus(status), At: t, Note: note})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (*taskfabric.TaskRun, error) {
	var t taskfabric.TaskRun
	var status, input string
	var result, errStr sql.NullString
	var waitingOn sql.NullString
	var createdAt, updatedAt string
	var startedAt, endedAt, suspendedAt sql.NullString
	if err := row.Scan(&t.ID, &t.TaskName, &input, &status, &result, &errStr, &waitingOn,
		&createdAt, &updatedAt, &startedAt, &endedAt, &suspendedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: task run not found: %w", err)
		}
		return nil, fmt.Errorf("sqlite: scan task run: %w", err)
	}
	t.Status = taskfabric.TaskRunStatus(status)
	t.Input = json.RawMessage(input)
	t.Result = textOrEmpty(result)
	if waitingOn.Valid {
		v := waitingOn.String
		t.WaitingOnStackRunID = &v
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	if t.SuspendedAt, err = parseTimePtr(suspendedAt); err != nil {
		return nil, err
	}
	e, err := unmarshalErr(errStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal task error: %w", err)
	}
	t.Error = e
	return &t, nil
}

func scanStackRun(row rowScanner) (*taskfabric.StackRun, error) {
	var s taskfabric.StackRun
	var parentStackRunID, waitingOn sql.NullString
	var status, args string
	var result, errStr, vmState, resumePayload sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.ParentTaskRunID, &parentStackRunID, &s.ServiceName, &s.MethodName, &args,
		&status, &result, &errStr, &vmState, &waitingOn, &resumePayload, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: stack run not found: %w", err)
		}
		return nil, fmt.Errorf("sqlite: scan stack run: %w", err)
	}
	s.Status = taskfabric.StackRunStatus(status)
	s.Args = json.RawMessage(args)
	s.Result = textOrEmpty(result)
	s.VMState = textOrEmpty(vmState)
	s.ResumePayload = textOrEmpty(resumePayload)
	if parentStackRunID.Valid {
		v := parentStackRunID.String
		s.ParentStackRunID = &v
	}
	if waitingOn.Valid {
		v := waitingOn.String
		s.WaitingOnStackRunID = &v
	}
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	e, err := unmarshalErr(errStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal stack run error: %w", err)
	}
	s.Error = e
	return &s, nil
}

func scanStackRuns(rows *sql.Rows) ([]*taskfabric.StackRun, error) {
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
