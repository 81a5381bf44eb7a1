// Package app wires together the fabric's components — Store, Sandbox,
// Dispatcher, Scheduler, Sweeper, Cascade, and the OTel Instruments
// bundle — into one HTTP-exposed service.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	taskfabric "github.com/nevindra/taskfabric"
	"github.com/nevindra/taskfabric/internal/config"
	"github.com/nevindra/taskfabric/internal/markdownerr"
	"github.com/nevindra/taskfabric/internal/observability"
)

// App is the fabric's ingress-and-wiring layer.
type App struct {
	Config     config.Config
	Store      taskfabric.Store
	Registry   *taskfabric.TaskRegistry
	Dispatcher *taskfabric.Dispatcher
	Scheduler  *taskfabric.Scheduler
	Sweeper    *taskfabric.Sweeper
	Cascade    taskfabric.Cascade
	Instr      *observability.Instruments
	Logger     *slog.Logger

	server *http.Server
}

// New wires an App from its already-constructed components. Callers
// (cmd/taskfabric/main.go) are responsible for choosing the Store/Sandbox
// backend per config; App only assembles what it's handed.
func New(cfg config.Config, store taskfabric.Store, registry *taskfabric.TaskRegistry, dispatcher *taskfabric.Dispatcher, scheduler *taskfabric.Scheduler, sweeper *taskfabric.Sweeper, cascade taskfabric.Cascade, instr *observability.Instruments, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if instr == nil {
		instr = observability.Disabled()
	}
	return &App{
		Config:     cfg,
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Sweeper:    sweeper,
		Cascade:    cascade,
		Instr:      instr,
		Logger:     logger,
	}
}

// Submit creates a new TaskRun and its root code StackRun, and fires the
// cascade so a worker picks it up immediately. An unregistered task name
// is a validation error, rejected before anything is persisted.
func (a *App) Submit(ctx context.Context, taskName string, input json.RawMessage) (string, error) {
	if _, ok := a.Registry.Code(taskName); !ok {
		return "", &taskfabric.ErrValidation{Message: fmt.Sprintf("task %q is not registered", taskName)}
	}

	now := time.Now().UTC()
	taskRunID := taskfabric.NewID()
	task := &taskfabric.TaskRun{
		ID:        taskRunID,
		TaskName:  taskName,
		Input:     input,
		Status:    taskfabric.TaskRunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.Store.CreateTaskRun(ctx, task); err != nil {
		return "", fmt.Errorf("app: create task run: %w", err)
	}

	root := &taskfabric.StackRun{
		ID:              taskfabric.NewID(),
		ParentTaskRunID: taskRunID,
		ServiceName:     taskfabric.CodeServiceName,
		MethodName:      "execute",
		Args:            encodeCodeStepArgsForApp(taskName, input),
		Status:          taskfabric.StackRunPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.Store.CreateStackRun(ctx, root); err != nil {
		return "", fmt.Errorf("app: create root stack run: %w", err)
	}

	task.Status = taskfabric.TaskRunRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	if err := a.Store.UpdateTaskRun(ctx, task); err != nil {
		return "", fmt.Errorf("app: mark task run running: %w", err)
	}

	a.Cascade.Trigger(ctx)
	return taskRunID, nil
}

// statusResponse is the Status JSON payload.
type statusResponse struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *statusError    `json:"error,omitempty"`
	WaitingOn *string         `json:"waitingOn,omitempty"`
}

type statusError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Status reports a TaskRun's current lifecycle state.
func (a *App) Status(ctx context.Context, taskRunID string) (statusResponse, error) {
	task, err := a.Store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return statusResponse{}, fmt.Errorf("app: get task run: %w", err)
	}

	resp := statusResponse{
		Status:    string(task.Status),
		Result:    task.Result,
		WaitingOn: task.WaitingOnStackRunID,
	}
	if task.Error != nil {
		resp.Error = &statusError{
			Kind:    string(task.Error.Kind),
			Message: markdownerr.Render(task.Error.Message),
			Details: task.Error.Details,
		}
	}
	return resp, nil
}

// stepHistory is one step of a chain in the History payload: the step's
// identity, its final state, and the recorded status transitions.
type stepHistory struct {
	StackRunID  string           `json:"stackRunId"`
	ServiceName string           `json:"serviceName"`
	MethodName  string           `json:"methodName"`
	Status      string           `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       *statusError     `json:"error,omitempty"`
	Events      []stepHistoryRow `json:"events"`
}

type stepHistoryRow struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// History returns the chain's audit trail: every stack run of the task,
// oldest-first, each with its recorded status transitions. This is the
// read side of the status event log; prior steps' results stay attached
// for diagnostics even after the task itself has finished.
func (a *App) History(ctx context.Context, taskRunID string) ([]stepHistory, error) {
	if _, err := a.Store.GetTaskRun(ctx, taskRunID); err != nil {
		return nil, fmt.Errorf("app: get task run: %w", err)
	}
	steps, err := a.Store.ListStackRunsByChain(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("app: list chain: %w", err)
	}

	out := make([]stepHistory, 0, len(steps))
	for _, step := range steps {
		events, err := a.Store.ListStatusEvents(ctx, step.ID)
		if err != nil {
			return nil, fmt.Errorf("app: list status events: %w", err)
		}
		h := stepHistory{
			StackRunID:  step.ID,
			ServiceName: step.ServiceName,
			MethodName:  step.MethodName,
			Status:      string(step.Status),
			Result:      step.Result,
			Events:      make([]stepHistoryRow, 0, len(events)),
		}
		if step.Error != nil {
			h.Error = &statusError{
				Kind:    string(step.Error.Kind),
				Message: markdownerr.Render(step.Error.Message),
				Details: step.Error.Details,
			}
		}
		for _, ev := range events {
			h.Events = append(h.Events, stepHistoryRow{Status: string(ev.Status), At: ev.At, Note: ev.Note})
		}
		out = append(out, h)
	}
	return out, nil
}

// Resume re-enters the resumption path for a stack run that has already
// reached a terminal state. It is exposed so the cascade's HTTP leg (or
// an operator diagnosing a stuck chain) can re-trigger it explicitly;
// the normal path already runs it automatically when a child
// terminates.
func (a *App) Resume(ctx context.Context, stackRunID string) error {
	child, err := a.Store.GetStackRun(ctx, stackRunID)
	if err != nil {
		return fmt.Errorf("app: get stack run: %w", err)
	}
	if child.ParentStackRunID == nil {
		return nil
	}
	return taskfabric.Resume(ctx, a.Store, a.Dispatcher, a.Cascade, child)
}

// ProcessNext drives one scheduler pass.
func (a *App) ProcessNext(ctx context.Context) error {
	return a.Scheduler.ProcessNext(ctx)
}

func encodeCodeStepArgsForApp(taskName string, input json.RawMessage) json.RawMessage {
	type codeStepArgs struct {
		TaskName string          `json:"taskName"`
		Input    json.RawMessage `json:"input"`
	}
	b, _ := json.Marshal(codeStepArgs{TaskName: taskName, Input: input})
	return b
}

// Handler builds the ingress http.ServeMux: plain net/http, no web
// framework.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", a.handleSubmit)
	mux.HandleFunc("/status/", a.handleStatus)
	mux.HandleFunc("/history/", a.handleHistory)
	mux.HandleFunc("/internal/resume", a.requireSecret(a.handleResume))
	mux.HandleFunc("/internal/process-next", a.requireSecret(a.handleProcessNext))
	mux.HandleFunc("/health", a.handleHealth)
	return mux
}

func (a *App) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := a.Config.Cascade.Secret
		if secret != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != secret {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, r)
	}
}

type submitRequest struct {
	TaskName string          `json:"taskName"`
	Input    json.RawMessage `json:"input"`
}

type submitResponse struct {
	TaskRunID string `json:"taskRunId"`
}

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TaskName == "" {
		writeError(w, http.StatusBadRequest, "taskName is required")
		return
	}

	taskRunID, err := a.Submit(r.Context(), req.TaskName, req.Input)
	if err != nil {
		var ve *taskfabric.ErrValidation
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Message)
			return
		}
		a.Logger.Error("submit failed", "task", req.TaskName, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskRunID: taskRunID})
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskRunID := strings.TrimPrefix(r.URL.Path, "/history/")
	if taskRunID == "" {
		writeError(w, http.StatusBadRequest, "taskRunId is required")
		return
	}
	steps, err := a.History(r.Context(), taskRunID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskRunID := strings.TrimPrefix(r.URL.Path, "/status/")
	if taskRunID == "" {
		writeError(w, http.StatusBadRequest, "taskRunId is required")
		return
	}
	resp, err := a.Status(r.Context(), taskRunID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resumeRequest struct {
	StackRunID string `json:"stackRunId"`
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := a.Resume(r.Context(), req.StackRunID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) handleProcessNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.ProcessNext(r.Context()); err != nil {
		a.Logger.Warn("process-next failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Run starts the HTTP server and, if configured, the optional idle
// cascade fallback ticker, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Store.Init(ctx); err != nil {
		return fmt.Errorf("app: store init: %w", err)
	}

	a.server = &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout.Dur(),
		WriteTimeout: a.Config.Server.WriteTimeout.Dur(),
		IdleTimeout:  a.Config.Server.IdleTimeout.Dur(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", "addr", a.Config.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stopIdle := a.runIdleCascadeTicker(ctx)
	defer stopIdle()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("app: server error: %w", err)
	}

	a.Logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout.Dur())
	defer cancel()
	return a.server.Shutdown(shutCtx)
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// runIdleCascadeTicker runs the idle cascade fallback: a low-frequency
// ProcessNext safety net in addition to the trigger-driven cascade.
// Disabled when IdleCascadeInterval is zero.
func (a *App) runIdleCascadeTicker(ctx context.Context) func() {
	interval := a.Config.Server.IdleCascadeInterval.Dur()
	if interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Scheduler.ProcessNext(ctx); err != nil {
					a.Logger.Warn("idle cascade processNext failed", "err", err)
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}
