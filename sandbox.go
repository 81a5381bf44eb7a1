package taskfabric

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/taskfabric/internal/observability"
	"github.com/nevindra/taskfabric/internal/sandbox"
)

// SandboxOutcome is the task sandbox's result: exactly one of
// Completed, Suspended, Failed is set.
type SandboxOutcome struct {
	Completed bool
	Value     json.RawMessage

	Suspended  bool
	Suspension SuspensionDescriptor

	Failed bool
	Err    error
	// Kind carries the runner's classified error kind ("external_error")
	// when task code re-threw an uncaught host-call failure, so callers
	// can preserve that classification instead of defaulting every
	// sandbox failure to task_code_error.
	Kind string
}

// Sandbox executes task code: it hands the code and its replay log to
// an internal/sandbox.Runner and translates the runner's result into a
// SandboxOutcome. It never performs the external call named by a
// suspension itself — that is Capture's and the Dispatcher's job.
type Sandbox struct {
	Runner  sandbox.Runner
	Timeout time.Duration

	// Instr, if set, receives a span and a SandboxDuration histogram
	// sample per Run call. Nil (the zero value) disables instrumentation
	// entirely rather than recording into a throwaway no-op provider.
	Instr *observability.Instruments
}

// NewSandbox constructs a Sandbox around the given runner (typically an
// internal/sandbox.NodeRunner or internal/sandbox/container.Runner).
func NewSandbox(runner sandbox.Runner, timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sandbox{Runner: runner, Timeout: timeout}
}

// Run executes taskCode against input, replaying replay in order before
// any new callHostTool invocation is allowed to suspend. taskRunID and
// stackRunID are passed through for the runner's own diagnostics only;
// they never reach task code.
func (sb *Sandbox) Run(ctx context.Context, taskCode string, input json.RawMessage, replay []ReplayEntry, taskRunID, stackRunID string) (SandboxOutcome, error) {
	wireReplay := make([]sandbox.ReplayEntry, len(replay))
	for i, e := range replay {
		wireReplay[i] = sandbox.ReplayEntry{ServiceName: e.ServiceName, MethodPath: e.MethodPath, Args: e.Args, Result: e.Result, Failed: e.Failed}
	}

	var span trace.Span
	if sb.Instr != nil {
		ctx, span = sb.Instr.Tracer.Start(ctx, "taskfabric.sandbox.run",
			trace.WithAttributes(observability.AttrTaskRunID.String(taskRunID), observability.AttrStackRunID.String(stackRunID)))
		start := time.Now()
		defer func() {
			observability.RecordDuration(sb.Instr.SandboxDuration, start)
			span.End()
		}()
	}

	res, err := sb.Runner.Run(ctx, sandbox.RunRequest{
		Code:       taskCode,
		Input:      input,
		Replay:     wireReplay,
		TaskRunID:  taskRunID,
		StackRunID: stackRunID,
		Timeout:    sb.Timeout,
	})
	if err != nil {
		if sb.Instr != nil {
			observability.SpanError(span, err)
		}
		return SandboxOutcome{}, err
	}

	switch {
	case res.Completed:
		return SandboxOutcome{Completed: true, Value: res.Value}, nil
	case res.Suspended:
		return SandboxOutcome{Suspended: true, Suspension: SuspensionDescriptor{
			ServiceName: res.ServiceName,
			MethodPath:  res.MethodPath,
			Args:        res.Args,
		}}, nil
	default:
		return SandboxOutcome{Failed: true, Err: res.Err, Kind: res.Kind}, nil
	}
}
