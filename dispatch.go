package taskfabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/taskfabric/internal/observability"
)

// Endpoint is an external, named callable the Dispatcher can invoke for a
// non-code StackRun. Thin per-service HTTP adapters (search, mail, model,
// credential store) implement this; the core makes no assumption about an
// endpoint's internal shape beyond the JSON argument/result contract.
type Endpoint interface {
	Invoke(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error)
}

// ReshapeFunc adapts a raw endpoint result into the object shape task code
// expects, for the well-known endpoints whose list operations return raw
// arrays. This is the only place result reshaping happens; all other
// propagation is byte-transparent.
type ReshapeFunc func(methodPath string, raw json.RawMessage) (json.RawMessage, error)

// DispatchOutcome is the Dispatcher's classified result: exactly one of
// Completed, ChildSuspended, Failed is set.
type DispatchOutcome struct {
	Completed bool
	Value     json.RawMessage

	ChildSuspended bool
	Child          *StackRun

	Failed bool
	Err    *TaskErrorRecord
}

// Dispatcher invokes the endpoint a step names: a table keyed by
// serviceName. Code steps delegate to the Sandbox; external steps call
// the registered Endpoint.
type Dispatcher struct {
	Store    Store
	Registry *TaskRegistry
	Sandbox  *Sandbox
	Timeout  time.Duration

	// Instr, if set, receives a DispatchDuration histogram sample per
	// Dispatch call. Nil disables instrumentation.
	Instr *observability.Instruments

	endpoints map[string]Endpoint
	reshapes  map[string]ReshapeFunc
}

// NewDispatcher constructs a Dispatcher. timeout is the outbound call
// deadline for external steps (the t_dispatch config key).
func NewDispatcher(store Store, registry *TaskRegistry, sb *Sandbox, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		Store:     store,
		Registry:  registry,
		Sandbox:   sb,
		Timeout:   timeout,
		endpoints: make(map[string]Endpoint),
		reshapes:  make(map[string]ReshapeFunc),
	}
}

// RegisterEndpoint binds an Endpoint to a serviceName.
func (d *Dispatcher) RegisterEndpoint(serviceName string, ep Endpoint) {
	d.endpoints[serviceName] = ep
}

// RegisterReshape binds a declarative reshape rule for
// "serviceName.methodPath".
func (d *Dispatcher) RegisterReshape(serviceName, methodPath string, fn ReshapeFunc) {
	d.reshapes[serviceName+"."+methodPath] = fn
}

// Dispatch classifies and executes one pending StackRun: it returns
// Completed with a value, ChildSuspended with the new child, or Failed
// with a structured error.
func (d *Dispatcher) Dispatch(ctx context.Context, step *StackRun) (DispatchOutcome, error) {
	if d.Instr != nil {
		start := time.Now()
		defer observability.RecordDuration(d.Instr.DispatchDuration, start,
			observability.AttrServiceName.String(step.ServiceName), observability.AttrMethodName.String(step.MethodName))
	}
	if step.IsCodeStep() {
		return d.dispatchCode(ctx, step)
	}
	return d.dispatchExternal(ctx, step)
}

func (d *Dispatcher) dispatchCode(ctx context.Context, step *StackRun) (DispatchOutcome, error) {
	args, err := decodeCodeStepArgs(step.Args)
	if err != nil {
		return DispatchOutcome{Failed: true, Err: TaskError(KindTaskCode, step.ID, "invalid code step args: %v", err)}, nil
	}
	code, ok := d.Registry.Code(args.TaskName)
	if !ok {
		return DispatchOutcome{Failed: true, Err: TaskError(KindTaskCode, step.ID, "task %q is not registered", args.TaskName)}, nil
	}

	var replay []ReplayEntry
	if len(step.VMState) > 0 {
		var vm VMState
		if err := json.Unmarshal(step.VMState, &vm); err != nil {
			return DispatchOutcome{Failed: true, Err: TaskError(KindTaskCode, step.ID, "corrupt vm_state: %v", err)}, nil
		}
		replay = vm.Replay
	}

	outcome, err := d.Sandbox.Run(ctx, code, args.Input, replay, step.ParentTaskRunID, step.ID)
	if err != nil {
		return DispatchOutcome{}, err
	}

	switch {
	case outcome.Completed:
		return DispatchOutcome{Completed: true, Value: outcome.Value}, nil
	case outcome.Suspended:
		child, err := Capture(ctx, d.Store, step, replay, outcome.Suspension)
		if err != nil {
			return DispatchOutcome{}, err
		}
		return DispatchOutcome{ChildSuspended: true, Child: child}, nil
	default:
		return DispatchOutcome{Failed: true, Err: TaskError(classifyOutcomeKind(outcome.Kind), step.ID, "%v", outcome.Err)}, nil
	}
}

// classifyOutcomeKind maps a sandbox outcome's classified Kind string
// back to an ErrorKind, defaulting to task_code_error. A task whose code
// catches an __ExternalError and re-throws the same error (or never
// catches it at all) keeps its external_error classification through
// resume; any other uncaught failure is an ordinary task code error.
func classifyOutcomeKind(kind string) ErrorKind {
	if kind == string(KindExternal) {
		return KindExternal
	}
	return KindTaskCode
}

func (d *Dispatcher) dispatchExternal(ctx context.Context, step *StackRun) (DispatchOutcome, error) {
	ep, ok := d.endpoints[step.ServiceName]
	if !ok {
		return DispatchOutcome{Failed: true, Err: TaskError(KindConfiguration, step.ID, "no endpoint registered for service %q", step.ServiceName)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	raw, err := ep.Invoke(ctx, step.MethodName, step.Args)
	if err != nil {
		if ctx.Err() != nil {
			return DispatchOutcome{Failed: true, Err: TaskError(KindTransport, step.ID, "endpoint %s.%s timed out: %v", step.ServiceName, step.MethodName, err)}, nil
		}
		return DispatchOutcome{Failed: true, Err: TaskError(KindExternal, step.ID, "endpoint %s.%s failed: %v", step.ServiceName, step.MethodName, err)}, nil
	}

	if fn, ok := d.reshapes[step.ServiceName+"."+step.MethodName]; ok {
		reshaped, err := fn(step.MethodName, raw)
		if err != nil {
			return DispatchOutcome{Failed: true, Err: TaskError(KindExternal, step.ID, "reshape %s.%s: %v", step.ServiceName, step.MethodName, err)}, nil
		}
		raw = reshaped
	}

	return DispatchOutcome{Completed: true, Value: raw}, nil
}
