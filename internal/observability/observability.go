// Package observability wires OpenTelemetry tracing and metrics around
// the fabric's core loop: scheduler selection, dispatch, sandbox
// execution, and sweeper reclaims. A disabled or misconfigured exporter
// degrades to no-op instruments rather than failing startup, since
// observability is ambient, not load-bearing.
package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/nevindra/taskfabric"

// Instruments holds every metric/trace handle the scheduler, dispatcher,
// sandbox, and sweeper record against.
type Instruments struct {
	Tracer trace.Tracer
	Logger otellog.Logger

	StepsCompleted  metric.Int64Counter
	StepsFailed     metric.Int64Counter
	StepsSuspended  metric.Int64Counter
	StepsResumed    metric.Int64Counter
	SweeperReclaims metric.Int64Counter
	LockContentions metric.Int64Counter

	DispatchDuration metric.Float64Histogram
	SandboxDuration  metric.Float64Histogram
	SelectDuration   metric.Float64Histogram
}

// Disabled returns no-op instruments: every counter/histogram/span call
// is a cheap no-op.
func Disabled() *Instruments {
	meter := noopmetric.NewMeterProvider().Meter(scopeName)
	logger := lognoop.NewLoggerProvider().Logger(scopeName)
	inst, _ := newInstruments(nooptrace.NewTracerProvider().Tracer(scopeName), meter, logger)
	return inst
}

// Init configures OTLP-HTTP trace and metric exporters (env-configured
// per OTEL_EXPORTER_OTLP_ENDPOINT and friends) and returns the
// Instruments plus a shutdown func that must be called on exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(tp.Tracer(scopeName), mp.Meter(scopeName), global.GetLoggerProvider().Logger(scopeName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments(tracer trace.Tracer, meter metric.Meter, logger otellog.Logger) (*Instruments, error) {
	stepsCompleted, err := meter.Int64Counter("taskfabric.steps.completed",
		metric.WithDescription("Stack runs that reached status=completed"), metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	stepsFailed, err := meter.Int64Counter("taskfabric.steps.failed",
		metric.WithDescription("Stack runs that reached status=failed"), metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	stepsSuspended, err := meter.Int64Counter("taskfabric.steps.suspended",
		metric.WithDescription("Stack runs that suspended awaiting a child"), metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	stepsResumed, err := meter.Int64Counter("taskfabric.steps.resumed",
		metric.WithDescription("Parent stack runs re-entered via the Resumption Path"), metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	sweeperReclaims, err := meter.Int64Counter("taskfabric.sweeper.reclaims",
		metric.WithDescription("Stale locks and stuck-processing steps reclaimed by the Sweeper"), metric.WithUnit("{reclaim}"))
	if err != nil {
		return nil, err
	}
	lockContentions, err := meter.Int64Counter("taskfabric.scheduler.lock_contentions",
		metric.WithDescription("Candidates deferred due to chain lock contention"), metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	dispatchDuration, err := meter.Float64Histogram("taskfabric.dispatch.duration",
		metric.WithDescription("Dispatcher.Dispatch wall-clock duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sandboxDuration, err := meter.Float64Histogram("taskfabric.sandbox.duration",
		metric.WithDescription("Sandbox.Run wall-clock duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	selectDuration, err := meter.Float64Histogram("taskfabric.scheduler.select_duration",
		metric.WithDescription("Scheduler candidate-selection wall-clock duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Logger:           logger,
		StepsCompleted:   stepsCompleted,
		StepsFailed:      stepsFailed,
		StepsSuspended:   stepsSuspended,
		StepsResumed:     stepsResumed,
		SweeperReclaims:  sweeperReclaims,
		LockContentions:  lockContentions,
		DispatchDuration: dispatchDuration,
		SandboxDuration:  sandboxDuration,
		SelectDuration:   selectDuration,
	}, nil
}

// RecordDuration is a small helper for the common "start a span, defer
// recording its duration into a histogram" shape used across the
// scheduler/dispatcher/sandbox call sites.
func RecordDuration(h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
}

// SpanError records err on span and sets its status to Error. Safe on a
// nil error.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EmitStepLog emits a structured OTel log record for one step's outcome,
// alongside (not instead of) the scheduler's slog output.
func EmitStepLog(ctx context.Context, logger otellog.Logger, severity otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(severity)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	logger.Emit(ctx, rec)
}

// Attribute keys for fabric spans and metrics.
var (
	AttrTaskRunID   = attribute.Key("taskfabric.task_run_id")
	AttrStackRunID  = attribute.Key("taskfabric.stack_run_id")
	AttrServiceName = attribute.Key("taskfabric.service_name")
	AttrMethodName  = attribute.Key("taskfabric.method_name")
)
