// Command taskfabric runs the durable task execution fabric as a single
// HTTP-exposed service: ingress (submit/status), the internal
// resume/process-next endpoints the cascade drives, and the scheduler
// loop itself, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	taskfabric "github.com/nevindra/taskfabric"
	"github.com/nevindra/taskfabric/internal/app"
	"github.com/nevindra/taskfabric/internal/config"
	"github.com/nevindra/taskfabric/internal/observability"
	"github.com/nevindra/taskfabric/internal/sandbox"
	sandboxcontainer "github.com/nevindra/taskfabric/internal/sandbox/container"
	"github.com/nevindra/taskfabric/service/credentialstore"
	"github.com/nevindra/taskfabric/service/mail"
	"github.com/nevindra/taskfabric/service/model"
	"github.com/nevindra/taskfabric/service/search"
	"github.com/nevindra/taskfabric/store/memstore"
	"github.com/nevindra/taskfabric/store/postgres"
	"github.com/nevindra/taskfabric/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to taskfabric.toml (defaults to ./taskfabric.toml if present)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := config.Load(*configPath)

	ctx := context.Background()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	runner, err := buildSandboxRunner(cfg)
	if err != nil {
		logger.Error("sandbox init failed", "err", err)
		os.Exit(1)
	}

	registry := taskfabric.NewTaskRegistry()
	registerBuiltinTasks(registry)

	sb := taskfabric.NewSandbox(runner, cfg.Scheduler.TDispatch.Dur())
	dispatcher := taskfabric.NewDispatcher(store, registry, sb, cfg.Scheduler.TDispatch.Dur())
	registerServiceEndpoints(dispatcher, cfg)

	var cascade taskfabric.Cascade
	if cfg.Cascade.SelfURL != "" {
		cascade = taskfabric.NewHTTPCascade(cfg.Cascade.SelfURL, cfg.Cascade.Secret, logger)
	} else {
		cascade = taskfabric.NewInProcessCascade()
	}

	sweeper := taskfabric.NewSweeper(store, dispatcher, cascade, logger)
	sweeper.Config.LockStale = cfg.Scheduler.TLockStale.Dur()
	sweeper.Config.StepStale = cfg.Scheduler.TStepStale.Dur()
	scheduler := taskfabric.NewScheduler(store, dispatcher, sweeper, cascade, hostname(), logger)
	scheduler.Config.Lock.Attempts = cfg.Scheduler.RetryAttemptsLock
	scheduler.Config.Lock.BaseDelay = time.Duration(cfg.Scheduler.RetryDelayLockMS) * time.Millisecond

	var instr *observability.Instruments
	var shutdownObs func(context.Context) error
	if cfg.Observer.Enabled {
		instr, shutdownObs, err = observability.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			logger.Warn("observability init failed, continuing without it", "err", err)
			instr = observability.Disabled()
			shutdownObs = func(context.Context) error { return nil }
		}
	} else {
		instr = observability.Disabled()
		shutdownObs = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownObs(context.Background()) }()

	sb.Instr = instr
	dispatcher.Instr = instr
	scheduler.Instr = instr
	sweeper.Instr = instr

	if ic, ok := cascade.(*taskfabric.InProcessCascade); ok {
		go drainInProcessCascade(ic, scheduler, logger)
	}

	a := app.New(cfg, store, registry, dispatcher, scheduler, sweeper, cascade, instr, logger)
	if err := a.RunWithSignal(); err != nil {
		logger.Error("app exited with error", "err", err)
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (taskfabric.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.Store.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Store.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return st, pool.Close, nil
	case "sqlite":
		st := sqlite.New(cfg.Store.DSN)
		if err := st.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "memory":
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildSandboxRunner(cfg config.Config) (sandbox.Runner, error) {
	switch cfg.Sandbox.Isolation {
	case "docker":
		return sandboxcontainer.New(cfg.Sandbox.Image)
	case "subprocess", "":
		return sandbox.NewNodeRunner(cfg.Sandbox.NodeBin, cfg.Sandbox.MaxOutput), nil
	default:
		return nil, fmt.Errorf("unknown sandbox isolation %q", cfg.Sandbox.Isolation)
	}
}

func registerServiceEndpoints(d *taskfabric.Dispatcher, cfg config.Config) {
	d.RegisterEndpoint("search", search.New(cfg.Services.SearchBaseURL))
	d.RegisterEndpoint("mail", mail.New(cfg.Services.MailBaseURL, "", "taskfabric@localhost"))
	d.RegisterEndpoint("model", model.New(cfg.Services.ModelBaseURL))
	if cfg.Services.CredentialStorePath != "" {
		d.RegisterEndpoint("credentialstore", credentialstore.New(cfg.Services.CredentialStorePath))
	}
}

// registerBuiltinTasks registers no tasks by default: task code is an
// operational concern, supplied by whoever embeds this binary or pushed
// in via a future admin API. This hook exists so a deployment can wire
// its own registrations without touching the rest of main.
func registerBuiltinTasks(registry *taskfabric.TaskRegistry) {}

func drainInProcessCascade(ic *taskfabric.InProcessCascade, scheduler *taskfabric.Scheduler, logger *slog.Logger) {
	ctx := context.Background()
	for range ic.Chan() {
		if err := scheduler.ProcessNext(ctx); err != nil {
			logger.Warn("in-process cascade processNext failed", "err", err)
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "taskfabric-worker"
	}
	return h
}
