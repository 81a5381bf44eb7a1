// Package config loads the fabric's configuration: the scheduler and
// sweeper thresholds plus the store DSN, service endpoint URLs, and the
// sandbox/observability settings. Layering is defaults -> TOML file ->
// environment variables (env wins).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fabric's full runtime configuration.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Cascade   CascadeConfig   `toml:"cascade"`
	Services  ServicesConfig  `toml:"services"`
	Server    ServerConfig    `toml:"server"`
	Observer  ObserverConfig  `toml:"observer"`
}

// SchedulerConfig carries the scheduler's thresholds. Durations are
// expressed in the TOML file as Go duration strings ("5m", "30s").
type SchedulerConfig struct {
	TLockStale        Duration `toml:"t_lock_stale"`
	TStepStale        Duration `toml:"t_step_stale"`
	TDispatch         Duration `toml:"t_dispatch"`
	RetryAttemptsLock int      `toml:"retry_attempts_lock"`
	RetryDelayLockMS  int      `toml:"retry_delay_lock_ms"`
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Driver   string `toml:"driver"` // "postgres" | "sqlite" | "memory"
	DSN      string `toml:"dsn"`
	PoolSize int    `toml:"pool_size_store"`
}

// SandboxConfig selects the task sandbox isolation backend and the Node
// binary/image it runs task code with.
type SandboxConfig struct {
	Isolation string `toml:"isolation"` // "subprocess" | "docker"
	NodeBin   string `toml:"node_bin"`
	Image     string `toml:"image"`
	MaxOutput int    `toml:"max_output_bytes"`
}

// CascadeConfig configures the self-trigger HTTP cascade. When SelfURL
// is empty, the in-process channel cascade is used instead.
type CascadeConfig struct {
	SelfURL string `toml:"self_url"`
	Secret  string `toml:"secret"`
}

// ServicesConfig carries the base URLs for the example thin endpoint
// adapters (search/mail/credential store/model): the core only needs
// their names and URLs wired in.
type ServicesConfig struct {
	SearchBaseURL       string `toml:"search_base_url"`
	MailBaseURL         string `toml:"mail_base_url"`
	ModelBaseURL        string `toml:"model_base_url"`
	CredentialStorePath string `toml:"credential_store_packet_path"`
}

// ServerConfig carries the ingress HTTP server's listen address and
// timeouts.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// IdleCascadeInterval, when nonzero, runs an optional safety-net
	// ProcessNext ticker in addition to the trigger-driven cascade.
	// Zero disables it.
	IdleCascadeInterval Duration `toml:"idle_cascade_interval"`
}

// ObserverConfig toggles OpenTelemetry tracing/metrics/logs export.
type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	OTLPAddr    string `toml:"otlp_addr"`
	ServiceName string `toml:"service_name"`
}

// Duration wraps time.Duration so it can be expressed as a plain string
// ("5m", "30s") in TOML rather than a raw integer count of nanoseconds.
type Duration time.Duration

func (d Duration) Dur() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns a Config with the stock defaults applied.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			TLockStale:        Duration(5 * time.Minute),
			TStepStale:        Duration(2 * time.Minute),
			TDispatch:         Duration(30 * time.Second),
			RetryAttemptsLock: 3,
			RetryDelayLockMS:  100,
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			DSN:      "taskfabric.db",
			PoolSize: 10,
		},
		Sandbox: SandboxConfig{
			Isolation: "subprocess",
			NodeBin:   "node",
			Image:     "node:20-alpine",
			MaxOutput: 64 * 1024,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observer: ObserverConfig{ServiceName: "taskfabric"},
	}
}

// Load reads config: defaults -> TOML file at path -> environment
// variables (env wins). A missing or unreadable file is not an error;
// Default()'s values are kept.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "taskfabric.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("TASKFABRIC_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TASKFABRIC_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("TASKFABRIC_SANDBOX_ISOLATION"); v != "" {
		cfg.Sandbox.Isolation = v
	}
	if v := os.Getenv("TASKFABRIC_CASCADE_SELF_URL"); v != "" {
		cfg.Cascade.SelfURL = v
	}
	if v := os.Getenv("TASKFABRIC_CASCADE_SECRET"); v != "" {
		cfg.Cascade.Secret = v
	}
	if v := os.Getenv("TASKFABRIC_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TASKFABRIC_SEARCH_BASE_URL"); v != "" {
		cfg.Services.SearchBaseURL = v
	}
	if v := os.Getenv("TASKFABRIC_MAIL_BASE_URL"); v != "" {
		cfg.Services.MailBaseURL = v
	}
	if v := os.Getenv("TASKFABRIC_MODEL_BASE_URL"); v != "" {
		cfg.Services.ModelBaseURL = v
	}
	if os.Getenv("TASKFABRIC_OBSERVER_ENABLED") == "true" || os.Getenv("TASKFABRIC_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("TASKFABRIC_OTLP_ADDR"); v != "" {
		cfg.Observer.OTLPAddr = v
	}

	return cfg
}
