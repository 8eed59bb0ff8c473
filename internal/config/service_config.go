package config

import "time"

type ServiceConfig struct {
	Version         string `mapstructure:"version,omitempty"`
	Build           string `mapstructure:"build,omitempty"`
	BuildDate       string `mapstructure:"build_date,omitempty"`
	Port            int    `mapstructure:"port,omitempty"`
	ReadyFile       string `mapstructure:"ready_file"`
	TerminationFile string `mapstructure:"termination_file"`
	LocalMode       bool   `mapstructure:"local_mode,omitempty"`
}

const (
	DefaultLockTTL            = 15 * time.Second
	DefaultLockTimeout        = 15 * time.Second
	DefaultBootstrapSamples   = 500
	DefaultBootstrapSeed      = "iteration-hub"
	DefaultMaxDiffChangeRatio = 0.30
	DefaultJudgeConcurrency   = 8
	DefaultQueueWorkers       = 4
	DefaultQueueMaxAttempts   = 1
	DefaultProviderTimeout    = 60 * time.Second
)

// OrchestratorConfig holds the tunables of the iteration engine.
type OrchestratorConfig struct {
	// Locker selects the experiment lock implementation, "memory" or "storage"
	Locker             string        `mapstructure:"locker,omitempty"`
	LockTTL            time.Duration `mapstructure:"lock_ttl,omitempty"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout,omitempty"`
	BootstrapSamples   int           `mapstructure:"bootstrap_samples,omitempty"`
	BootstrapSeed      string        `mapstructure:"bootstrap_seed,omitempty"`
	MaxDiffChangeRatio float64       `mapstructure:"max_diff_change_ratio,omitempty"`
	JudgeConcurrency   int           `mapstructure:"judge_concurrency,omitempty"`
}

type QueueConfig struct {
	Workers     int `mapstructure:"workers,omitempty"`
	MaxAttempts int `mapstructure:"max_attempts,omitempty"`
}

type TracingConfig struct {
	// Exporter is one of none, stdout, otlp-grpc or otlp-http
	Exporter    string `mapstructure:"exporter,omitempty"`
	Endpoint    string `mapstructure:"endpoint,omitempty"`
	Insecure    bool   `mapstructure:"insecure,omitempty"`
	ServiceName string `mapstructure:"service_name,omitempty"`
}

// ProviderConfig describes an OpenAI compatible chat completions endpoint.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key,omitempty"`
	Timeout time.Duration `mapstructure:"timeout,omitempty"`
}

type Config struct {
	Service      *ServiceConfig            `mapstructure:"service"`
	Database     *map[string]any           `mapstructure:"database"`
	Orchestrator *OrchestratorConfig       `mapstructure:"orchestrator,omitempty"`
	Queue        *QueueConfig              `mapstructure:"queue,omitempty"`
	Tracing      *TracingConfig            `mapstructure:"tracing,omitempty"`
	Providers    map[string]ProviderConfig `mapstructure:"providers,omitempty"`
}

// Default returns a configuration with every optional section set to its defaults.
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

// applyDefaults fills in every optional section so callers never see a nil section.
func (c *Config) applyDefaults() {
	if c.Service == nil {
		c.Service = &ServiceConfig{}
	}
	if c.Orchestrator == nil {
		c.Orchestrator = &OrchestratorConfig{}
	}
	o := c.Orchestrator
	if o.Locker == "" {
		o.Locker = "storage"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.BootstrapSamples <= 0 {
		o.BootstrapSamples = DefaultBootstrapSamples
	}
	if o.BootstrapSeed == "" {
		o.BootstrapSeed = DefaultBootstrapSeed
	}
	if o.MaxDiffChangeRatio <= 0 {
		o.MaxDiffChangeRatio = DefaultMaxDiffChangeRatio
	}
	if o.JudgeConcurrency <= 0 {
		o.JudgeConcurrency = DefaultJudgeConcurrency
	}
	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = DefaultQueueWorkers
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = DefaultQueueMaxAttempts
	}
	if c.Tracing == nil {
		c.Tracing = &TracingConfig{Exporter: "none"}
	}
	for name, provider := range c.Providers {
		if provider.Timeout <= 0 {
			provider.Timeout = DefaultProviderTimeout
			c.Providers[name] = provider
		}
	}
}
