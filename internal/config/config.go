// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Artifacts configures the S3-compatible object store backing C2.
type Artifacts struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ResultsPrefix   string `mapstructure:"results_prefix"`
}

// Queue configures the single jobs queue (C3) that carries stage-dispatch
// messages; the active stage is named in each message's payload, not by
// routing to a queue per stage.
type Queue struct {
	Name             string        `mapstructure:"name"`
	DLQConsumerID    string        `mapstructure:"dlq_consumer_id"`
	HeartbeatTTL     time.Duration `mapstructure:"heartbeat_ttl"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	MaxDeliveryCount int           `mapstructure:"max_delivery_count"`
	// DLQSweepCron, when set, switches the DLQ processor from a
	// continuously-blocking drain to a periodic batch sweep on this cron
	// expression (e.g. "*/5 * * * *").
	DLQSweepCron string `mapstructure:"dlq_sweep_cron"`
}

// Backoff retains the teacher's exponential-backoff shape. It is loaded
// and defaulted here, but no component in this repository reads it.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// CircuitBreaker holds circuit-breaker settings. They are loaded and
// defaulted here, but cmd/orchestrator passes no breaker to
// jobstore.New, which then builds its own with fixed values;
// internal/queue uses no breaker.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Orchestrator carries the job-lifecycle thresholds spec'd for the stage
// executor, idempotency gate, and watchdog controllers.
type Orchestrator struct {
	JobTTLDays              int           `mapstructure:"job_ttl_days"`
	MaxJobEvents            int           `mapstructure:"max_job_events"`
	ReportTimeout           time.Duration `mapstructure:"report_timeout"`
	JobStaleMinutes         int           `mapstructure:"job_stale_minutes"`
	JobRunningRescueMinutes int           `mapstructure:"job_running_rescue_minutes"`
	JobQueuedSeconds        int           `mapstructure:"job_queued_seconds"`
	ScratchDir              string        `mapstructure:"scratch_dir"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Notify configures the best-effort completion notifier.
type Notify struct {
	Enabled    bool   `mapstructure:"enabled"`
	FromAddr   string `mapstructure:"from_addr"`
	SMTPAddr   string `mapstructure:"smtp_addr"`
}

// Ingress configures the C10 HTTP surface (job create/read) that the
// orchestrator binary exposes alongside its worker loops.
type Ingress struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	RequireAuth bool   `mapstructure:"require_auth"`
	BearerToken string `mapstructure:"bearer_token"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Artifacts      Artifacts      `mapstructure:"artifacts"`
	Queue          Queue          `mapstructure:"queue"`
	Backoff        Backoff        `mapstructure:"backoff"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Orchestrator   Orchestrator   `mapstructure:"orchestrator"`
	Observability  Observability  `mapstructure:"observability"`
	Notify         Notify         `mapstructure:"notify"`
	Ingress        Ingress        `mapstructure:"ingress"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Artifacts: Artifacts{
			Bucket:        "paperpilot-artifacts",
			Region:        "us-east-1",
			ResultsPrefix: "results",
		},
		Queue: Queue{
			Name:             "jobs",
			DLQConsumerID:    "dlq-processor",
			HeartbeatTTL:     30 * time.Second,
			ReceiveTimeout:   5 * time.Second,
			MaxDeliveryCount: 5,
		},
		Backoff: Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Orchestrator: Orchestrator{
			JobTTLDays:              30,
			MaxJobEvents:            200,
			ReportTimeout:           1200 * time.Second,
			JobStaleMinutes:         30,
			JobRunningRescueMinutes: 8,
			JobQueuedSeconds:        20,
			ScratchDir:              os.TempDir(),
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Notify:  Notify{Enabled: false},
		Ingress: Ingress{ListenAddr: ":8080", RequireAuth: false},
	}
}

// Load reads configuration from a YAML file plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("artifacts.bucket", def.Artifacts.Bucket)
	v.SetDefault("artifacts.region", def.Artifacts.Region)
	v.SetDefault("artifacts.endpoint", def.Artifacts.Endpoint)
	v.SetDefault("artifacts.results_prefix", def.Artifacts.ResultsPrefix)

	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.dlq_consumer_id", def.Queue.DLQConsumerID)
	v.SetDefault("queue.heartbeat_ttl", def.Queue.HeartbeatTTL)
	v.SetDefault("queue.receive_timeout", def.Queue.ReceiveTimeout)
	v.SetDefault("queue.max_delivery_count", def.Queue.MaxDeliveryCount)
	v.SetDefault("queue.dlq_sweep_cron", def.Queue.DLQSweepCron)

	v.SetDefault("backoff.base", def.Backoff.Base)
	v.SetDefault("backoff.max", def.Backoff.Max)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("orchestrator.job_ttl_days", def.Orchestrator.JobTTLDays)
	v.SetDefault("orchestrator.max_job_events", def.Orchestrator.MaxJobEvents)
	v.SetDefault("orchestrator.report_timeout", def.Orchestrator.ReportTimeout)
	v.SetDefault("orchestrator.job_stale_minutes", def.Orchestrator.JobStaleMinutes)
	v.SetDefault("orchestrator.job_running_rescue_minutes", def.Orchestrator.JobRunningRescueMinutes)
	v.SetDefault("orchestrator.job_queued_seconds", def.Orchestrator.JobQueuedSeconds)
	v.SetDefault("orchestrator.scratch_dir", def.Orchestrator.ScratchDir)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("notify.enabled", def.Notify.Enabled)

	v.SetDefault("ingress.listen_addr", def.Ingress.ListenAddr)
	v.SetDefault("ingress.require_auth", def.Ingress.RequireAuth)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be set")
	}
	if cfg.Queue.MaxDeliveryCount < 1 {
		return fmt.Errorf("queue.max_delivery_count must be >= 1")
	}
	if cfg.Queue.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("queue.heartbeat_ttl must be >= 5s")
	}
	if cfg.Queue.ReceiveTimeout <= 0 || cfg.Queue.ReceiveTimeout > cfg.Queue.HeartbeatTTL/2 {
		return fmt.Errorf("queue.receive_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.bucket must be set")
	}
	if cfg.Orchestrator.JobRunningRescueMinutes >= cfg.Orchestrator.JobStaleMinutes {
		return fmt.Errorf("orchestrator.job_running_rescue_minutes must be < job_stale_minutes")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
