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
	Addr                string        `mapstructure:"addr"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	DB                  int           `mapstructure:"db"`
	TLS                 bool          `mapstructure:"tls"`
	PoolSizeMultiplier  int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns        int           `mapstructure:"min_idle_conns"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	ReconnectBackoffMax time.Duration `mapstructure:"reconnect_backoff_max"`
}

// Backoff describes the retry delay policy for a job: either a fixed delay
// or one that doubles per attempt, both jittered by +/-20% at use time.
type Backoff struct {
	Type string        `mapstructure:"type"` // "exponential" or "fixed"
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type DefaultJobOptions struct {
	Attempts         int     `mapstructure:"attempts"`
	Backoff          Backoff `mapstructure:"backoff"`
	RemoveOnComplete bool    `mapstructure:"remove_on_complete"`
	RemoveOnFail     bool    `mapstructure:"remove_on_fail"`
}

type Queue struct {
	Name              string            `mapstructure:"name"`
	Prefix            string            `mapstructure:"prefix"`
	DefaultJobOptions DefaultJobOptions `mapstructure:"default_job_options"`
}

type Worker struct {
	Concurrency     int           `mapstructure:"concurrency"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount int           `mapstructure:"max_stalled_count"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	Autorun         bool          `mapstructure:"autorun"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	CloseGrace      time.Duration `mapstructure:"close_grace"`
}

type Scheduler struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	LeaderLockTTL time.Duration `mapstructure:"leader_lock_ttl"`
	CatchupMax    int           `mapstructure:"catchup_max"`
}

type Monitor struct {
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	HistorySize     int           `mapstructure:"history_size"`
}

// Archive configures the optional cold-storage sink that clean() writes
// terminal job records to before deleting them from Redis. Jobs deleted by
// the removeOnComplete/removeOnFail policy are not archived.
type Archive struct {
	Enabled       bool          `mapstructure:"enabled"`
	DSN           string        `mapstructure:"dsn"`
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Producer configures the directory-walking demo workload generator.
type Producer struct {
	ScanDir          string   `mapstructure:"scan_dir"`
	IncludeGlobs     []string `mapstructure:"include_globs"`
	ExcludeGlobs     []string `mapstructure:"exclude_globs"`
	DefaultPriority  int      `mapstructure:"default_priority"`
	HighPriorityExts []string `mapstructure:"high_priority_exts"`
	RateLimitPerSec  float64  `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int      `mapstructure:"rate_limit_burst"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFile     string        `mapstructure:"log_file"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	Queue          Queue               `mapstructure:"queue"`
	Worker         Worker              `mapstructure:"worker"`
	Scheduler      Scheduler           `mapstructure:"scheduler"`
	Monitor        Monitor             `mapstructure:"monitor"`
	Archive        Archive             `mapstructure:"archive"`
	Producer       Producer            `mapstructure:"producer"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:                "localhost:6379",
			PoolSizeMultiplier:  10,
			MinIdleConns:        5,
			DialTimeout:         5 * time.Second,
			ReadTimeout:         3 * time.Second,
			WriteTimeout:        3 * time.Second,
			MaxRetries:          3,
			ReconnectBackoffMax: 10 * time.Second,
		},
		Queue: Queue{
			Name:   "default",
			Prefix: "jobqueue",
			DefaultJobOptions: DefaultJobOptions{
				Attempts: 3,
				Backoff:  Backoff{Type: "exponential", Base: 500 * time.Millisecond, Max: 10 * time.Second},
			},
		},
		Worker: Worker{
			Concurrency:     8,
			LockTTL:         30 * time.Second,
			StalledInterval: 5 * time.Second,
			MaxStalledCount: 1,
			PromoteInterval: 500 * time.Millisecond,
			Autorun:         true,
			CloseGrace:      10 * time.Second,
		},
		Scheduler: Scheduler{
			TickInterval:  1 * time.Second,
			LeaderLockTTL: 30 * time.Second,
			CatchupMax:    1,
		},
		Monitor: Monitor{
			MetricsInterval: 5 * time.Second,
			HistorySize:     60,
		},
		Archive: Archive{
			Enabled:       false,
			Table:         "archived_jobs",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Producer: Producer{
			ScanDir:          "./data",
			IncludeGlobs:     []string{"**/*"},
			ExcludeGlobs:     []string{"**/*.tmp", "**/.DS_Store"},
			DefaultPriority:  10,
			HighPriorityExts: []string{".pdf", ".docx", ".xlsx", ".zip"},
			RateLimitPerSec:  100,
			RateLimitBurst:   20,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults, and
// applies environment overrides (e.g. WORKER_CONCURRENCY).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

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

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.reconnect_backoff_max", def.Redis.ReconnectBackoffMax)

	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.prefix", def.Queue.Prefix)
	v.SetDefault("queue.default_job_options.attempts", def.Queue.DefaultJobOptions.Attempts)
	v.SetDefault("queue.default_job_options.backoff.type", def.Queue.DefaultJobOptions.Backoff.Type)
	v.SetDefault("queue.default_job_options.backoff.base", def.Queue.DefaultJobOptions.Backoff.Base)
	v.SetDefault("queue.default_job_options.backoff.max", def.Queue.DefaultJobOptions.Backoff.Max)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.lock_ttl", def.Worker.LockTTL)
	v.SetDefault("worker.stalled_interval", def.Worker.StalledInterval)
	v.SetDefault("worker.max_stalled_count", def.Worker.MaxStalledCount)
	v.SetDefault("worker.promote_interval", def.Worker.PromoteInterval)
	v.SetDefault("worker.autorun", def.Worker.Autorun)
	v.SetDefault("worker.close_grace", def.Worker.CloseGrace)

	v.SetDefault("scheduler.tick_interval", def.Scheduler.TickInterval)
	v.SetDefault("scheduler.leader_lock_ttl", def.Scheduler.LeaderLockTTL)
	v.SetDefault("scheduler.catchup_max", def.Scheduler.CatchupMax)

	v.SetDefault("monitor.metrics_interval", def.Monitor.MetricsInterval)
	v.SetDefault("monitor.history_size", def.Monitor.HistorySize)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.table", def.Archive.Table)
	v.SetDefault("archive.batch_size", def.Archive.BatchSize)
	v.SetDefault("archive.flush_interval", def.Archive.FlushInterval)

	v.SetDefault("producer.scan_dir", def.Producer.ScanDir)
	v.SetDefault("producer.include_globs", def.Producer.IncludeGlobs)
	v.SetDefault("producer.exclude_globs", def.Producer.ExcludeGlobs)
	v.SetDefault("producer.default_priority", def.Producer.DefaultPriority)
	v.SetDefault("producer.high_priority_exts", def.Producer.HighPriorityExts)
	v.SetDefault("producer.rate_limit_per_sec", def.Producer.RateLimitPerSec)
	v.SetDefault("producer.rate_limit_burst", def.Producer.RateLimitBurst)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_addr", def.Observability.MetricsAddr)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.LockTTL < time.Second {
		return fmt.Errorf("worker.lock_ttl must be >= 1s")
	}
	if cfg.Worker.MaxStalledCount < 1 {
		return fmt.Errorf("worker.max_stalled_count must be >= 1")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.CatchupMax < 1 {
		return fmt.Errorf("scheduler.catchup_max must be >= 1")
	}
	if cfg.Monitor.HistorySize < 1 {
		return fmt.Errorf("monitor.history_size must be >= 1")
	}
	if cfg.Queue.DefaultJobOptions.Backoff.Type != "exponential" && cfg.Queue.DefaultJobOptions.Backoff.Type != "fixed" {
		return fmt.Errorf("queue.default_job_options.backoff.type must be exponential or fixed")
	}
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn required when archive.enabled")
	}
	if cfg.Producer.RateLimitPerSec < 0 {
		return fmt.Errorf("producer.rate_limit_per_sec must be >= 0")
	}
	return nil
}
