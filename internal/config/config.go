package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config holds all configuration for the conveyor scheduler.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Backend   BackendConfig
	Scheduler SchedulerConfig
	GPU       GPUConfig
	Leader    LeaderConfig
	Callback  CallbackConfig
	Tracing   TracingConfig
}

type ServerConfig struct {
	Port       int
	Env        string
	InstanceID string
	LogLevel   slog.Level
}

type DatabaseConfig struct {
	Backend         string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BackendConfig struct {
	BaseURL       string
	APIToken      string
	Timeout       time.Duration
	RetryAttempts int
}

// SchedulerConfig holds loop cadence, staleness thresholds and retry caps.
// A zero retry cap means unlimited.
type SchedulerConfig struct {
	MaxStartTime       time.Duration
	MaxCancelTime      time.Duration
	MaxStartRetries    int
	MaxCancelRetries   int
	SchedulingInterval time.Duration
	ResettingInterval  time.Duration
	DeletionInterval   time.Duration
	BatchSize          int
	JobRetention       time.Duration
}

type GPUConfig struct {
	Allocator string
	Slots     int
}

type LeaderConfig struct {
	Mode  string
	Lease time.Duration
}

type CallbackConfig struct {
	// TokenHash is a bcrypt hash of the bearer token backends present.
	TokenHash string
}

type TracingConfig struct {
	Exporter string
	Endpoint string
}

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	GPUAllocatorMemory = "memory"
	GPUAllocatorRedis  = "redis"

	LeaderStandalone = "standalone"
	LeaderRedis      = "redis"
)

var validExporters = map[string]bool{
	"none":     true,
	"stdout":   true,
	"otlphttp": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	env := &envReader{}
	level, err := parseLevel(env.getString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:       env.getInt("SCHEDULER_PORT", 8080),
			Env:        env.getString("SCHEDULER_ENV", "development"),
			InstanceID: env.getString("SCHEDULER_INSTANCE_ID", hostname()),
			LogLevel:   level,
		},
		Database: DatabaseConfig{
			Backend:         env.getString("STORE_BACKEND", StoreBackendPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    env.getInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    env.getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: env.getDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Backend: BackendConfig{
			BaseURL:       os.Getenv("BACKEND_BASE_URL"),
			APIToken:      os.Getenv("BACKEND_API_TOKEN"),
			Timeout:       env.getSeconds("BACKEND_TIMEOUT_SECS", 10*time.Second),
			RetryAttempts: env.getInt("BACKEND_RETRY_ATTEMPTS", 3),
		},
		Scheduler: SchedulerConfig{
			MaxStartTime:       env.getSeconds("MAX_START_TIME_SEC", 30*time.Second),
			MaxCancelTime:      env.getSeconds("MAX_CANCEL_TIME_SEC", 30*time.Second),
			MaxStartRetries:    env.getInt("MAX_START_RETRIES", 0),
			MaxCancelRetries:   env.getInt("MAX_CANCEL_RETRIES", 0),
			SchedulingInterval: env.getDuration("SCHEDULING_INTERVAL", 5*time.Second),
			ResettingInterval:  env.getDuration("RESETTING_INTERVAL", 10*time.Second),
			DeletionInterval:   env.getDuration("DELETION_INTERVAL", 30*time.Second),
			BatchSize:          env.getInt("SCHEDULING_BATCH_SIZE", 50),
			JobRetention:       env.getDuration("JOB_RETENTION", 0),
		},
		GPU: GPUConfig{
			Allocator: env.getString("GPU_ALLOCATOR", GPUAllocatorMemory),
			Slots:     env.getInt("GPU_SLOTS", 4),
		},
		Leader: LeaderConfig{
			Mode:  env.getString("LEADER_ELECTION", LeaderStandalone),
			Lease: env.getDuration("LEADER_LEASE", 15*time.Second),
		},
		Callback: CallbackConfig{
			TokenHash: os.Getenv("CALLBACK_TOKEN_HASH"),
		},
		Tracing: TracingConfig{
			Exporter: env.getString("OTEL_EXPORTER", "none"),
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}

	if err := env.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Backend {
	case StoreBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	case StoreBackendMemory:
		// Only an embedding host can submit into a process-local store.
		if c.Server.Env == "production" {
			return fmt.Errorf("STORE_BACKEND memory is not allowed when SCHEDULER_ENV is production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Database.Backend)
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("BACKEND_BASE_URL must start with http:// or https://, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SECS must be positive")
	}
	if c.Backend.RetryAttempts < 1 {
		return fmt.Errorf("BACKEND_RETRY_ATTEMPTS must be at least 1, got %d", c.Backend.RetryAttempts)
	}

	s := c.Scheduler
	if s.MaxStartTime <= 0 {
		return fmt.Errorf("MAX_START_TIME_SEC must be positive")
	}
	if s.MaxCancelTime <= 0 {
		return fmt.Errorf("MAX_CANCEL_TIME_SEC must be positive")
	}
	// A backend call must be able to time out before the resetting loop
	// treats the job as stuck.
	if c.Backend.Timeout >= s.MaxStartTime {
		return fmt.Errorf("BACKEND_TIMEOUT_SECS (%s) must be shorter than MAX_START_TIME_SEC (%s)",
			c.Backend.Timeout, s.MaxStartTime)
	}
	if c.Backend.Timeout >= s.MaxCancelTime {
		return fmt.Errorf("BACKEND_TIMEOUT_SECS (%s) must be shorter than MAX_CANCEL_TIME_SEC (%s)",
			c.Backend.Timeout, s.MaxCancelTime)
	}
	if s.MaxStartRetries < 0 {
		return fmt.Errorf("MAX_START_RETRIES must not be negative, got %d", s.MaxStartRetries)
	}
	if s.MaxCancelRetries < 0 {
		return fmt.Errorf("MAX_CANCEL_RETRIES must not be negative, got %d", s.MaxCancelRetries)
	}
	if s.SchedulingInterval <= 0 || s.ResettingInterval <= 0 || s.DeletionInterval <= 0 {
		return fmt.Errorf("SCHEDULING_INTERVAL, RESETTING_INTERVAL and DELETION_INTERVAL must be positive")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("SCHEDULING_BATCH_SIZE must be at least 1, got %d", s.BatchSize)
	}
	if s.JobRetention < 0 {
		return fmt.Errorf("JOB_RETENTION must not be negative")
	}

	switch c.GPU.Allocator {
	case GPUAllocatorMemory, GPUAllocatorRedis:
	default:
		return fmt.Errorf("GPU_ALLOCATOR must be one of memory, redis; got %q", c.GPU.Allocator)
	}
	if c.GPU.Slots < 0 {
		return fmt.Errorf("GPU_SLOTS must not be negative, got %d", c.GPU.Slots)
	}

	switch c.Leader.Mode {
	case LeaderStandalone, LeaderRedis:
	default:
		return fmt.Errorf("LEADER_ELECTION must be one of standalone, redis; got %q", c.Leader.Mode)
	}
	if c.Leader.Lease <= 0 {
		return fmt.Errorf("LEADER_LEASE must be positive")
	}

	if c.Redis.URL == "" {
		if c.GPU.Allocator == GPUAllocatorRedis {
			return fmt.Errorf("REDIS_URL is required when GPU_ALLOCATOR is redis")
		}
		if c.Leader.Mode == LeaderRedis {
			return fmt.Errorf("REDIS_URL is required when LEADER_ELECTION is redis")
		}
	}

	if !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("OTEL_EXPORTER must be one of none, stdout, otlphttp; got %q", c.Tracing.Exporter)
	}

	return nil
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return level, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", v)
	}
	return level, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "conveyor"
	}
	return h
}

// envReader reads typed environment variables and collects every value it
// could not parse, so Load can report all of them at once.
type envReader struct {
	errs *multierror.Error
}

func (e *envReader) getString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (e *envReader) getInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = multierror.Append(e.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return defaultVal
	}
	return i
}

func (e *envReader) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = multierror.Append(e.errs, fmt.Errorf("%s must be a duration such as 30s or 5m, got %q", key, v))
		return defaultVal
	}
	return d
}

func (e *envReader) getSeconds(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		e.errs = multierror.Append(e.errs, fmt.Errorf("%s must be a whole number of seconds, got %q", key, v))
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
