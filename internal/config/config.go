// Package config handles loading and validating shellbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for shellbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.shellbox/data. Override: SHELLBOX_DATA_DIR env var.
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Stream        StreamConfig         `json:"stream" yaml:"stream"`
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = default sweeps
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`                           // zero = unlimited
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// PoolConfig configures the sandbox pool client.
type PoolConfig struct {
	URL               string         `json:"url" yaml:"url"` // Override: SHELLBOX_POOL_URL env var.
	TimeoutSeconds    int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	BorrowWaitSeconds int            `json:"borrow_wait_seconds" yaml:"borrow_wait_seconds"`
	PollIntervalMS    int            `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxAttempts       int            `json:"max_attempts" yaml:"max_attempts"`
	Params            map[string]any `json:"params,omitempty" yaml:"params,omitempty"` // Extra borrow/return params.
}

// Timeout bounds a single pool request. Default: 30s.
func (p *PoolConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// BorrowWait is how long the pool may hold a borrow request. Default: 30s.
func (p *PoolConfig) BorrowWait() time.Duration {
	if p.BorrowWaitSeconds > 0 {
		return time.Duration(p.BorrowWaitSeconds) * time.Second
	}
	return 30 * time.Second
}

// PollInterval paces operation status polls. Default: 2s.
func (p *PoolConfig) PollInterval() time.Duration {
	if p.PollIntervalMS > 0 {
		return time.Duration(p.PollIntervalMS) * time.Millisecond
	}
	return 2 * time.Second
}

// Attempts bounds operation status polls. Default: 30.
func (p *PoolConfig) Attempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 30
}

// Sandbox backend names.
const (
	BackendPool    = "pool"
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	Backend           string               `json:"backend" yaml:"backend"` // "pool" (default), "docker" or "process". Override: SHELLBOX_SANDBOX_BACKEND.
	LogPollIntervalMS int                  `json:"log_poll_interval_ms" yaml:"log_poll_interval_ms"`
	MaxCPUSeconds     int                  `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB       int                  `json:"max_memory_mb" yaml:"max_memory_mb"`
	Docker            DockerSandboxConfig  `json:"docker" yaml:"docker"`
	Process           ProcessSandboxConfig `json:"process" yaml:"process"`
}

// BackendName returns the effective backend.
func (s *SandboxConfig) BackendName() string {
	if s.Backend == "" {
		return BackendPool
	}
	return s.Backend
}

// LogPollInterval paces logs requests on the pool backend. Default: 500ms.
func (s *SandboxConfig) LogPollInterval() time.Duration {
	if s.LogPollIntervalMS > 0 {
		return time.Duration(s.LogPollIntervalMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`           // Container image. Default: alpine:3.20.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 64 default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
}

// ProcessSandboxConfig holds local process backend settings.
type ProcessSandboxConfig struct {
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Default: <data_dir>/sessions.
}

// ExecutionConfig configures the command runner.
type ExecutionConfig struct {
	DefaultTimeoutMS int64 `json:"default_timeout_ms" yaml:"default_timeout_ms"` // Clamped to [1000, 600000]. Default: 300000.
}

// DefaultTimeout returns the clamped default command budget.
func (e *ExecutionConfig) DefaultTimeout() time.Duration {
	return execution.ClampTimeout(e.DefaultTimeoutMS)
}

// StreamConfig configures the streaming bridge.
type StreamConfig struct {
	PollIntervalMS int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxPolls       int      `json:"max_polls" yaml:"max_polls"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // WebSocket origin patterns.
}

// PollInterval returns the record poll interval. Default: 500ms.
func (s *StreamConfig) PollInterval() time.Duration {
	if s.PollIntervalMS > 0 {
		return time.Duration(s.PollIntervalMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// Polls returns the poll budget per subscription. Default: 600.
func (s *StreamConfig) Polls() int {
	if s.MaxPolls > 0 {
		return s.MaxPolls
	}
	return 600
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr             string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKey                 string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: SHELLBOX_API_KEY env var. Empty = no auth.
	EnableDocs             bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes    int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// Addr returns the listen address.
func (g *GatewayConfig) Addr() string {
	if g.ListenAddr == "" {
		return ":8080"
	}
	return g.ListenAddr
}

// MaxRequestSize returns the request body limit. Default: 1 MiB.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g.MaxRequestSizeBytes > 0 {
		return g.MaxRequestSizeBytes
	}
	return 1 << 20
}

// ShutdownTimeout bounds graceful shutdown. Default: 30s.
func (g *GatewayConfig) ShutdownTimeout() time.Duration {
	if g.ShutdownTimeoutSeconds > 0 {
		return time.Duration(g.ShutdownTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// JanitorConfig configures the maintenance sweeps.
type JanitorConfig struct {
	Disabled          bool   `json:"disabled" yaml:"disabled"`
	StaleSchedule     string `json:"stale_schedule" yaml:"stale_schedule"`           // Cron spec. Default: "@every 1m".
	StaleAfterSeconds int    `json:"stale_after_seconds" yaml:"stale_after_seconds"` // Must exceed the 600s command limit. Default: 900.
	IdleSchedule      string `json:"idle_schedule" yaml:"idle_schedule"`             // Cron spec. Default: "@every 5m".
	LeaseIdleSeconds  int    `json:"lease_idle_seconds" yaml:"lease_idle_seconds"`   // 0 = never release idle leases.
}

// Schedule returns the stale sweep cron spec.
func (j *JanitorConfig) Schedule() string {
	if j == nil || j.StaleSchedule == "" {
		return "@every 1m"
	}
	return j.StaleSchedule
}

// StaleAfter returns how long a running record may go without an update.
func (j *JanitorConfig) StaleAfter() time.Duration {
	if j == nil || j.StaleAfterSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(j.StaleAfterSeconds) * time.Second
}

// IdleScheduleSpec returns the idle lease sweep cron spec.
func (j *JanitorConfig) IdleScheduleSpec() string {
	if j == nil || j.IdleSchedule == "" {
		return "@every 5m"
	}
	return j.IdleSchedule
}

// LeaseIdle returns how long a lease may go unused, zero when disabled.
func (j *JanitorConfig) LeaseIdle() time.Duration {
	if j == nil || j.LeaseIdleSeconds <= 0 {
		return 0
	}
	return time.Duration(j.LeaseIdleSeconds) * time.Second
}

// Enabled reports whether the janitor should run.
func (j *JanitorConfig) Enabled() bool {
	return j == nil || !j.Disabled
}

// RateLimitConfig configures per-session submission rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "shellbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects the dependencies checked by readiness checks.
type HealthConfig struct {
	IncludeDB   bool `json:"include_db" yaml:"include_db"`
	IncludePool bool `json:"include_pool" yaml:"include_pool"`
}

// HealthOrDefault returns the readiness checks to run. Storage and the pool
// are both checked unless configured otherwise.
func (o *ObservabilityConfig) HealthOrDefault() HealthConfig {
	if o == nil || o.Health == nil {
		return HealthConfig{IncludeDB: true, IncludePool: true}
	}
	return *o.Health
}

// AnomalyConfig configures threshold-based failure rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.shellbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/shellbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".shellbox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path yields the defaults. Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".shellbox", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv copies environment overrides into the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("SHELLBOX_POOL_URL"); v != "" {
		c.Pool.URL = v
	}
	if v := os.Getenv("SHELLBOX_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("SHELLBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHELLBOX_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	// A DSN or Redis address selects its driver unless one is set explicitly.
	if v := os.Getenv("SHELLBOX_DB_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = storage.DriverPostgres
		}
	}
	if v := os.Getenv("SHELLBOX_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = storage.DriverRedis
		}
	}
	if v := os.Getenv("SHELLBOX_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".shellbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// SessionsDir returns the process backend's working directory root.
func (c *Config) SessionsDir() string {
	if c.Sandbox.Process.BaseDir != "" {
		return c.Sandbox.Process.BaseDir
	}
	return filepath.Join(c.ResolvedDataDir(), "sessions")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage.Driver == "" {
		return storage.DefaultDriver
	}
	return c.Storage.Driver
}

func (c *Config) validate() error {
	if !storage.ValidDriver(c.StorageDriverName()) {
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, redis or memory)", c.Storage.Driver)
	}
	switch c.StorageDriverName() {
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set SHELLBOX_DB_DSN env var)")
		}
	case storage.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required (set SHELLBOX_REDIS_ADDR env var)")
		}
	}

	switch c.Sandbox.BackendName() {
	case BackendPool:
		if c.Pool.URL == "" {
			return fmt.Errorf("pool.url is required for the pool backend (set SHELLBOX_POOL_URL env var)")
		}
	case BackendDocker, BackendProcess:
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use pool, docker or process)", c.Sandbox.Backend)
	}

	if c.Pool.TimeoutSeconds < 0 || c.Pool.BorrowWaitSeconds < 0 || c.Pool.PollIntervalMS < 0 || c.Pool.MaxAttempts < 0 {
		return fmt.Errorf("pool settings must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Execution.DefaultTimeoutMS < 0 {
		return fmt.Errorf("execution.default_timeout_ms must not be negative")
	}
	if c.Stream.PollIntervalMS < 0 || c.Stream.MaxPolls < 0 {
		return fmt.Errorf("stream settings must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit settings must not be negative")
	}
	if c.Janitor != nil && (c.Janitor.StaleAfterSeconds < 0 || c.Janitor.LeaseIdleSeconds < 0) {
		return fmt.Errorf("janitor durations must not be negative")
	}
	if c.Janitor != nil && c.Janitor.StaleAfterSeconds > 0 &&
		time.Duration(c.Janitor.StaleAfterSeconds)*time.Second <= execution.MaxTimeout {
		return fmt.Errorf("janitor.stale_after_seconds must exceed the %s command limit", execution.MaxTimeout)
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		if t.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Tracing.Protocol)
		}
	}
	return nil
}
