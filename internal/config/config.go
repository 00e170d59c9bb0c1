// Package config handles loading and validating space configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for space.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Default: ~/.space/workspace. Override: SPACE_WORKSPACE env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info. Override: SPACE_LOG_LEVEL.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Gateway       HTTPGatewayConfig    `json:"gateway" yaml:"gateway"`
	Apply         *ApplyConfig         `json:"apply,omitempty" yaml:"apply,omitempty"`                 // nil = defaults
	Merge         *MergeConfig         `json:"merge,omitempty" yaml:"merge,omitempty"`                 // nil = smart merge disabled unless MORPH_API_KEY is set
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"`           // nil = defaults, idle reaper disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	Backend             string              `json:"backend" yaml:"backend"`                             // "docker" (default) or "local". Override: SPACE_SANDBOX_BACKEND.
	MaxMemoryMB         int                 `json:"max_memory_mb" yaml:"max_memory_mb"`                 // 0 = backend default.
	MaxExecutionSeconds int                 `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Per command when no tighter deadline applies. 0 = 600.
	NetworkDisabled     bool                `json:"network_disabled" yaml:"network_disabled"`           // Package installs need registry access.
	Docker              DockerSandboxConfig `json:"docker" yaml:"docker"`
	Local               LocalSandboxConfig  `json:"local" yaml:"local"`
}

// BackendName returns the effective backend name.
func (s *SandboxConfig) BackendName() string {
	if s.Backend == "" {
		return "docker"
	}
	return s.Backend
}

// CommandTimeout returns the backend default timeout per command.
func (s *SandboxConfig) CommandTimeout() time.Duration {
	if s.MaxExecutionSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.MaxExecutionSeconds) * time.Second
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Default: node:20-bookworm. Override: SPACE_DOCKER_IMAGE.
	WorkDir   string  `json:"work_dir" yaml:"work_dir"`     // Default: /home/user/app.
	User      string  `json:"user" yaml:"user"`             // Empty = image default.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // 0 = 2.0.
	PIDsLimit int64   `json:"pids_limit" yaml:"pids_limit"` // 0 = 512.
	PullImage bool    `json:"pull_image" yaml:"pull_image"` // Pull the image when missing.
}

// LocalSandboxConfig holds settings for the local process backend.
type LocalSandboxConfig struct {
	KeepFiles     bool `json:"keep_files" yaml:"keep_files"`           // Leave project trees on disk after termination.
	MaxCPUSeconds int  `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // ulimit -t. 0 = unlimited.
}

// HTTPGatewayConfig configures the HTTP API.
type HTTPGatewayConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: SPACE_LISTEN_ADDR.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`                       // Serve OpenAPI docs.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 10 MiB.
	SandboxesPerMinute  int    `json:"sandboxes_per_minute" yaml:"sandboxes_per_minute"`     // Sandbox creations per client address. 0 = unlimited.
	SandboxBurst        int    `json:"sandbox_burst" yaml:"sandbox_burst"`                   // Default: SandboxesPerMinute.
}

// Addr returns the listen address.
func (g *HTTPGatewayConfig) Addr() string {
	if g.ListenAddr == "" {
		return ":8080"
	}
	return g.ListenAddr
}

// MaxRequestSize returns the request body limit.
func (g *HTTPGatewayConfig) MaxRequestSize() int64 {
	if g.MaxRequestSizeBytes <= 0 {
		return 10 << 20
	}
	return g.MaxRequestSizeBytes
}

// ApplyConfig tunes the application engine.
type ApplyConfig struct {
	InstallCommand        string `json:"install_command" yaml:"install_command"`                 // Default: "npm install".
	BatchSize             int    `json:"batch_size" yaml:"batch_size"`                           // Packages per install call. 0 = all at once.
	InstallTimeoutSeconds int    `json:"install_timeout_seconds" yaml:"install_timeout_seconds"` // Default: 600.
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // Default: 300.
	MaxRetries            int    `json:"max_retries" yaml:"max_retries"`                         // Install attempts. Default: 3.
	RetryInitialMillis    int    `json:"retry_initial_millis" yaml:"retry_initial_millis"`       // Default: 500.
}

// Installer returns the install command and its leading arguments.
func (a *ApplyConfig) Installer() []string {
	if a == nil || strings.TrimSpace(a.InstallCommand) == "" {
		return []string{"npm", "install"}
	}
	return strings.Fields(a.InstallCommand)
}

// InstallBatchSize returns the package batch size; 0 means unbounded.
func (a *ApplyConfig) InstallBatchSize() int {
	if a == nil || a.BatchSize < 0 {
		return 0
	}
	return a.BatchSize
}

// InstallTimeout returns the timeout for one install call.
func (a *ApplyConfig) InstallTimeout() time.Duration {
	if a == nil || a.InstallTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(a.InstallTimeoutSeconds) * time.Second
}

// CommandTimeout returns the timeout for one plan command.
func (a *ApplyConfig) CommandTimeout() time.Duration {
	if a == nil || a.CommandTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.CommandTimeoutSeconds) * time.Second
}

// Retries returns the maximum install attempts.
func (a *ApplyConfig) Retries() int {
	if a == nil || a.MaxRetries <= 0 {
		return 3
	}
	return a.MaxRetries
}

// RetryInitialInterval returns the first backoff interval.
func (a *ApplyConfig) RetryInitialInterval() time.Duration {
	if a == nil || a.RetryInitialMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(a.RetryInitialMillis) * time.Millisecond
}

// MergeConfig configures the smart-merge endpoint used for edit-mode applies.
type MergeConfig struct {
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: MORPH_API_KEY env var.
	BaseURL        string `json:"base_url" yaml:"base_url"`                   // Default: https://api.morphllm.com.
	Model          string `json:"model" yaml:"model"`                         // Default: morph-v3-large.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`     // Default: 60.
}

// Enabled reports whether smart merge can be used.
func (m *MergeConfig) Enabled() bool {
	return m != nil && m.APIKey != ""
}

// Timeout returns the HTTP timeout for one merge.
func (m *MergeConfig) Timeout() time.Duration {
	if m == nil || m.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// RegistryConfig tunes the sandbox registry.
type RegistryConfig struct {
	IdleTimeoutMinutes   int `json:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`   // 0 = never reap idle sandboxes.
	ReapIntervalSeconds  int `json:"reap_interval_seconds" yaml:"reap_interval_seconds"` // Default: 60.
	TerminateConcurrency int `json:"terminate_concurrency" yaml:"terminate_concurrency"` // Default: 8.
}

// IdleTimeout returns the idle TTL; zero disables reaping.
func (r *RegistryConfig) IdleTimeout() time.Duration {
	if r == nil || r.IdleTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(r.IdleTimeoutMinutes) * time.Minute
}

// ReapInterval returns how often idle sandboxes are checked.
func (r *RegistryConfig) ReapInterval() time.Duration {
	if r == nil || r.ReapIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.ReapIntervalSeconds) * time.Second
}

// Concurrency returns the fan-out limit for TerminateAll.
func (r *RegistryConfig) Concurrency() int {
	if r == nil || r.TerminateConcurrency <= 0 {
		return 8
	}
	return r.TerminateConcurrency
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled.
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

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "space"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev

	// Headers are sent with every export, e.g. a collector API key.
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: exporter's own (10s)
}

// Name returns the service name reported on spans.
func (t *TracingConfig) Name() string {
	if t.ServiceName == "" {
		return "space"
	}
	return t.ServiceName
}

// Ratio returns the sampling ratio, treating zero as "sample everything".
func (t *TracingConfig) Ratio() float64 {
	if t.SampleRate <= 0 {
		return 1.0
	}
	return t.SampleRate
}

// ExportTimeout returns the per-export timeout, or 0 for the exporter default.
func (t *TracingConfig) ExportTimeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// HealthConfig configures dependency checks for readiness probes.
type HealthConfig struct {
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"` // Ping the container engine.
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.space/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/space.yaml"
	}
	return filepath.Join(home, ".space", "config.yaml")
}

// Default returns a configuration with built-in defaults and environment
// overrides applied.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
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

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SPACE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("SPACE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SPACE_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("SPACE_DOCKER_IMAGE"); v != "" {
		c.Sandbox.Docker.Image = v
	}
	if v := os.Getenv("SPACE_LISTEN_ADDR"); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv("MORPH_API_KEY"); v != "" {
		if c.Merge == nil {
			c.Merge = &MergeConfig{}
		}
		c.Merge.APIKey = v
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

func (c *Config) validate() error {
	switch c.Sandbox.BackendName() {
	case "docker", "local":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use docker or local)", c.Sandbox.Backend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.Docker.CPUCores < 0 {
		return fmt.Errorf("sandbox.docker.cpu_cores must not be negative")
	}
	if c.Apply != nil {
		if c.Apply.BatchSize < 0 {
			return fmt.Errorf("apply.batch_size must not be negative")
		}
		if c.Apply.MaxRetries < 0 {
			return fmt.Errorf("apply.max_retries must not be negative")
		}
		for _, f := range c.Apply.Installer() {
			if strings.ContainsAny(f, ";|&`$<>") {
				return fmt.Errorf("apply.install_command must be a plain command, got %q", c.Apply.InstallCommand)
			}
		}
	}
	if c.Gateway.SandboxesPerMinute < 0 || c.Gateway.SandboxBurst < 0 {
		return fmt.Errorf("gateway sandbox rate limits must not be negative")
	}
	if c.Registry != nil && c.Registry.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("registry.idle_timeout_minutes must not be negative")
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
		if o.Tracing.TimeoutSeconds < 0 {
			return fmt.Errorf("observability.tracing.timeout_seconds must not be negative")
		}
	}
	return nil
}
