package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "space.yaml", `
workspace: /tmp/space-ws
log_level: debug
sandbox:
  backend: local
  local:
    keep_files: true
apply:
  install_command: pnpm add
  batch_size: 5
registry:
  idle_timeout_minutes: 30
observability:
  metrics:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.BackendName() != "local" || !cfg.Sandbox.Local.KeepFiles {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if got := cfg.Apply.Installer(); len(got) != 2 || got[0] != "pnpm" || got[1] != "add" {
		t.Errorf("Installer() = %v, want [pnpm add]", got)
	}
	if cfg.Apply.InstallBatchSize() != 5 {
		t.Errorf("InstallBatchSize() = %d, want 5", cfg.Apply.InstallBatchSize())
	}
	if cfg.Registry.IdleTimeout() != 30*time.Minute {
		t.Errorf("IdleTimeout() = %s", cfg.Registry.IdleTimeout())
	}
	if cfg.Observability.Metrics.MetricsPath() != "/metrics" {
		t.Errorf("MetricsPath() = %q", cfg.Observability.Metrics.MetricsPath())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "space.json", `{"sandbox": {"backend": "docker", "docker": {"image": "node:22"}}, "gateway": {"listen_addr": ":9090"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Docker.Image != "node:22" {
		t.Errorf("image = %q", cfg.Sandbox.Docker.Image)
	}
	if cfg.Gateway.Addr() != ":9090" {
		t.Errorf("Addr() = %q", cfg.Gateway.Addr())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SPACE_SANDBOX_BACKEND", "local")
	t.Setenv("MORPH_API_KEY", "morph-key")
	t.Setenv("SPACE_LISTEN_ADDR", ":7000")

	path := writeFile(t, "space.yaml", "sandbox:\n  backend: docker\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.BackendName() != "local" {
		t.Errorf("backend = %q, want env override", cfg.Sandbox.BackendName())
	}
	if !cfg.Merge.Enabled() || cfg.Merge.APIKey != "morph-key" {
		t.Errorf("merge = %+v, want enabled from env", cfg.Merge)
	}
	if cfg.Gateway.Addr() != ":7000" {
		t.Errorf("Addr() = %q", cfg.Gateway.Addr())
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("MORPH_API_KEY", "")
	t.Setenv("SPACE_SANDBOX_BACKEND", "")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Sandbox.BackendName() != "docker" {
		t.Errorf("backend = %q, want docker default", cfg.Sandbox.BackendName())
	}
	if cfg.Merge.Enabled() {
		t.Error("merge should be disabled without an API key")
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if cfg.Gateway.Addr() != ":8080" {
		t.Errorf("Addr() = %q", cfg.Gateway.Addr())
	}
	if cfg.Gateway.MaxRequestSize() != 10<<20 {
		t.Errorf("MaxRequestSize() = %d", cfg.Gateway.MaxRequestSize())
	}
	if got := cfg.Apply.Installer(); len(got) != 2 || got[0] != "npm" {
		t.Errorf("Installer() = %v", got)
	}
	if cfg.Apply.CommandTimeout() != 5*time.Minute {
		t.Errorf("CommandTimeout() = %s", cfg.Apply.CommandTimeout())
	}
	if cfg.Apply.Retries() != 3 {
		t.Errorf("Retries() = %d", cfg.Apply.Retries())
	}
	if cfg.Registry.IdleTimeout() != 0 || cfg.Registry.Concurrency() != 8 {
		t.Errorf("registry defaults = %s / %d", cfg.Registry.IdleTimeout(), cfg.Registry.Concurrency())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"bad backend", Config{Sandbox: SandboxConfig{Backend: "firecracker"}}, true},
		{"bad log level", Config{LogLevel: "loud"}, true},
		{"negative memory", Config{Sandbox: SandboxConfig{MaxMemoryMB: -1}}, true},
		{"shell in installer", Config{Apply: &ApplyConfig{InstallCommand: "npm install; rm -rf /"}}, true},
		{"tracing without endpoint", Config{Observability: &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true}}}, true},
		{"tracing ok", Config{Observability: &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true, Endpoint: "localhost:4317"}}}, false},
		{"tracing negative timeout", Config{Observability: &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true, Endpoint: "localhost:4317", TimeoutSeconds: -1}}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestTracingConfig_Defaults(t *testing.T) {
	var tc TracingConfig
	if tc.Name() != "space" || tc.Ratio() != 1.0 || tc.ExportTimeout() != 0 {
		t.Errorf("zero TracingConfig = (%q, %v, %v), want (space, 1, 0)", tc.Name(), tc.Ratio(), tc.ExportTimeout())
	}
	tc = TracingConfig{ServiceName: "api", SampleRate: 0.25, TimeoutSeconds: 3}
	if tc.Name() != "api" || tc.Ratio() != 0.25 || tc.ExportTimeout() != 3*time.Second {
		t.Errorf("TracingConfig = (%q, %v, %v), want (api, 0.25, 3s)", tc.Name(), tc.Ratio(), tc.ExportTimeout())
	}
}
