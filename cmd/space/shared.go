package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/aaron-ailabs/space/internal/apply"
	"github.com/aaron-ailabs/space/internal/config"
	"github.com/aaron-ailabs/space/internal/merge"
	"github.com/aaron-ailabs/space/internal/observability"
	"github.com/aaron-ailabs/space/internal/orchestrator"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/provider/docker"
	"github.com/aaron-ailabs/space/internal/provider/local"
	"github.com/aaron-ailabs/space/internal/registry"
	"github.com/aaron-ailabs/space/internal/workspace"
)

var configPath string

func init() {
	// `space --config path` and `space <cmd> --config path` both work.
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// SharedComponents holds all initialized subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config       *config.Config
	Logger       *slog.Logger
	Workspace    *workspace.Workspace
	Obs          *observability.Observability
	Registry     *registry.Registry
	Engine       *apply.Engine
	Orchestrator *orchestrator.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config named by SPACE_CONFIG or --config, falling
// back to built-in defaults when the file does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("SPACE_CONFIG", configPath))
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, observability.ServiceInfo{
		Version: version,
		Backend: cfg.Sandbox.BackendName(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Sandbox backend.
	factory, err := newFactory(cfg, ws, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox backend: %w", err)
	}
	backend := cfg.Sandbox.BackendName()
	factory = observability.DecorateFactory(factory, backend, obs)
	logger.Debug("sandbox backend initialized", slog.String("backend", backend))

	// Registry.
	sc.Registry = registry.New(factory, logger,
		registry.WithMetrics(registry.NewMetrics(obs.Registry())),
		registry.WithConcurrency(cfg.Registry.Concurrency()),
	)

	// Application engine.
	engineOpts := []apply.Option{
		apply.WithMetrics(apply.NewMetrics(obs.Registry())),
		apply.WithTracer(obs.TracerOrNil()),
	}
	if m := newMerger(cfg.Merge, obs, logger); m != nil {
		engineOpts = append(engineOpts, apply.WithMerger(m))
		logger.Debug("smart merge enabled")
	}
	sc.Engine = apply.New(cfg.Apply, logger, engineOpts...)

	sc.Orchestrator = orchestrator.New(sc.Registry, sc.Engine, logger)

	return sc, nil
}

// initWorkspace creates and returns the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}

// newFactory builds the provider factory for the configured backend.
func newFactory(cfg *config.Config, ws *workspace.Workspace, obs *observability.Observability, logger *slog.Logger) (provider.Factory, error) {
	sb := cfg.Sandbox
	switch sb.BackendName() {
	case "docker":
		cli, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		if h := cfg.Observability; h != nil && h.Health != nil && h.Health.IncludeSandbox {
			obs.Health.AddCheck("docker", func(ctx context.Context) error {
				return docker.Ping(ctx, cli)
			})
		}
		return docker.NewFactory(cli, docker.Config{
			Image:           sb.Docker.Image,
			WorkDir:         sb.Docker.WorkDir,
			User:            sb.Docker.User,
			DefaultTimeout:  sb.CommandTimeout(),
			MemoryMB:        sb.MaxMemoryMB,
			CPUCores:        sb.Docker.CPUCores,
			PIDsLimit:       sb.Docker.PIDsLimit,
			NetworkDisabled: sb.NetworkDisabled,
			PullImage:       sb.Docker.PullImage,
		}, logger), nil

	case "local":
		return local.NewFactory(ws, local.Config{
			DefaultTimeout: sb.CommandTimeout(),
			MaxCPUSeconds:  sb.Local.MaxCPUSeconds,
			MaxMemoryMB:    sb.MaxMemoryMB,
			KeepFiles:      sb.Local.KeepFiles,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unsupported sandbox backend %q", sb.Backend)
	}
}

// newMerger returns the smart-merge client, or nil when it is not configured.
func newMerger(cfg *config.MergeConfig, obs *observability.Observability, logger *slog.Logger) merge.Merger {
	if !cfg.Enabled() {
		return nil
	}
	opts := []merge.Option{
		merge.WithModel(cfg.Model),
		merge.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, merge.WithBaseURL(cfg.BaseURL))
	}
	var m merge.Merger = merge.NewClient(cfg.APIKey, logger, opts...)
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		m = observability.NewInstrumentedMerger(m, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	return m
}
