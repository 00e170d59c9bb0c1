package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aaron-ailabs/space/internal/config"
	"github.com/aaron-ailabs/space/internal/gateway"
	"github.com/aaron-ailabs/space/internal/gateway/httpapi"
	"github.com/aaron-ailabs/space/internal/ratelimit"
	"github.com/aaron-ailabs/space/internal/registry"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API and the idle sandbox reaper.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}
	logger := newLogger(cfg)
	logger.Info("starting space", slog.String("config", configPath), slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ttl := cfg.Registry.IdleTimeout(); ttl > 0 {
		reaper := registry.NewReaper(sc.Registry, cfg.Registry.ReapInterval(), ttl, logger)
		cancelReaper := reaper.Start(ctx)
		defer cancelReaper()
	}

	gw := buildHTTPGateway(cfg, sc)

	errs := make(chan error, 1)
	go func(g gateway.Gateway) {
		errs <- g.Start(ctx)
	}(gw)

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	sc.Orchestrator.Close(shutdownCtx)
	logger.Info("all sandboxes terminated")

	return nil
}

func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.Metrics,
		Tracer:         sc.Obs.TracerOrNil(),
	}
	if cfg.Gateway.SandboxesPerMinute > 0 {
		gwCfg.SandboxLimiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.SandboxesPerMinute,
			BurstSize:         cfg.Gateway.SandboxBurst,
		})
	}
	if reg := sc.Obs.Registry(); reg != nil {
		gwCfg.MetricsRegistry = reg
		if o := cfg.Observability; o != nil {
			gwCfg.MetricsPath = o.Metrics.MetricsPath()
		}
	}
	return httpapi.NewGateway(gwCfg, sc.Orchestrator, sc.Logger)
}
