// Package httpapi implements the HTTP API gateway for space.
//
//   - Request body size limits (default 10 MiB)
//   - Per-client rate limiting of sandbox creation via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaron-ailabs/space/internal/archive"
	"github.com/aaron-ailabs/space/internal/observability"
	"github.com/aaron-ailabs/space/internal/orchestrator"
	"github.com/aaron-ailabs/space/internal/ratelimit"
)

const defaultMaxRequestSize = 10 << 20 // 10 MiB

// correlationHeader carries the per-request correlation ID.
const correlationHeader = "X-Correlation-ID"

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64              // Maximum request body in bytes. 0 = 10 MiB default.
	SandboxLimiter *ratelimit.Limiter // nil = unlimited sandbox creation.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	server *http.Server

	okapi   *okapi.Okapi
	group   *okapi.Group
	mounted sync.Once
}

// NewGateway creates an HTTP API gateway over orch.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		orch:   orch,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Space",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler returns the routed API, mounting the routes on first use.
func (g *Gateway) Handler() http.Handler {
	g.mounted.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	g.okapi.UseMiddleware(g.requestContext)

	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/apply", g.handleApply,
		okapi.DocSummary("Apply a model response to the active sandbox"),
		okapi.DocTags("Apply"),
		okapi.DocRequestBody(orchestrator.ApplyRequest{}),
		okapi.DocResponse(orchestrator.ApplyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	g.group.Post("/sandboxes", g.handleSandboxConnect,
		okapi.DocSummary("Create or reconnect a sandbox and make it active"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(ConnectRequest{}),
		okapi.DocResponse(orchestrator.SandboxInfo{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List registered sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]orchestrator.SandboxInfo{}),
	)
	g.group.Delete("/sandboxes", g.handleSandboxTerminateAll,
		okapi.DocSummary("Terminate every sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxTerminate,
		okapi.DocSummary("Terminate a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/conversation-state", g.handleConversationGet,
		okapi.DocSummary("Get the conversation state"),
		okapi.DocTags("Conversation"),
		okapi.DocResponse(orchestrator.ConversationResponse{}),
	)
	g.group.Post("/conversation-state", g.handleConversationAction,
		okapi.DocSummary("Reset, trim or update the conversation state"),
		okapi.DocTags("Conversation"),
		okapi.DocRequestBody(orchestrator.ConversationRequest{}),
		okapi.DocResponse(orchestrator.ConversationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/conversation-state", g.handleConversationClear,
		okapi.DocSummary("Clear the conversation state"),
		okapi.DocTags("Conversation"),
		okapi.DocResponse(StatusResponse{}),
	)

	g.group.Post("/archive", g.handleArchive,
		okapi.DocSummary("Download the active sandbox project as a zip"),
		okapi.DocTags("Archive"),
		okapi.DocResponse(ArchiveResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mounted.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Applies run package installs; the write deadline covers the whole response.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// requestContext bounds the request body and tags the request with a
// correlation ID.
func (g *Gateway) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = newCorrelationID()
		}
		w.Header().Set(correlationHeader, id)
		r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)

		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", id),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ArchiveResponse is the JSON response for POST /v1/archive.
type ArchiveResponse struct {
	Success   bool   `json:"success"`
	DataURL   string `json:"dataUrl"`
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"sizeBytes"`
	Message   string `json:"message"`
}

func newArchiveResponse(a *archive.Archive) ArchiveResponse {
	return ArchiveResponse{
		Success:   true,
		DataURL:   a.DataURL,
		FileName:  a.FileName,
		SizeBytes: a.SizeBytes,
		Message:   "Zip file created successfully",
	}
}
