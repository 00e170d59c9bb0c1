package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/aaron-ailabs/space/internal/apperr"
	"github.com/aaron-ailabs/space/internal/orchestrator"
	"github.com/aaron-ailabs/space/internal/ratelimit"
)

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// StatusResponse acknowledges a request without a payload.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConnectRequest is the JSON body for POST /v1/sandboxes.
type ConnectRequest struct {
	ID string `json:"id,omitempty"` // Empty = new sandbox.
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// errorResponse maps err onto the HTTP status and envelope it is reported with.
func errorResponse(err error) (int, ErrorBody) {
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded", Code: apperr.CodeRateLimited}
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large", Code: apperr.CodeValidation}
	}

	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: apperr.CodeInternal}
	}
	return appErr.Status, ErrorBody{Error: appErr.Message, Code: appErr.Code, Details: appErr.Details}
}

func (g *Gateway) fail(c *okapi.Context, err error) error {
	status, body := errorResponse(err)
	attrs := []any{
		slog.Int("status", status),
		slog.String("code", body.Code),
		slog.String("path", c.Request().URL.Path),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", attrs...)
	} else {
		g.logger.Warn("request rejected", attrs...)
	}
	return c.JSON(status, body)
}

func (g *Gateway) handleApply(c *okapi.Context) error {
	var req orchestrator.ApplyRequest
	if err := c.Bind(&req); err != nil {
		return g.fail(c, apperr.Wrap(http.StatusBadRequest, apperr.CodeValidation, "invalid request body", err))
	}

	resp, err := g.orch.ApplyResponse(c.Context(), req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxConnect(c *okapi.Context) error {
	if err := g.config.SandboxLimiter.Allow(clientKey(c.Request())); err != nil {
		return g.fail(c, err)
	}

	var req ConnectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return g.fail(c, apperr.Wrap(http.StatusBadRequest, apperr.CodeValidation, "invalid request body", err))
		}
	}

	info, err := g.orch.Connect(c.Context(), req.ID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(info)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	return c.OK(g.orch.Sandboxes())
}

func (g *Gateway) handleSandboxTerminate(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.orch.Terminate(c.Context(), id); err != nil {
		return g.fail(c, err)
	}
	return c.OK(StatusResponse{Success: true, Message: "Sandbox terminated"})
}

func (g *Gateway) handleSandboxTerminateAll(c *okapi.Context) error {
	g.orch.TerminateAll(c.Context())
	return c.OK(StatusResponse{Success: true, Message: "All sandboxes terminated"})
}

func (g *Gateway) handleConversationGet(c *okapi.Context) error {
	return c.OK(g.orch.Conversation())
}

func (g *Gateway) handleConversationAction(c *okapi.Context) error {
	var req orchestrator.ConversationRequest
	if err := c.Bind(&req); err != nil {
		return g.fail(c, apperr.Wrap(http.StatusBadRequest, apperr.CodeValidation, "Invalid request data", err))
	}

	resp, err := g.orch.ConversationAction(c.Context(), req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleConversationClear(c *okapi.Context) error {
	g.orch.ClearConversation()
	return c.OK(StatusResponse{Success: true, Message: "Conversation state cleared"})
}

func (g *Gateway) handleArchive(c *okapi.Context) error {
	a, err := g.orch.CreateArchive(c.Context())
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(newArchiveResponse(a))
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
