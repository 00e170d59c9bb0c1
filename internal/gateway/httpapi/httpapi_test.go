package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aaron-ailabs/space/internal/apperr"
	"github.com/aaron-ailabs/space/internal/apply"
	"github.com/aaron-ailabs/space/internal/archive"
	"github.com/aaron-ailabs/space/internal/orchestrator"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/provider/providertest"
	"github.com/aaron-ailabs/space/internal/ratelimit"
	"github.com/aaron-ailabs/space/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantError   string
		wantDetails string
	}{
		{
			name:       "validation",
			err:        apperr.Validation("response is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   apperr.CodeValidation,
			wantError:  "response is required",
		},
		{
			name:       "no active sandbox",
			err:        apperr.ProviderUnavailable(http.StatusConflict, "No active sandbox available"),
			wantStatus: http.StatusConflict,
			wantCode:   apperr.CodeNoActiveSandbox,
			wantError:  "No active sandbox available",
		},
		{
			name:        "wrapped app error keeps details",
			err:         fmt.Errorf("handler: %w", apperr.Internal("Failed to create zip", errors.New("zip: not found"))),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    apperr.CodeInternal,
			wantError:   "Failed to create zip",
			wantDetails: "zip: not found",
		},
		{
			name:       "unexpected error hides details",
			err:        errors.New("dial unix /var/run/docker.sock: connect: permission denied"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperr.CodeInternal,
			wantError:  "internal error",
		},
		{
			name:       "rate limited",
			err:        ratelimit.ErrRateLimited,
			wantStatus: http.StatusTooManyRequests,
			wantCode:   apperr.CodeRateLimited,
			wantError:  "rate limit exceeded",
		},
		{
			name:       "body too large",
			err:        fmt.Errorf("bind: %w", &http.MaxBytesError{Limit: 10}),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   apperr.CodeValidation,
			wantError:  "request body too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
			if body.Details != tt.wantDetails {
				t.Errorf("details = %q, want %q", body.Details, tt.wantDetails)
			}
		})
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:52311", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"unix-socket", "unix-socket"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/v1/sandboxes", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientKey(r); got != tt.want {
			t.Errorf("clientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestRequestContext(t *testing.T) {
	g := NewGateway(Config{MaxRequestSize: 8}, nil, discardLogger())

	var bodyErr error
	h := g.requestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, bodyErr = r.Body.Read(buf)
		for bodyErr == nil {
			_, bodyErr = r.Body.Read(buf)
		}
	}))

	t.Run("generates correlation id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/apply", strings.NewReader("{}")))
		if got := rec.Header().Get(correlationHeader); len(got) != 16 {
			t.Errorf("%s = %q, want 16 hex chars", correlationHeader, got)
		}
	})

	t.Run("keeps caller correlation id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/apply", strings.NewReader("{}"))
		req.Header.Set(correlationHeader, "abc123")
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get(correlationHeader); got != "abc123" {
			t.Errorf("%s = %q, want %q", correlationHeader, got, "abc123")
		}
	})

	t.Run("limits body size", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/apply", strings.NewReader(strings.Repeat("x", 64))))
		var maxBytes *http.MaxBytesError
		if !errors.As(bodyErr, &maxBytes) {
			t.Errorf("body read error = %v, want *http.MaxBytesError", bodyErr)
		}
	})
}

func TestNewArchiveResponse(t *testing.T) {
	resp := newArchiveResponse(&archive.Archive{FileName: "p.zip", DataURL: "data:application/zip;base64,UEs=", SizeBytes: 2})
	if !resp.Success || resp.FileName != "p.zip" || resp.SizeBytes != 2 {
		t.Errorf("newArchiveResponse() = %+v", resp)
	}
	if resp.Message != "Zip file created successfully" {
		t.Errorf("Message = %q", resp.Message)
	}
}

// newTestServer serves the full route table over in-memory sandboxes.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(func(_ context.Context, id string) (provider.Provider, error) {
		return providertest.New(id), nil
	}, discardLogger())
	orch := orchestrator.New(reg, apply.New(nil, discardLogger()), discardLogger())
	gw := NewGateway(Config{}, orch, discardLogger())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get(correlationHeader) == "" {
		t.Errorf("%s %s: missing %s header", method, path, correlationHeader)
	}
	return resp.StatusCode, data
}

func decodeError(t *testing.T, data []byte) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decoding error body %q: %v", data, err)
	}
	return body
}

func TestRoutes_Errors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"apply empty body", http.MethodPost, "/v1/apply", "", http.StatusBadRequest, apperr.CodeValidation},
		{"apply empty response", http.MethodPost, "/v1/apply", `{"response":""}`, http.StatusBadRequest, apperr.CodeValidation},
		{"apply without sandbox", http.MethodPost, "/v1/apply", `{"response":"<file path=\"a.txt\">a</file>"}`, http.StatusConflict, apperr.CodeNoActiveSandbox},
		{"terminate unknown sandbox", http.MethodDelete, "/v1/sandboxes/missing", "", http.StatusNotFound, apperr.CodeNotFound},
		{"archive without sandbox", http.MethodPost, "/v1/archive", "", http.StatusBadRequest, apperr.CodeNoActiveSandbox},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, data := do(t, srv, tc.method, tc.path, tc.body)
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", status, tc.wantStatus, data)
			}
			if body := decodeError(t, data); body.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tc.wantCode)
			}
		})
	}
}

func TestRoutes_SandboxLifecycle(t *testing.T) {
	srv := newTestServer(t)

	status, data := do(t, srv, http.MethodPost, "/v1/sandboxes", `{"id":"web"}`)
	if status != http.StatusOK {
		t.Fatalf("connect status = %d, want 200 (body %s)", status, data)
	}
	var info orchestrator.SandboxInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != "web" || !info.Active {
		t.Errorf("SandboxInfo = %+v, want active web", info)
	}

	status, data = do(t, srv, http.MethodPost, "/v1/apply", `{"response":"<file path=\"index.html\">hi</file>"}`)
	if status != http.StatusOK {
		t.Fatalf("apply status = %d, want 200 (body %s)", status, data)
	}
	var applied orchestrator.ApplyResponse
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatal(err)
	}
	if len(applied.FilesCreated) != 1 || applied.FilesCreated[0] != "index.html" {
		t.Errorf("FilesCreated = %v, want [index.html]", applied.FilesCreated)
	}

	if status, data = do(t, srv, http.MethodDelete, "/v1/sandboxes/web", ""); status != http.StatusOK {
		t.Fatalf("terminate status = %d, want 200 (body %s)", status, data)
	}
	if status, _ = do(t, srv, http.MethodDelete, "/v1/sandboxes/web", ""); status != http.StatusNotFound {
		t.Errorf("second terminate status = %d, want 404", status)
	}
}

func TestRoutes_Liveness(t *testing.T) {
	srv := newTestServer(t)
	if status, data := do(t, srv, http.MethodGet, "/healthz", ""); status != http.StatusOK {
		t.Errorf("GET /healthz = %d (body %s), want 200", status, data)
	}
}
