package merge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiResponse{Choices: []apiChoice{{Message: apiMessage{Role: "assistant", Content: content}}}})
}

func TestMerge_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			t.Errorf("path = %q, want %q", r.URL.Path, completionsPath)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != DefaultModel {
			t.Errorf("model = %q, want %q", req.Model, DefaultModel)
		}
		if len(req.Messages) != 1 {
			t.Fatalf("messages = %d, want 1", len(req.Messages))
		}
		prompt := req.Messages[0].Content
		for _, want := range []string{"<code>const a = 1</code>", "<update>const b = 2</update>", "<instruction>"} {
			if !strings.Contains(prompt, want) {
				t.Errorf("prompt missing %q: %s", want, prompt)
			}
		}
		reply(w, "```ts\nconst a = 1\nconst b = 2\n```")
	}))
	defer srv.Close()

	c := NewClient("test-key", discardLogger(), WithBaseURL(srv.URL+"/"))
	got, err := c.Merge(context.Background(), Request{Path: "a.ts", Original: "const a = 1", Update: "const b = 2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "const a = 1\nconst b = 2\n" {
		t.Errorf("merged = %q", got)
	}
}

func TestMerge_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("k", discardLogger(), WithBaseURL(srv.URL))
	_, err := c.Merge(context.Background(), Request{Path: "a.ts"})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("err = %v, want status 429 error", err)
	}
}

func TestMerge_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, "   ")
	}))
	defer srv.Close()

	c := NewClient("k", discardLogger(), WithBaseURL(srv.URL))
	_, err := c.Merge(context.Background(), Request{Path: "a.ts"})
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("err = %v, want ErrEmptyResult", err)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain\n", "plain\n"},
		{"```\ncode\n```", "code\n"},
		{"```tsx\nline1\nline2\n```\n", "line1\nline2\n"},
		{"``` no newline```", "``` no newline```"},
	}
	for _, tc := range tests {
		if got := stripFences(tc.in); got != tc.want {
			t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
