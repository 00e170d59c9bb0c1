// Package merge applies partial file updates to existing sources through a
// fast-apply model exposed over an OpenAI-compatible chat completions API.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Morph API endpoint.
	DefaultBaseURL = "https://api.morphllm.com"
	// DefaultModel is the Morph fast-apply model.
	DefaultModel = "morph-v3-large"

	completionsPath = "/v1/chat/completions"
	defaultTimeout  = 60 * time.Second
	maxErrorBody    = 4 << 10
)

// ErrEmptyResult is returned when the model produces no code.
var ErrEmptyResult = errors.New("merge produced empty result")

// Request describes one merge.
type Request struct {
	Path        string
	Original    string
	Update      string
	Instruction string
}

// Merger combines an update fragment with an existing file.
type Merger interface {
	Merge(ctx context.Context, req Request) (string, error)
}

// Client is a Merger backed by a chat completions endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a merge client.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Merger = (*Client)(nil)

// Merge sends the original file and the update to the model and returns the
// merged file.
func (c *Client) Merge(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(apiRequest{
		Model: c.model,
		Messages: []apiMessage{{
			Role:    "user",
			Content: buildPrompt(req),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return "", fmt.Errorf("merge API error (status %d): %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", ErrEmptyResult
	}

	merged := stripFences(apiResp.Choices[0].Message.Content)
	if strings.TrimSpace(merged) == "" {
		return "", ErrEmptyResult
	}

	c.logger.DebugContext(ctx, "merge completed",
		slog.String("path", req.Path),
		slog.String("model", c.model),
		slog.Int("original_bytes", len(req.Original)),
		slog.Int("merged_bytes", len(merged)),
		slog.Duration("duration", time.Since(start)),
	)
	return merged, nil
}

func buildPrompt(req Request) string {
	instruction := req.Instruction
	if instruction == "" {
		instruction = fmt.Sprintf("Apply the update to %s, keeping all unchanged code intact.", req.Path)
	}
	var b strings.Builder
	b.WriteString("<instruction>")
	b.WriteString(instruction)
	b.WriteString("</instruction>\n<code>")
	b.WriteString(req.Original)
	b.WriteString("</code>\n<update>")
	b.WriteString(req.Update)
	b.WriteString("</update>")
	return b.String()
}

// stripFences removes a markdown fence wrapped around the whole reply.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(t, "```")
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return s
	}
	t = t[nl+1:]
	if t != "" && !strings.HasSuffix(t, "\n") {
		t += "\n"
	}
	return t
}

type apiRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
}

type apiChoice struct {
	Message apiMessage `json:"message"`
}
