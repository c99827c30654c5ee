package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOllamaBaseURL is where a local Ollama server listens
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
	// DefaultHealthTimeout bounds the liveness probe
	DefaultHealthTimeout = 2 * time.Second
	// DefaultRequestTimeout bounds one judge generation
	DefaultRequestTimeout = 60 * time.Second
)

// OllamaConfig configures an OllamaClient
type OllamaConfig struct {
	BaseURL        string
	HealthTimeout  time.Duration
	RequestTimeout time.Duration
}

// OllamaClient is a judge backend speaking the Ollama HTTP API. It never
// retries; retry and fallback policy lives in the evaluator.
type OllamaClient struct {
	model          string
	baseURL        string
	healthTimeout  time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

// NewOllamaClient creates a client for model on the configured server
func NewOllamaClient(model string, cfg OllamaConfig, logger *slog.Logger) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &OllamaClient{
		model:          model,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		healthTimeout:  cfg.HealthTimeout,
		requestTimeout: cfg.RequestTimeout,
		httpClient:     &http.Client{},
		logger:         logger.With("component", "judge", "backend", "ollama", "model", model),
	}
}

// Name returns "ollama:<model>"
func (c *OllamaClient) Name() string {
	return "ollama:" + c.model
}

// Available probes GET /api/tags
func (c *OllamaClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Ollama liveness probe failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// EnsureAvailable returns an *UnavailableError when the server is not reachable
func (c *OllamaClient) EnsureAvailable(ctx context.Context) error {
	if c.Available(ctx) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &UnavailableError{
		Model:   c.Name(),
		Message: fmt.Sprintf("no Ollama service detected at %s; make sure Ollama is installed and running", c.baseURL),
	}
}

// Generate posts prompt to /api/generate with deterministic decoding
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0.0},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal judge request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", c.transportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", c.transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusError(resp.StatusCode, respBody)
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ProtocolError{Model: c.Name(), Message: "cannot parse Ollama response body", Err: err}
	}
	var text string
	raw, ok := parsed["response"]
	if !ok || json.Unmarshal(raw, &text) != nil {
		return "", &ProtocolError{Model: c.Name(), Message: "Ollama response is missing a string 'response' field"}
	}

	c.logger.Debug("Judge responded", "duration", time.Since(start), "length", len(text))
	return strings.TrimSpace(text), nil
}

func (c *OllamaClient) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &UnavailableError{
			Model:   c.Name(),
			Message: "timed out talking to the Ollama judge service; make sure it is running and reachable",
			Err:     err,
		}
	}
	return &UnavailableError{
		Model:   c.Name(),
		Message: fmt.Sprintf("cannot connect to the Ollama judge service at %s", c.baseURL),
		Err:     err,
	}
}

func (c *OllamaClient) statusError(status int, body []byte) error {
	detail := errorDetail(body)

	if status == http.StatusNotFound {
		msg := fmt.Sprintf("judge model '%s' was not found in Ollama.", c.model)
		if detail != "" {
			msg += " " + detail
		}
		msg += fmt.Sprintf(" Install it with `ollama pull %s`, or pass --judge-model with an installed judge model.", c.model)
		return &UnavailableError{Model: c.Name(), StatusCode: status, Message: msg}
	}

	msg := fmt.Sprintf("Ollama judge endpoint returned an error (HTTP %d", status)
	if text := http.StatusText(status); text != "" {
		msg += ": " + text
	}
	msg += ")."
	if detail != "" {
		msg += " " + detail
	}
	return &UnavailableError{Model: c.Name(), StatusCode: status, Message: msg}
}

// errorDetail pulls the "error" or "message" string out of an error body,
// falling back to the raw text when the body is not JSON
func errorDetail(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"error", "message"} {
		if s, ok := parsed[key].(string); ok && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
