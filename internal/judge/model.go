package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cklxx/all4you/internal/api"
)

// ModelJudgeMaxTokens caps the length of a model judge's answer
const ModelJudgeMaxTokens = 128

// ModelServer is the slice of the generation client a model judge needs
type ModelServer interface {
	Generate(ctx context.Context, model, prompt string, params api.GenerateParams) (string, error)
	Ping(ctx context.Context) error
}

// ModelJudge scores with a judge model served by the generation model server,
// using greedy decoding
type ModelJudge struct {
	server        ModelServer
	model         string
	healthTimeout time.Duration
	logger        *slog.Logger
}

// NewModelJudge creates a judge for model
func NewModelJudge(server ModelServer, model string, healthTimeout time.Duration, logger *slog.Logger) *ModelJudge {
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &ModelJudge{
		server:        server,
		model:         model,
		healthTimeout: healthTimeout,
		logger:        logger.With("component", "judge", "backend", "model", "model", model),
	}
}

// Name returns the judge model name
func (j *ModelJudge) Name() string {
	return j.model
}

// Available pings the model server
func (j *ModelJudge) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, j.healthTimeout)
	defer cancel()
	if err := j.server.Ping(ctx); err != nil {
		j.logger.Debug("Model judge liveness probe failed", "error", err)
		return false
	}
	return true
}

// Generate asks the judge model for a verdict
func (j *ModelJudge) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := j.server.Generate(ctx, j.model, prompt, api.GenerateParams{
		MaxTokens:   ModelJudgeMaxTokens,
		Temperature: 0,
	})
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.StatusCode == http.StatusNotFound {
			msg = fmt.Sprintf("judge model '%s' is not served by the generation server", j.model)
		}
		return "", &UnavailableError{Model: j.model, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return "", &ProtocolError{Model: j.model, Message: "unexpected judge model response", Err: err}
}
