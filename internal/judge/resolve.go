package judge

import (
	"context"
	"log/slog"
	"strings"
)

// ParseName splits a judge name into its backend and model. Names prefixed
// with "ollama:" or "ollama/" select the Ollama backend; everything else is
// served by the model server.
func ParseName(name string) (backend, model string) {
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"ollama:", "ollama/"} {
		if strings.HasPrefix(name, prefix) {
			return "ollama", strings.TrimSpace(name[len(prefix):])
		}
	}
	return "model", name
}

// CanonicalName is the identifier a judge name resolves to once active
func CanonicalName(name string) string {
	backend, model := ParseName(name)
	if backend == "ollama" {
		return "ollama:" + model
	}
	return model
}

// Factory opens judge backends by name
type Factory struct {
	Ollama OllamaConfig
	// Models serves non-Ollama judges; nil makes them unavailable
	Models ModelServer
	Logger *slog.Logger
}

// Open resolves name to a backend and checks that it is reachable. An
// unreachable backend is reported as *UnavailableError.
func (f *Factory) Open(ctx context.Context, name string) (Backend, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend, model := ParseName(name)
	if model == "" {
		return nil, &UnavailableError{Model: strings.TrimSpace(name), Message: "judge name does not include a model"}
	}

	switch backend {
	case "ollama":
		client := NewOllamaClient(model, f.Ollama, logger)
		if err := client.EnsureAvailable(ctx); err != nil {
			return nil, err
		}
		logger.Info("Using Ollama judge model", "judge", client.Name())
		return client, nil
	default:
		if f.Models == nil {
			return nil, &UnavailableError{Model: model, Message: "no generation server configured to host the judge model"}
		}
		j := NewModelJudge(f.Models, model, f.Ollama.HealthTimeout, logger)
		if !j.Available(ctx) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &UnavailableError{Model: model, Message: "generation server did not answer the liveness probe"}
		}
		logger.Info("Using model judge", "judge", model)
		return j, nil
	}
}
