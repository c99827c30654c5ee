// Package evaluator generates predictions for held-out samples and scores
// them with a judge backend.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/judge"
	"github.com/cklxx/all4you/internal/metrics"
	"github.com/cklxx/all4you/internal/util"
	"github.com/cklxx/all4you/pkg/models"
)

// ErrCancelled is returned when the cancel check fires between samples
var ErrCancelled = errors.New("evaluation cancelled")

// GenerationBackend produces the fine-tuned model's prediction for a prompt
type GenerationBackend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config tunes an Engine
type Config struct {
	ShowProgress bool
	Metrics      *metrics.Collector
	// Cancelled is polled before each sample
	Cancelled func() bool
	// OnProgress is called after each sample with the number processed so far
	OnProgress func(done, total int)
}

// Engine runs evaluation passes. Generation is strictly sequential: the model
// is a single exclusively owned handle for the duration of a pass.
type Engine struct {
	gen    GenerationBackend
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an evaluation engine over gen
func NewEngine(gen GenerationBackend, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With("component", "evaluator"),
	}
}

// Extract pulls instruction, input and reference answer out of a sample
func Extract(s dataset.Sample) (instruction, input, reference string) {
	switch v := s.(type) {
	case dataset.AlpacaSample:
		return strings.TrimSpace(v.Instruction), strings.TrimSpace(v.Input), strings.TrimSpace(v.Output)
	case dataset.ConversationSample:
		var userTurns []string
		for _, turn := range v.Conversations {
			switch turn.From {
			case "user":
				userTurns = append(userTurns, turn.Value)
			case "assistant":
				reference = turn.Value
			}
		}
		return strings.Join(userTurns, "\n"), "", reference
	case dataset.RawSample:
		return strings.TrimSpace(v.Text), "", v.Output
	}
	return "", "", ""
}

// BuildPrompt joins instruction and input with a newline
func BuildPrompt(instruction, input string) string {
	prompt := strings.TrimSpace(instruction)
	if input != "" {
		prompt = prompt + "\n" + strings.TrimSpace(input)
	}
	return strings.TrimSpace(prompt)
}

// Evaluate runs one pass over samples. With a nil judge only predictions are
// generated. A judge that becomes unavailable aborts the pass with an error
// matching judge.ErrUnavailable so the caller can fall back.
func (e *Engine) Evaluate(ctx context.Context, samples []dataset.Sample, j judge.Backend) (*models.EvaluationReport, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples provided for evaluation")
	}

	var judgeName *string
	judgeBackend := ""
	if j != nil {
		judgeName = models.OptionalString(j.Name())
		judgeBackend, _ = judge.ParseName(j.Name())
		e.logger.Info("Evaluating with judge", "samples", len(samples), "judge", j.Name())
	} else {
		e.logger.Info("Evaluating without judge", "samples", len(samples))
	}

	var bar *progressbar.ProgressBar
	if e.cfg.ShowProgress {
		bar = progressbar.Default(int64(len(samples)), "Evaluating")
	}

	results := make([]models.SampleEvaluation, 0, len(samples))
	var scores []float64
	dropped := 0

	for idx, sample := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.cfg.Cancelled != nil && e.cfg.Cancelled() {
			e.logger.Warn("Evaluation cancelled", "processed", idx, "total", len(samples))
			return nil, ErrCancelled
		}

		instruction, input, reference := Extract(sample)
		prompt := BuildPrompt(instruction, input)
		if prompt == "" {
			e.logger.Warn("Skipping sample due to empty prompt", "index", idx)
			e.advance(bar, idx+1, len(samples))
			continue
		}

		start := time.Now()
		prediction, err := e.gen.Generate(ctx, prompt)
		e.cfg.Metrics.RecordGeneration(time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate prediction for sample %d: %w", idx, err)
		}
		reasoning, prediction := util.SplitThinkAndAnswer(prediction)
		if reasoning != "" {
			e.logger.Debug("Model reasoning", "index", idx, "preview", util.Preview(reasoning, 120))
		}
		e.logger.Debug("Generated prediction", "index", idx, "preview", util.Preview(prediction, 120))

		result := models.SampleEvaluation{
			Index:       idx,
			Instruction: instruction,
			Input:       input,
			Reference:   reference,
			Prediction:  prediction,
		}

		if j != nil {
			judged, err := e.judge(ctx, j, judgeBackend, &result)
			if err != nil {
				return nil, err
			}
			if result.JudgeScore != nil {
				scores = append(scores, *result.JudgeScore)
				e.cfg.Metrics.ObserveJudgeScore(*result.JudgeScore)
			} else if judged {
				dropped++
			}
		}

		results = append(results, result)
		e.advance(bar, idx+1, len(samples))
	}

	report := &models.EvaluationReport{
		TotalSamples:      len(results),
		AverageJudgeScore: average(scores),
		DroppedScoreCount: dropped,
		JudgeModel:        judgeName,
		ActiveJudgeModel:  judgeName,
		Results:           results,
	}

	e.logger.Info("Evaluation pass finished",
		"evaluated", report.TotalSamples,
		"scored", len(scores),
		"dropped_scores", dropped)
	return report, nil
}

// judge scores one result in place. It reports whether a judge call was made
// for the sample; errors are returned only for unavailability and cancellation.
func (e *Engine) judge(ctx context.Context, j judge.Backend, backend string, result *models.SampleEvaluation) (bool, error) {
	raw, err := j.Generate(ctx, judge.BuildPrompt(result.Instruction, result.Input, result.Reference, result.Prediction))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if judge.IsUnavailable(err) {
			e.cfg.Metrics.IncrementJudgeRequest(backend, "unavailable")
			return false, fmt.Errorf("failed to judge sample %d: %w", result.Index, err)
		}

		var protoErr *judge.ProtocolError
		if errors.As(err, &protoErr) {
			e.cfg.Metrics.IncrementJudgeRequest(backend, "protocol_error")
		} else {
			e.cfg.Metrics.IncrementJudgeRequest(backend, "error")
		}
		e.logger.Warn("Judge call failed; sample left unscored",
			"index", result.Index,
			"judge", j.Name(),
			"error", err)
		return true, nil
	}

	e.cfg.Metrics.IncrementJudgeRequest(backend, "success")
	verdict := judge.ParseVerdict(raw)
	result.JudgeRaw = &raw
	result.JudgeScore = verdict.Score
	result.JudgeExplanation = &verdict.Explanation
	return true, nil
}

func (e *Engine) advance(bar *progressbar.ProgressBar, done, total int) {
	if bar != nil {
		_ = bar.Add(1)
	}
	if e.cfg.OnProgress != nil {
		e.cfg.OnProgress(done, total)
	}
}

func average(scores []float64) *float64 {
	if len(scores) == 0 {
		return nil
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))
	return &avg
}
