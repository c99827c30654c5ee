package evaluator

import (
	"context"

	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/judge"
	"github.com/cklxx/all4you/pkg/models"
)

// JudgeOpener resolves a judge name into a reachable backend
type JudgeOpener interface {
	Open(ctx context.Context, name string) (judge.Backend, error)
}

// RunWithFallback evaluates samples with the requested judge. When that judge
// is unavailable the whole pass is retried with the fallback judge, and when
// that is also unavailable (or unset) the pass runs without a judge. An empty
// requested name disables judging. Errors other than unavailability are
// returned as-is.
func (e *Engine) RunWithFallback(
	ctx context.Context,
	opener JudgeOpener,
	samples []dataset.Sample,
	requested, fallback string,
) (*models.EvaluationReport, error) {
	report, err := e.runChain(ctx, opener, samples, requested, fallback)
	if err != nil {
		return nil, err
	}
	report.RequestedJudgeModel = models.OptionalString(requested)
	report.FallbackJudgeModel = models.OptionalString(fallback)
	report.ActiveJudgeModel = report.JudgeModel
	return report, nil
}

func (e *Engine) runChain(
	ctx context.Context,
	opener JudgeOpener,
	samples []dataset.Sample,
	requested, fallback string,
) (*models.EvaluationReport, error) {
	if requested == "" {
		return e.Evaluate(ctx, samples, nil)
	}

	report, err := e.evaluateWith(ctx, opener, samples, requested)
	if err == nil || !judge.IsUnavailable(err) {
		return report, err
	}
	e.logger.Warn("Judge unavailable", "judge", requested, "error", err)

	if fallback != "" {
		e.logger.Info("Falling back to judge model", "judge", fallback)
		report, err = e.evaluateWith(ctx, opener, samples, fallback)
		if err == nil || !judge.IsUnavailable(err) {
			return report, err
		}
		e.logger.Warn("Fallback judge unavailable", "judge", fallback, "error", err)
	}

	e.logger.Warn("Continuing evaluation without a judge")
	return e.Evaluate(ctx, samples, nil)
}

func (e *Engine) evaluateWith(ctx context.Context, opener JudgeOpener, samples []dataset.Sample, name string) (*models.EvaluationReport, error) {
	backend, err := opener.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, samples, backend)
}
