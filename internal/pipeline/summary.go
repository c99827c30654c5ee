package pipeline

import (
	"context"

	"github.com/cklxx/all4you/internal/judge"
	"github.com/cklxx/all4you/internal/writer"
	"github.com/cklxx/all4you/pkg/models"
)

// noJudges is the opener used when no judge backends are wired; every judge
// is reported unavailable so evaluation degrades to generation only
type noJudges struct{}

func (noJudges) Open(_ context.Context, name string) (judge.Backend, error) {
	return nil, &judge.UnavailableError{Model: name, Message: "no judge backends configured"}
}

func (r *Runner) summarize(context.Context) error {
	summary := r.buildSummary()
	path := r.deps.Session.GetSummaryPath()
	if err := writer.WriteJSON(path, summary); err != nil {
		return err
	}
	r.state.summary = summary
	r.recordArtifact("summary", path)
	r.logger.Info("Pipeline completed successfully", "summary", path)
	return nil
}

func (r *Runner) buildSummary() *models.PipelineSummary {
	var active *string
	if r.state.report != nil {
		active = r.state.report.ActiveJudgeModel
	}

	summary := &models.PipelineSummary{
		Preset: models.OptionalString(r.opts.Preset),
		TaskID: r.taskID,
		TrainingData: models.TrainingDataInfo{
			Path:              r.state.dataPath,
			ProcessedSnapshot: r.state.trainSnapshot,
			NumSamples:        len(r.state.trainSamples),
		},
		EvaluationData: models.EvaluationDataInfo{
			Path:                models.OptionalString(r.opts.EvalData),
			NumSamples:          len(r.state.evalSamples),
			UsedJudgeModel:      active != nil,
			RequestedJudgeModel: models.OptionalString(r.state.requested),
			ActiveJudgeModel:    active,
			FallbackJudgeModel:  models.OptionalString(r.state.fallback),
		},
		Training: models.TrainingInfo{
			Config:              r.state.trainingConfig,
			OutputDir:           r.opts.OutputDir,
			EstimatedTotalSteps: r.state.trainResult.EstimatedTotalSteps,
		},
		Evaluation:  r.state.report,
		CompletedAt: r.deps.Now().UTC(),
	}

	if dl := r.state.download; dl != nil {
		var limit *int
		if r.opts.ModaLimit > 0 {
			l := r.opts.ModaLimit
			limit = &l
		}
		summary.ModelScope = &models.ModelScopeInfo{
			Requested:     r.opts.ModaDataset,
			DatasetID:     dl.Config.DatasetID,
			Split:         dl.Config.Split,
			Subset:        models.OptionalString(dl.Config.Subset),
			RawPath:       dl.RawPath,
			FormattedPath: models.OptionalString(dl.FormattedPath),
			FieldMapping:  dl.Config.Fields,
			Limit:         limit,
		}
	}
	return summary
}
