package trainer

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cklxx/all4you/internal/writer"
)

// DryRunTrainer prepares the job files without training anything. It is used
// when no training command is configured.
type DryRunTrainer struct {
	logger *slog.Logger
}

// NewDryRunTrainer creates a dry-run trainer
func NewDryRunTrainer(logger *slog.Logger) *DryRunTrainer {
	return &DryRunTrainer{logger: logger.With("component", "trainer")}
}

func (t *DryRunTrainer) Train(ctx context.Context, job Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	files, err := WriteJobFiles(job)
	if err != nil {
		return Result{}, err
	}
	if err := writer.WriteJSON(filepath.Join(job.OutputDir, ConfigJSONFileName), job.Config); err != nil {
		return Result{}, err
	}

	steps := EstimateTotalSteps(len(job.Train), job.Config)
	t.logger.Info("Dry run: training job prepared, no trainer command configured",
		"output_dir", job.OutputDir,
		"model", job.Config.ModelName,
		"method", job.Config.TrainingMethod,
		"estimated_total_steps", steps)

	return Result{
		OutputDir:           job.OutputDir,
		Files:               files,
		EstimatedTotalSteps: steps,
		DryRun:              true,
	}, nil
}
