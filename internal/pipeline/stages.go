package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/evaluator"
	"github.com/cklxx/all4you/internal/trainer"
	"github.com/cklxx/all4you/internal/writer"
)

// QwenSmallModel is the base model used on Apple Silicon when no model was
// requested explicitly
const QwenSmallModel = "Qwen/Qwen3-0.6B"

func (r *Runner) parseArgs(ctx context.Context) error {
	if r.opts.Preset != "" {
		r.logger.Info("Using pipeline preset", "preset", r.opts.Preset)
	}
	if err := r.opts.Validate(); err != nil {
		return err
	}

	fields, err := config.ParseFieldMapping(r.opts.ModaFieldMapping)
	if err != nil {
		return err
	}
	format, err := dataset.ParseFormat(r.opts.DataFormat)
	if err != nil {
		return err
	}

	r.state.fields = fields
	r.state.format = format
	r.state.device = config.ResolveDevice(r.opts.Device, r.deps.Probe, r.logger)
	r.state.requested = r.opts.RequestedJudge()
	r.state.fallback = r.opts.FallbackJudge()

	r.logger.Info("Resolved run options",
		"device", r.state.device,
		"judge", r.state.requested,
		"fallback_judge", r.state.fallback,
		"judge_device", r.opts.ResolvedJudgeDevice(r.state.device),
		"format", format)

	// Fail fast when evaluation will need a model server that is not there
	if r.evaluationPlanned() {
		if r.deps.Generator == nil {
			return fmt.Errorf("evaluation requested but no generation backend is configured")
		}
		if p, ok := r.deps.Generator.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("generation backend unavailable: %w", err)
			}
		}
	}
	return nil
}

// evaluationPlanned reports whether the options can produce evaluation samples
func (r *Runner) evaluationPlanned() bool {
	return r.opts.EvalData != "" || r.opts.EvalRatio > 0
}

func (r *Runner) acquireData(ctx context.Context) error {
	if r.opts.ModaDataset != "" {
		if r.deps.Fetcher == nil {
			return fmt.Errorf("no dataset fetcher configured for %s", r.opts.ModaDataset)
		}
		hub, err := dataset.NewHub(r.opts.ModaCacheDir, r.deps.Fetcher, r.logger)
		if err != nil {
			return err
		}
		dl, err := hub.PrepareForTraining(ctx, r.opts.ModaDataset, r.opts.ModaSplit, r.opts.ModaSubset, r.state.fields, r.opts.ModaLimit)
		if err != nil {
			return fmt.Errorf("failed to download dataset: %w", err)
		}
		if dl.DataPath() == "" {
			return fmt.Errorf("dataset download did not produce a usable file")
		}
		r.state.download = dl
		r.state.dataPath = dl.DataPath()
		r.logger.Info("Using downloaded dataset", "path", r.state.dataPath)
	} else {
		if r.opts.Data == "" {
			return fmt.Errorf("Either --data or --moda-dataset must be provided.")
		}
		r.state.dataPath = r.opts.Data
	}

	if err := requireFile(r.state.dataPath, "Training data file"); err != nil {
		return err
	}
	r.recordArtifact("data", r.state.dataPath)
	return nil
}

func requireFile(path, what string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s not found: %s", what, path)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return nil
}

// processDataset loads and formats one file, validates it and saves the
// processed snapshot
func (r *Runner) processDataset(path, prefix string) ([]dataset.Sample, string, error) {
	r.logger.Info("Processing dataset", "path", path)
	samples, err := dataset.LoadAndFormat(path, r.opts.FileType, r.state.format, r.logger)
	if err != nil {
		return nil, "", err
	}

	report := dataset.Validate(samples, r.state.format)
	if !report.Valid {
		r.logger.Warn("Dataset validation reported issues", "issues", report.Issues)
	}

	snapshot, err := writer.SaveProcessedSnapshot(r.deps.Session.GetProcessedDir(), prefix, samples, report, r.deps.Now())
	if err != nil {
		return nil, "", err
	}
	r.logger.Info("Saved processed dataset snapshot", "path", snapshot)
	return samples, snapshot, nil
}

func (r *Runner) preprocess(ctx context.Context) error {
	train, snapshot, err := r.processDataset(r.state.dataPath, "train")
	if err != nil {
		return err
	}
	r.state.trainSnapshot = snapshot
	r.recordArtifact("train_snapshot", snapshot)

	var eval []dataset.Sample
	if r.opts.EvalData != "" {
		if err := requireFile(r.opts.EvalData, "Evaluation data file"); err != nil {
			return err
		}
		eval, snapshot, err = r.processDataset(r.opts.EvalData, "eval")
		if err != nil {
			return err
		}
		r.recordArtifact("eval_snapshot", snapshot)
	} else {
		r.logger.Info("Splitting train and evaluation sets", "eval_ratio", r.opts.EvalRatio)
		train, eval = dataset.SplitTrainEval(train, r.opts.EvalRatio)
	}

	if len(train) == 0 {
		return fmt.Errorf("no samples available for training after preprocessing")
	}
	r.state.trainSamples = train
	r.state.evalSamples = eval
	r.deps.Metrics.SetDatasetSamples("train", len(train))
	r.deps.Metrics.SetDatasetSamples("eval", len(eval))
	r.logger.Info("Datasets ready", "train_samples", len(train), "eval_samples", len(eval))
	return ctx.Err()
}

func (r *Runner) train(ctx context.Context) error {
	overrides := map[string]any{
		"output_dir": r.opts.OutputDir,
		"device":     r.state.device,
	}
	if r.opts.Model != "" {
		overrides["model_name"] = r.opts.Model
	}
	cfg, err := config.LoadTrainingConfig(r.opts.Config, overrides)
	if err != nil {
		return err
	}

	if r.state.device == config.DeviceMPS && r.opts.Model == "" && cfg.ModelName != QwenSmallModel {
		r.logger.Info("MPS device requested without explicit model override; switching base model",
			"from", cfg.ModelName, "to", QwenSmallModel)
		cfg.ModelName = QwenSmallModel
	}
	r.state.trainingConfig = cfg

	res, err := r.deps.Trainer.Train(ctx, trainer.Job{
		Config:    cfg,
		Train:     r.state.trainSamples,
		Eval:      r.state.evalSamples,
		OutputDir: r.opts.OutputDir,
		Env:       config.DeviceEnvironment(r.state.device),
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	r.state.trainResult = res
	r.logger.Info("Training finished",
		"output_dir", res.OutputDir,
		"estimated_total_steps", res.EstimatedTotalSteps,
		"dry_run", res.DryRun)
	return nil
}

func (r *Runner) evaluate(ctx context.Context) error {
	if len(r.state.evalSamples) == 0 {
		r.logger.Warn("No evaluation data provided; skipping automatic evaluation")
		return nil
	}
	if r.deps.Generator == nil {
		return fmt.Errorf("no generation backend configured")
	}

	engine := evaluator.NewEngine(r.deps.Generator, evaluator.Config{
		ShowProgress: r.deps.ShowProgress,
		Metrics:      r.deps.Metrics,
		Cancelled:    r.cancelled,
	}, r.logger)

	var opener evaluator.JudgeOpener = noJudges{}
	if r.deps.Judges != nil {
		opener = r.deps.Judges
	}
	report, err := engine.RunWithFallback(ctx, opener, r.state.evalSamples, r.state.requested, r.state.fallback)
	if err != nil {
		return err
	}
	r.state.report = report

	path := r.deps.Session.GetEvaluationReportPath()
	if err := writer.WriteJSON(path, report); err != nil {
		return err
	}
	r.recordArtifact("evaluation_report", path)
	r.logger.Info("Saved evaluation report", "path", path)
	return nil
}
