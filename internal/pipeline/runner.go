// Package pipeline wires the stage bodies of a fine-tuning run: acquire the
// dataset, preprocess and split it, train, evaluate and write the summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cklxx/all4you/internal/checkpoint"
	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/evaluator"
	"github.com/cklxx/all4you/internal/metrics"
	"github.com/cklxx/all4you/internal/orchestrator"
	"github.com/cklxx/all4you/internal/registry"
	"github.com/cklxx/all4you/internal/trainer"
	"github.com/cklxx/all4you/internal/writer"
	"github.com/cklxx/all4you/pkg/models"
)

// Pinger is implemented by generation backends that support a liveness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a run needs. Session, Fetcher, Generator,
// Judges, Registry and Metrics are optional.
type Deps struct {
	Session   *writer.SessionManager
	Fetcher   dataset.Fetcher
	Trainer   trainer.Trainer
	Generator evaluator.GenerationBackend
	Judges    evaluator.JudgeOpener
	Registry  registry.Store
	Metrics   *metrics.Collector
	Probe     config.DeviceProbe

	ShowProgress bool
	Now          func() time.Time
}

// Runner executes one pipeline run
type Runner struct {
	opts   config.RunOptions
	deps   Deps
	logger *slog.Logger

	taskID     string
	checkpoint *checkpoint.Manager
	tracker    *orchestrator.Tracker
	completed  int
	state      runState
}

// runState carries artifacts from one stage to the next
type runState struct {
	fields    map[string]string
	device    string
	format    dataset.Format
	requested string
	fallback  string

	download *dataset.Download
	dataPath string

	trainSamples  []dataset.Sample
	evalSamples   []dataset.Sample
	trainSnapshot string

	trainingConfig config.TrainingConfig
	trainResult    trainer.Result

	report  *models.EvaluationReport
	summary *models.PipelineSummary
}

// NewRunner creates a runner for opts
func NewRunner(opts config.RunOptions, deps Deps, logger *slog.Logger) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Trainer == nil {
		deps.Trainer = trainer.NewDryRunTrainer(logger)
	}
	return &Runner{
		opts:   opts,
		deps:   deps,
		logger: logger.With("component", "pipeline"),
	}
}

// TaskID returns the registry task id, or "" when no registry is configured
func (r *Runner) TaskID() string {
	return r.taskID
}

// Tracker returns the stage tracker once Run has started
func (r *Runner) Tracker() *orchestrator.Tracker {
	return r.tracker
}

// Run executes every stage in order and returns the written summary. A stage
// failure is returned as *orchestrator.PipelineError.
func (r *Runner) Run(ctx context.Context) (*models.PipelineSummary, error) {
	if r.deps.Session == nil {
		sm, err := writer.NewSessionManager(r.opts.OutputDir, r.logger)
		if err != nil {
			return nil, orchestrator.NewError(orchestrator.KindConfig, models.StageParseArgs, err)
		}
		r.deps.Session = sm
	}

	if r.deps.Registry != nil {
		name := r.opts.Preset
		if name == "" {
			name = r.opts.OutputDir
		}
		task, err := r.deps.Registry.Create(ctx, name, len(models.PipelineStages))
		if err != nil {
			return nil, orchestrator.NewError(orchestrator.KindConfig, models.StageParseArgs, fmt.Errorf("failed to register task: %w", err))
		}
		r.taskID = task.ID
		if _, err := r.deps.Registry.UpdateStatus(ctx, task.ID, registry.StatusRunning, ""); err != nil {
			r.logger.Warn("Failed to mark task running", "task_id", task.ID, "error", err)
		}
		r.logger.Info("Registered pipeline task", "task_id", task.ID)
	}

	r.reportPreviousRun()
	r.checkpoint = checkpoint.NewManager(r.deps.Session.GetSessionDir(), r.taskID, r.opts, models.PipelineStages, r.logger)

	orch := orchestrator.New(orchestrator.Options{
		Observers: []orchestrator.Observer{r.checkpoint.Observe, r.observeTask},
		Metrics:   r.deps.Metrics,
		Cancelled: r.cancelled,
	}, r.logger)
	r.tracker = orch.Tracker()

	err := orch.Run(ctx, map[models.StageName]orchestrator.StageFunc{
		models.StageParseArgs:   r.parseArgs,
		models.StageAcquireData: r.acquireData,
		models.StagePreprocess:  r.preprocess,
		models.StageTrain:       r.train,
		models.StageEvaluate:    r.evaluate,
		models.StageSummarize:   r.summarize,
	})
	r.finishTask(err)
	if err != nil {
		return nil, err
	}
	return r.state.summary, nil
}

// reportPreviousRun logs where the latest unfinished run with the same inputs stopped
func (r *Runner) reportPreviousRun() {
	sessions, err := checkpoint.List(r.opts.OutputDir, r.logger)
	if err != nil {
		return
	}
	for _, s := range sessions {
		if checkpoint.ValidateCheckpoint(s.Checkpoint, r.opts) != nil {
			continue
		}
		r.logger.Warn("Previous run with the same inputs did not finish; starting from the beginning",
			"session_dir", s.Dir,
			"stopped_before", checkpoint.ResumePoint(s.Checkpoint),
			"progress_percent", checkpoint.GetProgressPercentage(s.Checkpoint))
		return
	}
}

// cancelled polls the registry for an advisory cancellation
func (r *Runner) cancelled() bool {
	if r.deps.Registry == nil || r.taskID == "" {
		return false
	}
	return registry.IsCancelled(context.Background(), r.deps.Registry, r.taskID)
}

func (r *Runner) observeTask(tr orchestrator.Transition) {
	if r.deps.Registry == nil || r.taskID == "" {
		return
	}
	if tr.Status == models.StatusCompleted {
		r.completed++
	}
	if _, err := r.deps.Registry.UpdateProgress(context.Background(), r.taskID, string(tr.Stage), r.completed); err != nil {
		r.logger.Warn("Failed to update task progress", "task_id", r.taskID, "error", err)
	}
}

func (r *Runner) finishTask(runErr error) {
	if r.deps.Registry == nil || r.taskID == "" {
		return
	}
	status, msg := registry.StatusCompleted, ""
	if runErr != nil {
		status, msg = registry.StatusFailed, runErr.Error()
		if errors.Is(runErr, orchestrator.ErrCancelled) || errors.Is(runErr, evaluator.ErrCancelled) {
			status = registry.StatusCancelled
		}
	}
	task, err := r.deps.Registry.UpdateStatus(context.Background(), r.taskID, status, msg)
	if err != nil {
		r.logger.Warn("Failed to record task result", "task_id", r.taskID, "error", err)
		return
	}
	if task.Status != status {
		r.logger.Info("Task keeps its cancelled status", "task_id", r.taskID, "result", status)
	}
}

func (r *Runner) recordArtifact(name, path string) {
	if path == "" {
		return
	}
	if err := r.checkpoint.RecordArtifact(name, path); err != nil {
		r.logger.Warn("Failed to record artifact in checkpoint", "artifact", name, "error", err)
	}
}
