// Package orchestrator sequences the fine-tuning pipeline stages, recording
// every status transition before the stage body runs and halting on the
// first failure.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cklxx/all4you/internal/metrics"
	"github.com/cklxx/all4you/pkg/models"
)

// StageFunc is the body of one stage
type StageFunc func(ctx context.Context) error

// Options configures an Orchestrator
type Options struct {
	// Stages defaults to models.PipelineStages
	Stages    []models.StageName
	Observers []Observer
	Metrics   *metrics.Collector
	// Cancelled is polled before each stage starts
	Cancelled func() bool
}

// Orchestrator runs stage bodies in order. It performs no business logic of
// its own.
type Orchestrator struct {
	tracker   *Tracker
	metrics   *metrics.Collector
	cancelled func() bool
	logger    *slog.Logger
}

// New creates an orchestrator with every stage pending
func New(opts Options, logger *slog.Logger) *Orchestrator {
	stages := opts.Stages
	if len(stages) == 0 {
		stages = models.PipelineStages
	}
	logger = logger.With("component", "orchestrator")
	return &Orchestrator{
		tracker:   NewTracker(stages, logger, opts.Observers...),
		metrics:   opts.Metrics,
		cancelled: opts.Cancelled,
		logger:    logger,
	}
}

// Tracker exposes the stage state machine
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// Run executes bodies in stage order. A stage without a body completes
// immediately. The first failing stage is marked failed and its error is
// returned as a *PipelineError; later stages stay pending.
func (o *Orchestrator) Run(ctx context.Context, bodies map[models.StageName]StageFunc) error {
	o.tracker.LogTable()

	for _, stage := range o.tracker.Stages() {
		if err := ctx.Err(); err != nil {
			return NewError(KindForStage(stage), stage, err)
		}
		if o.cancelled != nil && o.cancelled() {
			o.logger.Warn("Run cancelled before stage", "stage", stage)
			return NewError(KindForStage(stage), stage, ErrCancelled)
		}

		o.logger.Info(SectionDivider)
		o.tracker.Start(stage)
		start := time.Now()

		var err error
		if body := bodies[stage]; body != nil {
			err = body(ctx)
		}
		o.metrics.RecordStage(string(stage), time.Since(start), err == nil)

		if err != nil {
			pe := AsPipelineError(stage, err)
			o.tracker.Fail(stage, pe.Err)
			o.tracker.LogTable()
			return pe
		}
		o.tracker.Complete(stage)
	}

	o.tracker.LogTable()
	return nil
}
