package orchestrator

import (
	"errors"
	"fmt"

	"github.com/cklxx/all4you/pkg/models"
)

// ErrCancelled reports that a run stopped at a stage boundary because its
// task was cancelled
var ErrCancelled = errors.New("pipeline cancelled")

// Kind classifies pipeline failures
type Kind string

const (
	KindConfig      Kind = "config"
	KindAcquisition Kind = "acquisition"
	KindPreprocess  Kind = "preprocess"
	KindTrain       Kind = "train"
	KindEvaluate    Kind = "evaluate"
	KindSummarize   Kind = "summarize"
	// KindStage covers stages outside the standard pipeline
	KindStage Kind = "stage"
)

// KindForStage returns the failure kind a stage's errors default to.
// Custom stages passed through Options.Stages map to KindStage.
func KindForStage(stage models.StageName) Kind {
	switch stage {
	case models.StageParseArgs:
		return KindConfig
	case models.StageAcquireData:
		return KindAcquisition
	case models.StagePreprocess:
		return KindPreprocess
	case models.StageTrain:
		return KindTrain
	case models.StageEvaluate:
		return KindEvaluate
	case models.StageSummarize:
		return KindSummarize
	}
	return KindStage
}

// PipelineError is the typed result of a failed stage
type PipelineError struct {
	Kind  Kind
	Stage models.StageName
	Err   error
}

// NewError wraps err as a failure of kind in stage
func NewError(kind Kind, stage models.StageName, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed (%s error): %v", e.Stage, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// AsPipelineError returns err as a *PipelineError attributed to stage,
// keeping the kind of an existing PipelineError in the chain
func AsPipelineError(stage models.StageName, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return pe
	}
	return NewError(KindForStage(stage), stage, err)
}
