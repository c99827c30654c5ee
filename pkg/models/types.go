package models

import "time"

// StageName identifies one step of the fine-tuning pipeline
type StageName string

const (
	StageParseArgs   StageName = "ParseArgs"
	StageAcquireData StageName = "AcquireData"
	StagePreprocess  StageName = "Preprocess"
	StageTrain       StageName = "Train"
	StageEvaluate    StageName = "Evaluate"
	StageSummarize   StageName = "Summarize"
)

// PipelineStages is the fixed stage order of every run
var PipelineStages = []StageName{
	StageParseArgs,
	StageAcquireData,
	StagePreprocess,
	StageTrain,
	StageEvaluate,
	StageSummarize,
}

// StageStatus is the lifecycle state of a single stage
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
)

// SampleEvaluation is the per-sample outcome of an evaluation run
type SampleEvaluation struct {
	Index            int      `json:"index"`
	Instruction      string   `json:"instruction"`
	Input            string   `json:"input"`
	Reference        string   `json:"reference"`
	Prediction       string   `json:"prediction"`
	JudgeScore       *float64 `json:"judge_score"`
	JudgeExplanation *string  `json:"judge_explanation"`
	JudgeRaw         *string  `json:"judge_raw"`
}

// EvaluationReport aggregates every SampleEvaluation of one evaluation pass.
// AverageJudgeScore only covers samples with a score; DroppedScoreCount counts
// samples that were judged but yielded no parseable score.
type EvaluationReport struct {
	TotalSamples        int                `json:"total_samples"`
	AverageJudgeScore   *float64           `json:"average_judge_score"`
	DroppedScoreCount   int                `json:"dropped_score_count"`
	JudgeModel          *string            `json:"judge_model"`
	RequestedJudgeModel *string            `json:"requested_judge_model"`
	ActiveJudgeModel    *string            `json:"active_judge_model"`
	FallbackJudgeModel  *string            `json:"fallback_judge_model"`
	Results             []SampleEvaluation `json:"results"`
}

// TrainingDataInfo describes the dataset the model was trained on
type TrainingDataInfo struct {
	Path              string `json:"path"`
	ProcessedSnapshot string `json:"processed_snapshot"`
	NumSamples        int    `json:"num_samples"`
}

// ModelScopeInfo records dataset hub provenance when the data was downloaded
type ModelScopeInfo struct {
	Requested     string            `json:"requested"`
	DatasetID     string            `json:"dataset_id"`
	Split         string            `json:"split"`
	Subset        *string           `json:"subset"`
	RawPath       string            `json:"raw_path"`
	FormattedPath *string           `json:"formatted_path"`
	FieldMapping  map[string]string `json:"field_mapping"`
	Limit         *int              `json:"limit"`
}

// EvaluationDataInfo describes the held-out data and which judge scored it
type EvaluationDataInfo struct {
	Path                *string `json:"path"`
	NumSamples          int     `json:"num_samples"`
	UsedJudgeModel      bool    `json:"used_judge_model"`
	RequestedJudgeModel *string `json:"requested_judge_model"`
	ActiveJudgeModel    *string `json:"active_judge_model"`
	FallbackJudgeModel  *string `json:"fallback_judge_model"`
}

// TrainingInfo snapshots the training configuration used for the run
type TrainingInfo struct {
	Config              any    `json:"config"`
	OutputDir           string `json:"output_dir"`
	EstimatedTotalSteps int    `json:"estimated_total_steps"`
}

// PipelineSummary is the terminal artifact of a successful run
type PipelineSummary struct {
	Preset         *string            `json:"preset"`
	TaskID         string             `json:"task_id,omitempty"`
	TrainingData   TrainingDataInfo   `json:"training_data"`
	ModelScope     *ModelScopeInfo    `json:"modelscope,omitempty"`
	EvaluationData EvaluationDataInfo `json:"evaluation_data"`
	Training       TrainingInfo       `json:"training"`
	Evaluation     *EvaluationReport  `json:"evaluation"`
	CompletedAt    time.Time          `json:"completed_at"`
}

// OptionalString returns nil for an empty string
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "" for nil
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
