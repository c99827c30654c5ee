// Package trainer hands the prepared datasets and training configuration to
// the component that actually fine-tunes the model.
package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
)

const (
	TrainFileName      = "train.jsonl"
	EvalFileName       = "eval.jsonl"
	ConfigYAMLFileName = "training_config.yaml"
	ConfigJSONFileName = "training_config.json"
)

// Job is everything one training run needs
type Job struct {
	Config    config.TrainingConfig
	Train     []dataset.Sample
	Eval      []dataset.Sample
	OutputDir string
	// Env is appended to the process environment of external trainers
	Env []string
}

// Result describes a finished training run
type Result struct {
	OutputDir           string
	Files               JobFiles
	EstimatedTotalSteps int
	DryRun              bool
}

// Trainer runs one training job to completion
type Trainer interface {
	Train(ctx context.Context, job Job) (Result, error)
}

// JobFiles are the paths written by WriteJobFiles. EvalPath is empty when
// the job has no evaluation samples.
type JobFiles struct {
	TrainPath  string `json:"train_path"`
	EvalPath   string `json:"eval_path,omitempty"`
	ConfigPath string `json:"config_path"`
}

// WriteJobFiles materializes the job's datasets as JSONL and its config as
// YAML inside the output directory
func WriteJobFiles(job Job) (JobFiles, error) {
	if job.OutputDir == "" {
		return JobFiles{}, fmt.Errorf("training output directory must not be empty")
	}
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return JobFiles{}, fmt.Errorf("failed to create training output directory: %w", err)
	}

	files := JobFiles{
		TrainPath:  filepath.Join(job.OutputDir, TrainFileName),
		ConfigPath: filepath.Join(job.OutputDir, ConfigYAMLFileName),
	}
	if err := writeJSONL(files.TrainPath, job.Train); err != nil {
		return JobFiles{}, err
	}
	if len(job.Eval) > 0 {
		files.EvalPath = filepath.Join(job.OutputDir, EvalFileName)
		if err := writeJSONL(files.EvalPath, job.Eval); err != nil {
			return JobFiles{}, err
		}
	}

	data, err := yaml.Marshal(job.Config)
	if err != nil {
		return JobFiles{}, fmt.Errorf("failed to marshal training config: %w", err)
	}
	if err := os.WriteFile(files.ConfigPath, data, 0644); err != nil {
		return JobFiles{}, fmt.Errorf("failed to write training config: %w", err)
	}
	return files, nil
}

func writeJSONL(path string, samples []dataset.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode sample %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// EstimateTotalSteps approximates the optimizer steps for numSamples:
// ceil(n / (batch*accumulation)) per epoch, capped by max_steps when set
func EstimateTotalSteps(numSamples int, cfg config.TrainingConfig) int {
	if numSamples <= 0 {
		return 0
	}
	perStep := cfg.PerDeviceTrainBatchSize * cfg.GradientAccumulationSteps
	if perStep < 1 {
		perStep = 1
	}
	epochs := math.Max(1, cfg.NumTrainEpochs)
	stepsPerEpoch := (numSamples + perStep - 1) / perStep
	total := int(math.Ceil(float64(stepsPerEpoch) * epochs))
	if cfg.MaxSteps > 0 && cfg.MaxSteps < total {
		return cfg.MaxSteps
	}
	return total
}
