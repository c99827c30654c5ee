package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLoRATargetModules applies when a training config leaves
// lora_target_modules unset
var DefaultLoRATargetModules = []string{"q_proj", "v_proj"}

// TrainingConfig is the hyperparameter set handed to the trainer. It is read
// from the YAML file named by --config and serialized next to the run output.
type TrainingConfig struct {
	// Model
	ModelName      string `yaml:"model_name" json:"model_name"`
	ModelType      string `yaml:"model_type" json:"model_type"`
	TrainingMethod string `yaml:"training_method" json:"training_method"`
	OutputDir      string `yaml:"output_dir" json:"output_dir"`
	Device         string `yaml:"device" json:"device"`

	// Schedule
	NumTrainEpochs            float64 `yaml:"num_train_epochs" json:"num_train_epochs"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size" json:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize    int     `yaml:"per_device_eval_batch_size" json:"per_device_eval_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps" json:"gradient_accumulation_steps"`
	LearningRate              float64 `yaml:"learning_rate" json:"learning_rate"`
	MaxGradNorm               float64 `yaml:"max_grad_norm" json:"max_grad_norm"`
	WarmupRatio               float64 `yaml:"warmup_ratio" json:"warmup_ratio"`
	WeightDecay               float64 `yaml:"weight_decay" json:"weight_decay"`
	Optim                     string  `yaml:"optim" json:"optim"`
	LRSchedulerType           string  `yaml:"lr_scheduler_type" json:"lr_scheduler_type"`
	MaxSteps                  int     `yaml:"max_steps" json:"max_steps"`

	// Data
	MaxSeqLength int `yaml:"max_seq_length" json:"max_seq_length"`
	Seed         int `yaml:"seed" json:"seed"`

	// Quantization
	LoadIn4Bit bool `yaml:"load_in_4bit" json:"load_in_4bit"`
	LoadIn8Bit bool `yaml:"load_in_8bit" json:"load_in_8bit"`

	// LoRA
	LoRARank          int      `yaml:"lora_rank" json:"lora_rank"`
	LoRAAlpha         int      `yaml:"lora_alpha" json:"lora_alpha"`
	LoRADropout       float64  `yaml:"lora_dropout" json:"lora_dropout"`
	LoRATargetModules []string `yaml:"lora_target_modules" json:"lora_target_modules"`

	// Logging and checkpoints
	LoggingSteps       int    `yaml:"logging_steps" json:"logging_steps"`
	EvalSteps          int    `yaml:"eval_steps" json:"eval_steps"`
	SaveSteps          int    `yaml:"save_steps" json:"save_steps"`
	EvaluationStrategy string `yaml:"evaluation_strategy" json:"evaluation_strategy"`
	SaveStrategy       string `yaml:"save_strategy" json:"save_strategy"`
	SaveTotalLimit     int    `yaml:"save_total_limit" json:"save_total_limit"`

	// Hardware
	UseFlashAttention     bool `yaml:"use_flash_attention" json:"use_flash_attention"`
	GradientCheckpointing bool `yaml:"gradient_checkpointing" json:"gradient_checkpointing"`
	FP16                  bool `yaml:"fp16" json:"fp16"`
	BF16                  bool `yaml:"bf16" json:"bf16"`
}

// DefaultTrainingConfig returns the baseline hyperparameters
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		ModelName:                 "Qwen/Qwen3-7B-Instruct",
		ModelType:                 "causal",
		TrainingMethod:            "lora",
		OutputDir:                 "./outputs",
		Device:                    DeviceAuto,
		NumTrainEpochs:            3,
		PerDeviceTrainBatchSize:   4,
		PerDeviceEvalBatchSize:    4,
		GradientAccumulationSteps: 4,
		LearningRate:              2e-4,
		MaxGradNorm:               1.0,
		WarmupRatio:               0.1,
		WeightDecay:               0.01,
		Optim:                     "paged_adamw_32bit",
		LRSchedulerType:           "cosine",
		MaxSteps:                  -1,
		MaxSeqLength:              2048,
		Seed:                      42,
		LoadIn4Bit:                true,
		LoRARank:                  64,
		LoRAAlpha:                 128,
		LoRADropout:               0.05,
		LoRATargetModules:         append([]string(nil), DefaultLoRATargetModules...),
		LoggingSteps:              10,
		EvalSteps:                 100,
		SaveSteps:                 100,
		EvaluationStrategy:        "no",
		SaveStrategy:              "steps",
		SaveTotalLimit:            3,
		UseFlashAttention:         true,
		GradientCheckpointing:     true,
		BF16:                      true,
	}
}

// LoadTrainingConfig reads the YAML file at path over the defaults, then
// applies overrides. Keys not present in TrainingConfig are ignored and nil
// override values leave the file value in place.
func LoadTrainingConfig(path string, overrides map[string]any) (TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TrainingConfig{}, fmt.Errorf("training config file not found: %s", path)
		}
		return TrainingConfig{}, fmt.Errorf("failed to read training config: %w", err)
	}

	merged := map[string]any{}
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return TrainingConfig{}, fmt.Errorf("failed to parse training config %s: %w", path, err)
	}
	for k, v := range overrides {
		if v != nil {
			merged[k] = v
		}
	}

	// Round-trip through YAML so the struct tags decide which keys are kept
	buf, err := yaml.Marshal(merged)
	if err != nil {
		return TrainingConfig{}, fmt.Errorf("failed to merge training config: %w", err)
	}
	cfg := DefaultTrainingConfig()
	cfg.LoRATargetModules = nil
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return TrainingConfig{}, fmt.Errorf("invalid training config %s: %w", path, err)
	}
	if cfg.LoRATargetModules == nil {
		cfg.LoRATargetModules = append([]string(nil), DefaultLoRATargetModules...)
	}
	return cfg, nil
}
