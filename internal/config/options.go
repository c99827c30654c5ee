package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cklxx/all4you/internal/dataset"
)

// RunOptions are the per-run parameters of the pipeline
type RunOptions struct {
	Preset string `json:"preset"`

	Data       string  `json:"data"`
	EvalData   string  `json:"eval_data"`
	DataFormat string  `json:"data_format"`
	FileType   string  `json:"data_type"`
	EvalRatio  float64 `json:"eval_ratio"`

	ModaDataset      string `json:"moda_dataset"`
	ModaSplit        string `json:"moda_split"`
	ModaSubset       string `json:"moda_subset"`
	ModaCacheDir     string `json:"moda_cache_dir"`
	ModaFieldMapping string `json:"moda_fields"`
	ModaLimit        int    `json:"moda_limit"`

	Config    string `json:"config"`
	OutputDir string `json:"output_dir"`
	Model     string `json:"model"`
	Device    string `json:"device"`

	JudgeModel         string `json:"judge_model"`
	FallbackJudgeModel string `json:"fallback_judge_model"`
	JudgeDevice        string `json:"judge_device"`
	NoJudge            bool   `json:"no_judge"`

	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
}

// DefaultRunOptions returns the options used when no flag or preset sets them
func DefaultRunOptions() RunOptions {
	return RunOptions{
		DataFormat:   string(dataset.FormatAlpaca),
		EvalRatio:    0.0,
		ModaCacheDir: DefaultHubCacheDir,
		Config:       "backend/configs/default.yaml",
		OutputDir:    "backend/outputs/pipeline-run",
		Device:       DeviceAuto,
		JudgeModel:   "Qwen/Qwen3-4B",
		JudgeDevice:  "inherit",
		MaxNewTokens: 512,
		Temperature:  0.7,
		TopP:         0.9,
	}
}

// Preset bundles option values for a common run
type Preset struct {
	Description        string
	Config             string
	Device             string
	Model              string
	JudgeModel         string
	FallbackJudgeModel string
	ModaDataset        string
	OutputDir          string
	DataFormat         string
	EvalRatio          float64
}

var alpacaZhLoRA = Preset{
	Description:        "LoRA fine-tune of Qwen3-0.6B on the Alpaca Chinese dataset for Apple Silicon, judged by a local Ollama qwen2:8b",
	Config:             "backend/configs/qwen3-0.6b-mps.yaml",
	Device:             DeviceMPS,
	Model:              "Qwen/Qwen3-0.6B",
	JudgeModel:         "ollama:qwen2:8b",
	FallbackJudgeModel: "Qwen/Qwen3-0.6B",
	ModaDataset:        "alpaca_zh",
	OutputDir:          "backend/outputs/alpaca-zh-lora",
	DataFormat:         string(dataset.FormatAlpaca),
	EvalRatio:          0.1,
}

// PipelinePresets are the named presets accepted by --preset
var PipelinePresets = map[string]Preset{
	"alpaca-zh-lora":     alpacaZhLoRA,
	"search-intent-lora": alpacaZhLoRA,
}

// PresetNames returns the preset names in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(PipelinePresets))
	for name := range PipelinePresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset fills options from the named preset. A preset value only
// replaces an option that still holds its default, so explicit flags win.
func ApplyPreset(opts *RunOptions, name string) error {
	if name == "" {
		return nil
	}
	preset, ok := PipelinePresets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	def := DefaultRunOptions()

	setString := func(field *string, defValue, presetValue string) {
		if presetValue != "" && *field == defValue {
			*field = presetValue
		}
	}
	setString(&opts.Config, def.Config, preset.Config)
	setString(&opts.Device, def.Device, preset.Device)
	setString(&opts.Model, def.Model, preset.Model)
	setString(&opts.JudgeModel, def.JudgeModel, preset.JudgeModel)
	setString(&opts.FallbackJudgeModel, def.FallbackJudgeModel, preset.FallbackJudgeModel)
	setString(&opts.ModaDataset, def.ModaDataset, preset.ModaDataset)
	setString(&opts.OutputDir, def.OutputDir, preset.OutputDir)
	setString(&opts.DataFormat, def.DataFormat, preset.DataFormat)
	if opts.EvalRatio == def.EvalRatio {
		opts.EvalRatio = preset.EvalRatio
	}
	opts.Preset = name
	return nil
}

// ParseFieldMapping parses "target=source,target2=source2" into a map.
// Empty entries are skipped; an entry without '=' is an error.
func ParseFieldMapping(value string) (map[string]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	mapping := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("Invalid field mapping entry: '%s'", pair)
		}
		mapping[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return mapping, nil
}

// NormalizeJudgeName maps "" and "none" (any case) to "", meaning no judge
func NormalizeJudgeName(name string) string {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "none") {
		return ""
	}
	return name
}

// RequestedJudge returns the judge to try first, honoring --no-judge
func (o RunOptions) RequestedJudge() string {
	if o.NoJudge {
		return ""
	}
	return NormalizeJudgeName(o.JudgeModel)
}

// FallbackJudge returns the judge to try when the requested one is unavailable
func (o RunOptions) FallbackJudge() string {
	return NormalizeJudgeName(o.FallbackJudgeModel)
}

// ResolvedJudgeDevice returns the judge device, "inherit" meaning device
func (o RunOptions) ResolvedJudgeDevice(device string) string {
	if o.JudgeDevice == "" || strings.EqualFold(o.JudgeDevice, "inherit") {
		return device
	}
	return o.JudgeDevice
}

// Validate checks option values that can be rejected before any work starts
func (o RunOptions) Validate() error {
	if _, err := dataset.ParseFormat(o.DataFormat); err != nil {
		return err
	}
	if o.FileType != "" {
		switch dataset.FileType(strings.ToLower(o.FileType)) {
		case dataset.FileJSON, dataset.FileJSONL, dataset.FileCSV, dataset.FileTXT:
		default:
			return fmt.Errorf("unsupported file type: %s", o.FileType)
		}
	}
	if math.IsNaN(o.EvalRatio) {
		return fmt.Errorf("eval ratio must be a number")
	}
	if o.ModaLimit < 0 {
		return fmt.Errorf("dataset limit must not be negative (got %d)", o.ModaLimit)
	}
	if o.MaxNewTokens < 1 {
		return fmt.Errorf("max new tokens must be positive (got %d)", o.MaxNewTokens)
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2 (got %g)", o.Temperature)
	}
	if o.TopP <= 0 || o.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1] (got %g)", o.TopP)
	}
	if o.Data == "" && o.ModaDataset == "" {
		return fmt.Errorf("Either --data or --moda-dataset must be provided.")
	}
	if _, err := ParseFieldMapping(o.ModaFieldMapping); err != nil {
		return err
	}
	if containsControlChars(o.Model) || containsControlChars(o.JudgeModel) {
		return fmt.Errorf("model names must not contain control characters")
	}
	return nil
}
