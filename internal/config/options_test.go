package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseFieldMapping(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]string
		wantErr string
	}{
		{in: "", want: nil},
		{in: "instruction=query,input=,output=answer", want: map[string]string{"instruction": "query", "input": "", "output": "answer"}},
		{in: " instruction = {q} , , output=a=b ", want: map[string]string{"instruction": "{q}", "output": "a=b"}},
		{in: "instruction=query,broken", wantErr: "Invalid field mapping entry: 'broken'"},
	}
	for _, tt := range tests {
		got, err := ParseFieldMapping(tt.in)
		if tt.wantErr != "" {
			assert.EqualError(t, err, tt.wantErr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestApplyPreset_OnlyDefaultsAreReplaced(t *testing.T) {
	opts := DefaultRunOptions()
	opts.OutputDir = "my/out"
	opts.Data = "train.json"

	require.NoError(t, ApplyPreset(&opts, "alpaca-zh-lora"))

	assert.Equal(t, "alpaca-zh-lora", opts.Preset)
	assert.Equal(t, "my/out", opts.OutputDir, "explicit flag wins")
	assert.Equal(t, "backend/configs/qwen3-0.6b-mps.yaml", opts.Config)
	assert.Equal(t, DeviceMPS, opts.Device)
	assert.Equal(t, "Qwen/Qwen3-0.6B", opts.Model)
	assert.Equal(t, "ollama:qwen2:8b", opts.JudgeModel)
	assert.Equal(t, "Qwen/Qwen3-0.6B", opts.FallbackJudgeModel)
	assert.Equal(t, "alpaca_zh", opts.ModaDataset)
	assert.Equal(t, 0.1, opts.EvalRatio)
}

func TestApplyPreset_AliasAndUnknown(t *testing.T) {
	a, b := DefaultRunOptions(), DefaultRunOptions()
	require.NoError(t, ApplyPreset(&a, "alpaca-zh-lora"))
	require.NoError(t, ApplyPreset(&b, "search-intent-lora"))
	b.Preset = a.Preset
	assert.Equal(t, a, b)

	opts := DefaultRunOptions()
	err := ApplyPreset(&opts, "nope")
	assert.ErrorContains(t, err, "unknown preset")
	assert.ErrorContains(t, err, "alpaca-zh-lora, search-intent-lora")
}

func TestJudgeNames(t *testing.T) {
	assert.Equal(t, "", NormalizeJudgeName("None"))
	assert.Equal(t, "", NormalizeJudgeName("  "))
	assert.Equal(t, "ollama:qwen2:8b", NormalizeJudgeName("ollama:qwen2:8b"))

	opts := DefaultRunOptions()
	assert.Equal(t, "Qwen/Qwen3-4B", opts.RequestedJudge())
	opts.NoJudge = true
	assert.Equal(t, "", opts.RequestedJudge())

	assert.Equal(t, "mps", opts.ResolvedJudgeDevice("mps"))
	opts.JudgeDevice = "cpu"
	assert.Equal(t, "cpu", opts.ResolvedJudgeDevice("mps"))
}

func TestRunOptions_Validate(t *testing.T) {
	valid := DefaultRunOptions()
	valid.Data = "train.json"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*RunOptions)
		wantErr string
	}{
		{"no source", func(o *RunOptions) { o.Data = "" }, "Either --data or --moda-dataset must be provided."},
		{"format", func(o *RunOptions) { o.DataFormat = "dpo" }, "unsupported data format"},
		{"file type", func(o *RunOptions) { o.FileType = "parquet" }, "unsupported file type"},
		{"mapping", func(o *RunOptions) { o.ModaFieldMapping = "bad" }, "Invalid field mapping entry"},
		{"tokens", func(o *RunOptions) { o.MaxNewTokens = 0 }, "max new tokens"},
		{"top_p", func(o *RunOptions) { o.TopP = 0 }, "top_p"},
		{"limit", func(o *RunOptions) { o.ModaLimit = -1 }, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			assert.ErrorContains(t, opts.Validate(), tt.wantErr)
		})
	}
}

type fakeProbe struct{ cuda, mps bool }

func (p fakeProbe) CUDAAvailable() bool { return p.cuda }
func (p fakeProbe) MPSAvailable() bool  { return p.mps }

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		preferred string
		probe     fakeProbe
		want      string
	}{
		{"", fakeProbe{}, DeviceCPU},
		{"AUTO", fakeProbe{cuda: true, mps: true}, DeviceCUDA},
		{"auto", fakeProbe{mps: true}, DeviceMPS},
		{"cuda:1", fakeProbe{cuda: true}, "cuda:1"},
		{"cuda", fakeProbe{mps: true}, DeviceMPS},
		{"mps", fakeProbe{}, DeviceCPU},
		{"cpu", fakeProbe{cuda: true}, DeviceCPU},
		{"tpu", fakeProbe{cuda: true}, DeviceCUDA},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveDevice(tt.preferred, tt.probe, testLogger()), tt.preferred)
	}
}

func TestDeviceEnvironment(t *testing.T) {
	assert.Equal(t, []string{"PYTORCH_ENABLE_MPS_FALLBACK=1", "ACCELERATE_USE_MPS_DEVICE=1"}, DeviceEnvironment(DeviceMPS))
	assert.Nil(t, DeviceEnvironment(DeviceCPU))
}
