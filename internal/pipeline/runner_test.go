package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/judge"
	"github.com/cklxx/all4you/internal/orchestrator"
	"github.com/cklxx/all4you/internal/registry"
	"github.com/cklxx/all4you/internal/trainer"
	"github.com/cklxx/all4you/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoModel answers every prompt with a prefixed copy of it
type echoModel struct {
	mu      sync.Mutex
	prompts []string
	pingErr error
}

func (m *echoModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return "answer: " + prompt, nil
}

func (m *echoModel) Ping(context.Context) error { return m.pingErr }

// fixedJudge scores every sample with the same verdict
type fixedJudge struct{ name string }

func (j fixedJudge) Name() string { return j.name }
func (j fixedJudge) Available(context.Context) bool { return true }
func (j fixedJudge) Generate(context.Context, string) (string, error) {
	return `{"score": 4, "explanation": "close to the reference"}`, nil
}

// stubJudges serves the judges in available and reports every other name unavailable
type stubJudges struct {
	available map[string]bool
	opened    []string
}

func (s *stubJudges) Open(_ context.Context, name string) (judge.Backend, error) {
	s.opened = append(s.opened, name)
	if !s.available[name] {
		return nil, &judge.UnavailableError{Model: name, Message: "connection refused"}
	}
	return fixedJudge{name: name}, nil
}

// recordingTrainer captures the job and optionally runs a hook
type recordingTrainer struct {
	job  trainer.Job
	hook func()
	err  error
}

func (t *recordingTrainer) Train(_ context.Context, job trainer.Job) (trainer.Result, error) {
	t.job = job
	if t.hook != nil {
		t.hook()
	}
	if t.err != nil {
		return trainer.Result{}, t.err
	}
	return trainer.Result{OutputDir: job.OutputDir, EstimatedTotalSteps: 7}, nil
}

type fakeProbe struct{ mps bool }

func (fakeProbe) CUDAAvailable() bool { return false }
func (p fakeProbe) MPSAvailable() bool { return p.mps }

type staticFetcher struct{ records []dataset.Record }

func (f staticFetcher) Fetch(context.Context, dataset.SourceConfig, int) ([]dataset.Record, error) {
	return f.records, nil
}

func writeAlpaca(t *testing.T, dir, name string, n int) string {
	t.Helper()
	records := make([]map[string]string, n)
	for i := range records {
		records[i] = map[string]string{
			"instruction": fmt.Sprintf("Question %d", i),
			"input":       "",
			"output":      fmt.Sprintf("Answer %d", i),
		}
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func writeTrainingConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func baseOptions(t *testing.T) config.RunOptions {
	dir := t.TempDir()
	opts := config.DefaultRunOptions()
	opts.Data = writeAlpaca(t, dir, "data.json", 10)
	opts.Config = writeTrainingConfig(t, dir, "model_name: Qwen/Qwen3-4B\nnum_train_epochs: 1\n")
	opts.OutputDir = filepath.Join(dir, "out")
	opts.ModaCacheDir = filepath.Join(dir, "cache")
	opts.Device = config.DeviceCPU
	return opts
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"), "artifacts are newline-terminated")
	require.NoError(t, json.Unmarshal(data, v))
}

func TestRun_EndToEndWithoutJudge(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalRatio = 0.2
	opts.JudgeModel = "none"
	gen := &echoModel{}

	runner := NewRunner(opts, Deps{Generator: gen, Judges: &stubJudges{}}, testLogger())
	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	report := summary.Evaluation
	require.NotNil(t, report)
	assert.Equal(t, 2, report.TotalSamples)
	assert.Nil(t, report.AverageJudgeScore)
	assert.Nil(t, report.JudgeModel)
	assert.Nil(t, report.RequestedJudgeModel)
	assert.Equal(t, []string{"Question 0", "Question 1"}, gen.prompts, "first samples in input order are held out")

	assert.Equal(t, 8, summary.TrainingData.NumSamples)
	assert.Equal(t, 2, summary.EvaluationData.NumSamples)
	assert.False(t, summary.EvaluationData.UsedJudgeModel)
	assert.Nil(t, summary.ModelScope)
	assert.Equal(t, opts.Data, summary.TrainingData.Path)

	var onDisk models.EvaluationReport
	readJSON(t, filepath.Join(opts.OutputDir, "evaluation_report.json"), &onDisk)
	if diff := cmp.Diff(*report, onDisk); diff != "" {
		t.Errorf("evaluation_report.json mismatch (-want +got):\n%s", diff)
	}

	var raw map[string]any
	readJSON(t, filepath.Join(opts.OutputDir, "pipeline_summary.json"), &raw)
	assert.NotContains(t, raw, "modelscope")
	assert.Contains(t, raw, "training_data")

	snapshot := summary.TrainingData.ProcessedSnapshot
	assert.Equal(t, filepath.Join(opts.OutputDir, "processed"), filepath.Dir(snapshot))
	assert.Regexp(t, `train_\d{8}_\d{6}\.json$`, snapshot)

	for _, stage := range models.PipelineStages {
		assert.Equal(t, models.StatusCompleted, runner.Tracker().Status(stage))
	}
}

func TestRun_JudgeFallback(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalRatio = 0.3
	opts.JudgeModel = "ollama:qwen2:8b"
	opts.FallbackJudgeModel = "Qwen/Qwen3-0.6B"
	judges := &stubJudges{available: map[string]bool{"Qwen/Qwen3-0.6B": true}}

	summary, err := NewRunner(opts, Deps{Generator: &echoModel{}, Judges: judges}, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ollama:qwen2:8b", "Qwen/Qwen3-0.6B"}, judges.opened)
	report := summary.Evaluation
	assert.Equal(t, 3, report.TotalSamples)
	require.NotNil(t, report.AverageJudgeScore)
	assert.Equal(t, 4.0, *report.AverageJudgeScore)
	assert.Equal(t, "ollama:qwen2:8b", models.Deref(report.RequestedJudgeModel))
	assert.Equal(t, "Qwen/Qwen3-0.6B", models.Deref(report.ActiveJudgeModel))

	assert.True(t, summary.EvaluationData.UsedJudgeModel)
	assert.Equal(t, "Qwen/Qwen3-0.6B", models.Deref(summary.EvaluationData.ActiveJudgeModel))
	assert.Equal(t, "Qwen/Qwen3-0.6B", models.Deref(summary.EvaluationData.FallbackJudgeModel))
}

func TestRun_NoJudgeBackendsDegradesToGeneration(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalRatio = 0.1

	summary, err := NewRunner(opts, Deps{Generator: &echoModel{}}, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evaluation.TotalSamples)
	assert.Nil(t, summary.Evaluation.JudgeModel)
	assert.Equal(t, "Qwen/Qwen3-4B", models.Deref(summary.Evaluation.RequestedJudgeModel))
}

func TestRun_NoEvalSamplesSkipsEvaluation(t *testing.T) {
	opts := baseOptions(t)

	summary, err := NewRunner(opts, Deps{}, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, summary.Evaluation)
	assert.Equal(t, 10, summary.TrainingData.NumSamples)
	assert.NoFileExists(t, filepath.Join(opts.OutputDir, "evaluation_report.json"))
	assert.FileExists(t, filepath.Join(opts.OutputDir, "pipeline_summary.json"))
	// Default trainer is the dry run
	assert.FileExists(t, filepath.Join(opts.OutputDir, trainer.ConfigJSONFileName))
}

func TestRun_MissingEvalFileFailsPreprocess(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalData = filepath.Join(t.TempDir(), "missing.json")
	tr := &recordingTrainer{}

	runner := NewRunner(opts, Deps{Generator: &echoModel{}, Trainer: tr}, testLogger())
	_, err := runner.Run(context.Background())

	var pe *orchestrator.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StagePreprocess, pe.Stage)
	assert.Equal(t, orchestrator.KindPreprocess, pe.Kind)
	assert.Contains(t, err.Error(), "Evaluation data file not found")

	tracker := runner.Tracker()
	assert.Equal(t, models.StatusFailed, tracker.Status(models.StagePreprocess))
	assert.Equal(t, models.StatusPending, tracker.Status(models.StageTrain))
	assert.Equal(t, models.StatusPending, tracker.Status(models.StageSummarize))
	assert.Empty(t, tr.job.OutputDir, "training never started")

	// The train snapshot written before the failure is retained
	entries, err := os.ReadDir(filepath.Join(opts.OutputDir, "processed"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_MissingDataFileFailsAcquisition(t *testing.T) {
	opts := baseOptions(t)
	opts.Data = filepath.Join(t.TempDir(), "nope.json")

	_, err := NewRunner(opts, Deps{}, testLogger()).Run(context.Background())

	var pe *orchestrator.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, orchestrator.KindAcquisition, pe.Kind)
	assert.Contains(t, err.Error(), "Training data file not found")
}

func TestRun_BadFieldMappingFailsParseArgs(t *testing.T) {
	opts := baseOptions(t)
	opts.ModaFieldMapping = "instruction"

	_, err := NewRunner(opts, Deps{}, testLogger()).Run(context.Background())

	var pe *orchestrator.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StageParseArgs, pe.Stage)
	assert.Equal(t, orchestrator.KindConfig, pe.Kind)
	assert.Contains(t, err.Error(), "Invalid field mapping entry: 'instruction'")
}

func TestRun_UnreachableGeneratorFailsFast(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalRatio = 0.2
	tr := &recordingTrainer{}

	_, err := NewRunner(opts, Deps{Generator: &echoModel{pingErr: errors.New("connection refused")}, Trainer: tr}, testLogger()).
		Run(context.Background())

	var pe *orchestrator.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StageParseArgs, pe.Stage)
	assert.Contains(t, err.Error(), "generation backend unavailable")
	assert.Empty(t, tr.job.OutputDir)
}

func TestRun_TrainingErrorPassesThrough(t *testing.T) {
	opts := baseOptions(t)
	tr := &recordingTrainer{err: errors.New("CUDA out of memory")}

	_, err := NewRunner(opts, Deps{Trainer: tr}, testLogger()).Run(context.Background())

	var pe *orchestrator.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, orchestrator.KindTrain, pe.Kind)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestRun_MPSSwitchesBaseModel(t *testing.T) {
	opts := baseOptions(t)
	opts.Device = config.DeviceMPS
	tr := &recordingTrainer{}

	summary, err := NewRunner(opts, Deps{Trainer: tr, Probe: fakeProbe{mps: true}}, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, QwenSmallModel, tr.job.Config.ModelName)
	assert.Equal(t, config.DeviceMPS, tr.job.Config.Device)
	assert.Equal(t, opts.OutputDir, tr.job.Config.OutputDir)
	assert.Contains(t, tr.job.Env, "PYTORCH_ENABLE_MPS_FALLBACK=1")
	assert.Equal(t, 7, summary.Training.EstimatedTotalSteps)

	// An explicit model is kept
	opts.Model = "Qwen/Qwen3-4B"
	_, err = NewRunner(opts, Deps{Trainer: tr, Probe: fakeProbe{mps: true}}, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Qwen/Qwen3-4B", tr.job.Config.ModelName)
}

func TestRun_DownloadedDataset(t *testing.T) {
	opts := baseOptions(t)
	opts.Data = ""
	opts.ModaDataset = "org/qa"
	opts.ModaFieldMapping = "instruction=q,input=,output=a"
	opts.ModaLimit = 3
	fetcher := staticFetcher{records: []dataset.Record{
		{"q": "1+1?", "a": "2"},
		{"q": "2+2?", "a": "4"},
		{"q": "3+3?", "a": "6"},
	}}

	summary, err := NewRunner(opts, Deps{Fetcher: fetcher}, testLogger()).Run(context.Background())
	require.NoError(t, err)

	ms := summary.ModelScope
	require.NotNil(t, ms)
	assert.Equal(t, "org/qa", ms.Requested)
	assert.Equal(t, "org/qa", ms.DatasetID)
	assert.Equal(t, "train", ms.Split)
	assert.Nil(t, ms.Subset)
	require.NotNil(t, ms.Limit)
	assert.Equal(t, 3, *ms.Limit)
	assert.Equal(t, map[string]string{"instruction": "q", "input": "", "output": "a"}, ms.FieldMapping)
	assert.Equal(t, models.Deref(ms.FormattedPath), summary.TrainingData.Path)
	assert.Equal(t, 3, summary.TrainingData.NumSamples)
}

func TestRun_RegistryTracksTask(t *testing.T) {
	opts := baseOptions(t)
	store := registry.NewMemoryStore()

	runner := NewRunner(opts, Deps{Registry: store}, testLogger())
	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	task, err := store.Get(context.Background(), runner.TaskID())
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, string(models.StageSummarize), task.Stage)
	assert.Equal(t, runner.TaskID(), summary.TaskID)
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	opts := baseOptions(t)
	opts.EvalRatio = 0.2
	store := registry.NewMemoryStore()
	gen := &echoModel{}

	var runner *Runner
	tr := &recordingTrainer{hook: func() {
		_, err := store.Cancel(context.Background(), runner.TaskID())
		require.NoError(t, err)
	}}
	runner = NewRunner(opts, Deps{Registry: store, Trainer: tr, Generator: gen}, testLogger())

	_, err := runner.Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrCancelled)

	tracker := runner.Tracker()
	assert.Equal(t, models.StatusCompleted, tracker.Status(models.StageTrain))
	assert.Equal(t, models.StatusPending, tracker.Status(models.StageEvaluate))
	assert.Empty(t, gen.prompts)

	task, err := store.Get(context.Background(), runner.TaskID())
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, task.Status)
}

func TestRun_CheckpointWritten(t *testing.T) {
	opts := baseOptions(t)

	_, err := NewRunner(opts, Deps{}, testLogger()).Run(context.Background())
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(opts.OutputDir, "session_*", "checkpoint.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	var cp models.RunCheckpoint
	readJSONNoNewline(t, matches[0], &cp)
	assert.Equal(t, len(models.PipelineStages), cp.CompletedCount())
	assert.Contains(t, cp.Artifacts, "summary")
	assert.Contains(t, cp.Artifacts, "train_snapshot")
}

func readJSONNoNewline(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}
