package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testJob(t *testing.T) Job {
	cfg := config.DefaultTrainingConfig()
	cfg.OutputDir = t.TempDir()
	return Job{
		Config: cfg,
		Train: []dataset.Sample{
			dataset.AlpacaSample{Instruction: "Add", Input: "1+1", Output: "2"},
			dataset.AlpacaSample{Instruction: "问候", Output: "你好"},
		},
		Eval:      []dataset.Sample{dataset.AlpacaSample{Instruction: "Sub", Input: "2-1", Output: "1"}},
		OutputDir: cfg.OutputDir,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestEstimateTotalSteps(t *testing.T) {
	cfg := config.DefaultTrainingConfig() // batch 4, accumulation 4, 3 epochs

	assert.Equal(t, 0, EstimateTotalSteps(0, cfg))
	assert.Equal(t, 3, EstimateTotalSteps(1, cfg))
	assert.Equal(t, 3, EstimateTotalSteps(16, cfg))
	assert.Equal(t, 6, EstimateTotalSteps(17, cfg))

	cfg.MaxSteps = 4
	assert.Equal(t, 4, EstimateTotalSteps(100, cfg))

	cfg.MaxSteps = -1
	cfg.PerDeviceTrainBatchSize = 0
	cfg.NumTrainEpochs = 0.5
	assert.Equal(t, 10, EstimateTotalSteps(10, cfg), "degenerate values clamp to one")
}

func TestWriteJobFiles(t *testing.T) {
	job := testJob(t)

	files, err := WriteJobFiles(job)
	require.NoError(t, err)

	train := readLines(t, files.TrainPath)
	require.Len(t, train, 2)
	var first map[string]string
	require.NoError(t, json.Unmarshal([]byte(train[1]), &first))
	assert.Equal(t, map[string]string{"instruction": "问候", "input": "", "output": "你好"}, first)

	assert.Len(t, readLines(t, files.EvalPath), 1)

	data, err := os.ReadFile(files.ConfigPath)
	require.NoError(t, err)
	var cfg config.TrainingConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, job.Config, cfg)
}

func TestWriteJobFiles_NoEval(t *testing.T) {
	job := testJob(t)
	job.Eval = nil

	files, err := WriteJobFiles(job)
	require.NoError(t, err)
	assert.Empty(t, files.EvalPath)
	assert.NoFileExists(t, filepath.Join(job.OutputDir, EvalFileName))
}

func TestDryRunTrainer(t *testing.T) {
	job := testJob(t)

	res, err := NewDryRunTrainer(testLogger()).Train(context.Background(), job)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.EstimatedTotalSteps)
	assert.FileExists(t, filepath.Join(job.OutputDir, ConfigJSONFileName))
	assert.FileExists(t, res.Files.TrainPath)
}

func TestDryRunTrainer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDryRunTrainer(testLogger()).Train(ctx, testJob(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandTrainer_Placeholders(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	job.Env = []string{"ALL4YOU_TEST_FLAG=on"}

	tr := NewCommandTrainer("sh", []string{
		"-c",
		`wc -l < "{train}" > "{output_dir}/count.txt"; echo "$ALL4YOU_TEST_FLAG" > "{output_dir}/env.txt"; test -f "{config}" && test -f "{eval}"`,
	}, testLogger())

	res, err := tr.Train(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, 3, res.EstimatedTotalSteps)

	count, err := os.ReadFile(filepath.Join(job.OutputDir, "count.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(string(count)))

	env, err := os.ReadFile(filepath.Join(job.OutputDir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "on", strings.TrimSpace(string(env)))
}

func TestCommandTrainer_NonZeroExit(t *testing.T) {
	requireShell(t)

	tr := NewCommandTrainer("sh", []string{"-c", "echo 'CUDA out of memory' >&2; exit 3"}, testLogger())
	_, err := tr.Train(context.Background(), testJob(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "trainer exited")
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestCommandTrainer_MissingBinary(t *testing.T) {
	tr := NewCommandTrainer("all4you-no-such-trainer", nil, testLogger())
	_, err := tr.Train(context.Background(), testJob(t))
	assert.ErrorContains(t, err, "failed to start trainer")
}

func TestSplitOutputLines(t *testing.T) {
	long := strings.Repeat("x", maxOutputLine+10)
	scanner := bufio.NewScanner(strings.NewReader("epoch 1\r\r 50%|#####\rdone\n" + long))
	scanner.Buffer(make([]byte, 0, maxOutputLine), 2*maxOutputLine)
	scanner.Split(splitOutputLines)

	var tokens []string
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"epoch 1", "", " 50%|#####", "done", long[:maxOutputLine], "xxxxxxxxxx"}, tokens)
}

func TestCommandTrainer_LongUnterminatedOutput(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Progress redraws without newlines, then a single 3 MB line
	script := `head -c 3000000 /dev/zero | tr '\0' '\r'; head -c 3000000 /dev/zero | tr '\0' 'x' >&2; echo done; exit 0`
	res, err := NewCommandTrainer("sh", []string{"-c", script}, testLogger()).Train(ctx, testJob(t))
	require.NoError(t, err)
	assert.NoError(t, ctx.Err(), "trainer must finish well before the deadline")
	assert.False(t, res.DryRun)
}

func TestCommandTrainer_LastLineAfterProgressBar(t *testing.T) {
	requireShell(t)

	script := `printf '  10%%|#\r  100%%|##########\r'; printf 'RuntimeError: shape mismatch\r'; exit 2`
	_, err := NewCommandTrainer("sh", []string{"-c", script}, testLogger()).Train(context.Background(), testJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RuntimeError: shape mismatch")
}
