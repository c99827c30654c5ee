package trainer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/util"
)

// maxOutputLine caps one logged line of trainer output; longer runs are
// logged in chunks
const maxOutputLine = 64 * 1024

// splitOutputLines splits on '\n' and on the '\r' progress bars redraw with,
// cutting lines longer than maxOutputLine so the scanner never stops early
func splitOutputLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxOutputLine {
		return maxOutputLine, data[:maxOutputLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// CommandTrainer runs an external training program. Args may reference the
// job files with {config}, {train}, {eval} and {output_dir}.
type CommandTrainer struct {
	Command string
	Args    []string
	logger  *slog.Logger
}

// NewCommandTrainer creates a trainer that executes command with args
func NewCommandTrainer(command string, args []string, logger *slog.Logger) *CommandTrainer {
	return &CommandTrainer{
		Command: command,
		Args:    args,
		logger:  logger.With("component", "trainer"),
	}
}

// Train writes the job files and blocks until the command exits. A non-zero
// exit status is returned as an error carrying the last line of output.
func (t *CommandTrainer) Train(ctx context.Context, job Job) (Result, error) {
	files, err := WriteJobFiles(job)
	if err != nil {
		return Result{}, err
	}

	vars := dataset.Record{
		"config":     files.ConfigPath,
		"train":      files.TrainPath,
		"eval":       files.EvalPath,
		"output_dir": job.OutputDir,
	}
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = a
		if strings.Contains(a, "{") {
			args[i] = dataset.ResolveTemplate(a, vars)
		}
	}

	cmd := exec.CommandContext(ctx, t.Command, args...)
	cmd.Env = append(os.Environ(), job.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach trainer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach trainer stderr: %w", err)
	}

	t.logger.Info("Starting training command",
		"command", t.Command,
		"args", strings.Join(args, " "),
		"train_samples", len(job.Train),
		"eval_samples", len(job.Eval))

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start trainer: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		lastLine string
	)
	stream := func(r io.Reader, level slog.Level) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, maxOutputLine), 2*maxOutputLine)
		scanner.Split(splitOutputLines)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			t.logger.Log(ctx, level, "trainer", "line", line)
			mu.Lock()
			lastLine = line
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			t.logger.Warn("Failed to read trainer output", "error", err)
		}
		// The child blocks on a full pipe until it is drained
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go stream(stdout, slog.LevelInfo)
	go stream(stderr, slog.LevelWarn)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if lastLine != "" {
			return Result{}, fmt.Errorf("trainer exited: %w (last output: %s)", err, util.TruncateString(lastLine, 200))
		}
		return Result{}, fmt.Errorf("trainer exited: %w", err)
	}

	return Result{
		OutputDir:           job.OutputDir,
		Files:               files,
		EstimatedTotalSteps: EstimateTotalSteps(len(job.Train), job.Config),
	}, nil
}
