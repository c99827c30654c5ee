package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/orchestrator"
	"github.com/cklxx/all4you/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// Manager keeps the run checkpoint of one session in sync with the stage
// tracker. Every save is synchronous so the file on disk reflects a stage's
// status before the stage body runs.
type Manager struct {
	sessionDir string
	checkpoint *models.RunCheckpoint
	mu         sync.RWMutex
	logger     *slog.Logger

	writeMu     sync.Mutex // Protects concurrent disk writes
	writerError error
}

// NewManager creates a checkpoint for a new run with every stage pending
func NewManager(sessionDir, taskID string, opts config.RunOptions, stages []models.StageName, logger *slog.Logger) *Manager {
	records := make([]models.StageRecord, len(stages))
	for i, s := range stages {
		records[i] = models.StageRecord{Name: s, Status: models.StatusPending}
	}
	return &Manager{
		sessionDir: sessionDir,
		checkpoint: &models.RunCheckpoint{
			SessionID:  uuid.New().String(),
			TaskID:     taskID,
			CreatedAt:  time.Now(),
			Preset:     opts.Preset,
			OutputDir:  opts.OutputDir,
			Options:    opts,
			ConfigHash: ComputeConfigHash(opts),
			Stages:     records,
			Artifacts:  make(map[string]string),
		},
		logger: logger.With("component", "checkpoint"),
	}
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return filepath.Join(m.sessionDir, CheckpointFilename)
}

// Observe records a stage transition and saves the checkpoint. It is meant
// to be registered as an orchestrator observer; write failures are logged
// and reported by Err.
func (m *Manager) Observe(tr orchestrator.Transition) {
	m.mu.Lock()
	rec := m.checkpoint.Stage(tr.Stage)
	if rec == nil {
		m.checkpoint.Stages = append(m.checkpoint.Stages, models.StageRecord{Name: tr.Stage})
		rec = &m.checkpoint.Stages[len(m.checkpoint.Stages)-1]
	}
	at := tr.At
	rec.Status = tr.Status
	switch tr.Status {
	case models.StatusRunning:
		rec.StartedAt = &at
	case models.StatusCompleted, models.StatusFailed:
		rec.FinishedAt = &at
	}
	if tr.Err != nil {
		rec.Error = tr.Err.Error()
	}
	m.mu.Unlock()

	if err := m.SaveSync(); err != nil {
		m.logger.Error("Failed to write checkpoint", "stage", tr.Stage, "error", err)
	}
}

// RecordArtifact stores the path of an artifact produced by the run
func (m *Manager) RecordArtifact(name, path string) error {
	m.mu.Lock()
	m.checkpoint.Artifacts[name] = path
	m.mu.Unlock()
	return m.SaveSync()
}

// SaveSync performs a synchronous checkpoint write
func (m *Manager) SaveSync() error {
	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	err := m.writeCheckpointToDisk(cpCopy)
	if err != nil {
		m.writeMu.Lock()
		m.writerError = err
		m.writeMu.Unlock()
	}
	return err
}

// Err returns the most recent write failure, if any
func (m *Manager) Err() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writerError
}

func (m *Manager) writeCheckpointToDisk(cp *models.RunCheckpoint) error {
	// Protect against concurrent disk writes
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Atomic write: write to temp file, then rename
	checkpointPath := m.Path()
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved", "path", checkpointPath, "completed", cp.CompletedCount())
	return nil
}

// copyCheckpoint creates a deep copy of the checkpoint
func (m *Manager) copyCheckpoint() *models.RunCheckpoint {
	cp := *m.checkpoint
	cp.Stages = append([]models.StageRecord(nil), m.checkpoint.Stages...)
	cp.Artifacts = make(map[string]string, len(m.checkpoint.Artifacts))
	for k, v := range m.checkpoint.Artifacts {
		cp.Artifacts[k] = v
	}
	return &cp
}

// GetCheckpoint returns a read-only copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.RunCheckpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyCheckpoint()
}

// Load reads checkpoint from disk
func Load(sessionDir string, logger *slog.Logger) (*models.RunCheckpoint, error) {
	checkpointPath := filepath.Join(sessionDir, CheckpointFilename)

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.RunCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	logger.Debug("Checkpoint loaded",
		"session_id", cp.SessionID,
		"completed_stages", cp.CompletedCount())

	return &cp, nil
}

// SessionEntry pairs a session directory with its checkpoint
type SessionEntry struct {
	Dir        string
	Checkpoint *models.RunCheckpoint
}

// List returns the checkpoints of every session under outputDir, newest
// first. Sessions without a readable checkpoint are skipped.
func List(outputDir string, logger *slog.Logger) ([]SessionEntry, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var sessions []SessionEntry
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "session_") {
			continue
		}
		dir := filepath.Join(outputDir, e.Name())
		cp, err := Load(dir, logger)
		if err != nil {
			logger.Debug("Skipping session without checkpoint", "dir", dir, "error", err)
			continue
		}
		sessions = append(sessions, SessionEntry{Dir: dir, Checkpoint: cp})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Checkpoint.CreatedAt.After(sessions[j].Checkpoint.CreatedAt)
	})
	return sessions, nil
}

// ComputeConfigHash hashes the options that decide what a run consumes and produces
func ComputeConfigHash(opts config.RunOptions) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s:%g:%s",
		opts.Data,
		opts.EvalData,
		opts.ModaDataset,
		opts.Config,
		opts.DataFormat,
		opts.EvalRatio,
		opts.Model)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}
