package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionTimeFormat names session directories, e.g. session_2025-10-30T14-30-00
const SessionTimeFormat = "2006-01-02T15-04-05"

// SessionManager owns a run's output directory and its per-session
// subdirectory holding the log, checkpoint and config backups
type SessionManager struct {
	outputDir  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates outputDir and a fresh timestamped session directory inside it
func NewSessionManager(outputDir string, logger *slog.Logger) (*SessionManager, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("output directory must not be empty")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format(SessionTimeFormat)
	sessionDir := filepath.Join(outputDir, "session_"+timestamp)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logger.Info("Created new session directory", "path", sessionDir)

	return &SessionManager{
		outputDir:  outputDir,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SetLogger replaces the logger once the session logger has been built
func (sm *SessionManager) SetLogger(logger *slog.Logger) {
	sm.logger = logger
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetProcessedDir returns the directory for processed dataset snapshots
func (sm *SessionManager) GetProcessedDir() string {
	return filepath.Join(sm.outputDir, "processed")
}

// GetEvaluationReportPath returns the path of evaluation_report.json
func (sm *SessionManager) GetEvaluationReportPath() string {
	return filepath.Join(sm.outputDir, "evaluation_report.json")
}

// GetSummaryPath returns the path of pipeline_summary.json
func (sm *SessionManager) GetSummaryPath() string {
	return filepath.Join(sm.outputDir, "pipeline_summary.json")
}

// BackupConfig copies a config file into the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := filepath.Join(sm.sessionDir, filepath.Base(configPath)+".bak")
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
