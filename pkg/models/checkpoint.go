package models

import "time"

// StageRecord is the persisted state of one stage
type StageRecord struct {
	Name       StageName   `json:"name"`
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// RunCheckpoint represents the saved state of a pipeline session
type RunCheckpoint struct {
	// Session identification
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSavedAt time.Time `json:"last_saved_at"`

	Preset    string `json:"preset,omitempty"`
	OutputDir string `json:"output_dir"`

	// Options snapshot and a short hash of the inputs that shape the run
	Options    any    `json:"options,omitempty"`
	ConfigHash string `json:"config_hash"`

	Stages []StageRecord `json:"stages"`

	// Artifact name -> path, e.g. "train_snapshot", "evaluation_report"
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Stage returns the record for name, or nil if the checkpoint does not track it
func (c *RunCheckpoint) Stage(name StageName) *StageRecord {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i]
		}
	}
	return nil
}

// CompletedCount returns how many stages reached the completed state
func (c *RunCheckpoint) CompletedCount() int {
	n := 0
	for _, s := range c.Stages {
		if s.Status == StatusCompleted {
			n++
		}
	}
	return n
}
