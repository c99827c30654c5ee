package checkpoint

import (
	"fmt"

	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/registry"
	"github.com/cklxx/all4you/pkg/models"
)

// ValidateCheckpoint verifies checkpoint was produced by the same inputs as opts
func ValidateCheckpoint(cp *models.RunCheckpoint, opts config.RunOptions) error {
	expectedHash := ComputeConfigHash(opts)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with different data/config options (hash: %s vs %s)", cp.ConfigHash, expectedHash)
	}

	if IsComplete(cp) {
		return fmt.Errorf("checkpoint is already complete, nothing to resume")
	}

	return nil
}

// ResumePoint returns the first stage that did not complete, or "" when the
// run finished
func ResumePoint(cp *models.RunCheckpoint) models.StageName {
	for _, s := range cp.Stages {
		if s.Status != models.StatusCompleted {
			return s.Name
		}
	}
	return ""
}

// FailedStage returns the record of the failed stage, if any
func FailedStage(cp *models.RunCheckpoint) *models.StageRecord {
	for i := range cp.Stages {
		if cp.Stages[i].Status == models.StatusFailed {
			return &cp.Stages[i]
		}
	}
	return nil
}

// IsComplete reports whether every stage completed
func IsComplete(cp *models.RunCheckpoint) bool {
	return len(cp.Stages) > 0 && ResumePoint(cp) == ""
}

// GetProgressPercentage returns completion percentage
func GetProgressPercentage(cp *models.RunCheckpoint) int {
	return registry.CalculateProgress(cp.CompletedCount(), len(cp.Stages))
}
