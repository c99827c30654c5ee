package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cklxx/all4you/pkg/models"
)

// SectionDivider frames stage banners in the log
var SectionDivider = strings.Repeat("=", 80)

var statusSymbols = map[models.StageStatus]string{
	models.StatusPending:   "…",
	models.StatusRunning:   "▶",
	models.StatusCompleted: "✓",
	models.StatusFailed:    "✗",
}

// Transition describes one stage status change
type Transition struct {
	Stage  models.StageName
	Index  int
	Status models.StageStatus
	At     time.Time
	Err    error
}

// Observer is notified synchronously of every transition, before the stage
// body runs for a running transition
type Observer func(Transition)

// Tracker records the status of every stage in a fixed order. Starting an
// unknown stage, or a stage that is not pending, is a programming error and
// panics.
type Tracker struct {
	mu        sync.RWMutex
	stages    []models.StageName
	status    map[models.StageName]models.StageStatus
	observers []Observer
	logger    *slog.Logger
}

// NewTracker creates a tracker with every stage pending
func NewTracker(stages []models.StageName, logger *slog.Logger, observers ...Observer) *Tracker {
	t := &Tracker{
		stages:    append([]models.StageName(nil), stages...),
		status:    make(map[models.StageName]models.StageStatus, len(stages)),
		observers: observers,
		logger:    logger,
	}
	for _, s := range stages {
		t.status[s] = models.StatusPending
	}
	return t
}

// Start moves stage from pending to running
func (t *Tracker) Start(stage models.StageName) {
	idx := t.transition(stage, models.StatusPending, models.StatusRunning, nil)
	t.logger.Info(fmt.Sprintf("%d/%d — [%02d] %s %s", t.CompletedCount(), len(t.stages), idx, statusSymbols[models.StatusRunning], stage))
}

// Complete moves stage from running to completed
func (t *Tracker) Complete(stage models.StageName) {
	idx := t.transition(stage, models.StatusRunning, models.StatusCompleted, nil)
	t.logger.Info(fmt.Sprintf("%d/%d — [%02d] DONE %s", t.CompletedCount(), len(t.stages), idx, stage))
}

// Fail marks stage failed. Failed is terminal.
func (t *Tracker) Fail(stage models.StageName, err error) {
	idx := t.transition(stage, "", models.StatusFailed, err)
	t.logger.Error(fmt.Sprintf("%d/%d — [%02d] FAILED %s", t.CompletedCount(), len(t.stages), idx, stage), "error", err)
}

// transition applies from -> to (any non-terminal state when from is empty)
// and notifies observers. It returns the stage's 1-based index.
func (t *Tracker) transition(stage models.StageName, from, to models.StageStatus, err error) int {
	t.mu.Lock()
	current, ok := t.status[stage]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("orchestrator: unknown stage %q", stage))
	}
	if (from != "" && current != from) || current == models.StatusFailed || current == models.StatusCompleted {
		t.mu.Unlock()
		panic(fmt.Sprintf("orchestrator: cannot move stage %s from %s to %s", stage, current, to))
	}
	t.status[stage] = to
	idx := t.indexLocked(stage)
	t.mu.Unlock()

	tr := Transition{Stage: stage, Index: idx, Status: to, At: time.Now().UTC(), Err: err}
	for _, obs := range t.observers {
		obs(tr)
	}
	return idx
}

func (t *Tracker) indexLocked(stage models.StageName) int {
	for i, s := range t.stages {
		if s == stage {
			return i + 1
		}
	}
	return 0
}

// Status returns the current status of stage
func (t *Tracker) Status(stage models.StageName) models.StageStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status[stage]
}

// Stages returns the tracked stage order
func (t *Tracker) Stages() []models.StageName {
	return append([]models.StageName(nil), t.stages...)
}

// CompletedCount returns how many stages completed
func (t *Tracker) CompletedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.status {
		if s == models.StatusCompleted {
			n++
		}
	}
	return n
}

// Render formats the full progress table
func (t *Tracker) Render() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completed := 0
	for _, s := range t.status {
		if s == models.StatusCompleted {
			completed++
		}
	}

	lines := []string{fmt.Sprintf("Progress %d/%d", completed, len(t.stages))}
	for i, stage := range t.stages {
		lines = append(lines, fmt.Sprintf("  [%02d] %s %s", i+1, statusSymbols[t.status[stage]], stage))
	}
	return strings.Join(lines, "\n")
}

// LogTable writes the progress table to the log framed by dividers
func (t *Tracker) LogTable() {
	t.logger.Info(SectionDivider)
	for _, line := range strings.Split(t.Render(), "\n") {
		t.logger.Info(line)
	}
	t.logger.Info(SectionDivider)
}
