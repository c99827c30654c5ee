// Package registry tracks pipeline runs as tasks so a separate process can
// poll their status or request cancellation.
package registry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are expected
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one pipeline run as seen by pollers
type Task struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	Stage          string    `json:"stage"`
	Progress       int       `json:"progress"`
	CompletedSteps int       `json:"completed_steps"`
	TotalSteps     int       `json:"total_steps"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	// ErrNotFound is returned for an unknown task id
	ErrNotFound = errors.New("task not found")
	// ErrFinished is returned when cancelling a task that already completed or failed
	ErrFinished = errors.New("task already finished")
)

// Store persists tasks. Every method is atomic with respect to the others.
// A cancelled task keeps that status: later UpdateStatus calls still record
// the error message but never replace the status.
type Store interface {
	Create(ctx context.Context, name string, totalSteps int) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]Task, error)
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (*Task, error)
	UpdateProgress(ctx context.Context, id, stage string, completedSteps int) (*Task, error)
	Cancel(ctx context.Context, id string) (*Task, error)
	Close() error
}

// CalculateProgress converts a step count into a whole percentage in [0, 100]
func CalculateProgress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(completed) * 100 / float64(total)))
	return max(0, min(100, pct))
}

// IsCancelled reports whether the task was cancelled. Lookup failures are
// treated as not cancelled.
func IsCancelled(ctx context.Context, store Store, id string) bool {
	t, err := store.Get(ctx, id)
	return err == nil && t.Status == StatusCancelled
}
