package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// MemoryStore keeps tasks in a mutex-guarded map. Callers only ever see copies.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, name string, totalSteps int) (*Task, error) {
	now := s.now()
	t := &Task{
		ID:         uuid.New().String(),
		Name:       name,
		Status:     StatusPending,
		TotalSteps: totalSteps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get %s", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// update applies fn to the stored task under the write lock
func (s *MemoryStore) update(id string, fn func(t *Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: update %s", id)
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.now()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errMsg string) (*Task, error) {
	return s.update(id, func(t *Task) error {
		if t.Status != StatusCancelled {
			t.Status = status
		}
		if errMsg != "" {
			t.Error = errMsg
		}
		return nil
	})
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id, stage string, completedSteps int) (*Task, error) {
	return s.update(id, func(t *Task) error {
		t.Stage = stage
		t.CompletedSteps = completedSteps
		t.Progress = CalculateProgress(completedSteps, t.TotalSteps)
		return nil
	})
}

func (s *MemoryStore) Cancel(_ context.Context, id string) (*Task, error) {
	return s.update(id, func(t *Task) error {
		if t.Status == StatusCompleted || t.Status == StatusFailed {
			return eris.Wrapf(ErrFinished, "memory: cancel %s (%s)", id, t.Status)
		}
		t.Status = StatusCancelled
		return nil
	})
}

func (s *MemoryStore) Close() error {
	return nil
}
