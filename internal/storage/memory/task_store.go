package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// TaskStore is an in-memory pipeline.TaskStore with one writer per task.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]pipeline.Task

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	clock pipeline.Clock
	idGen pipeline.IDGenerator
}

// NewTaskStore constructs a TaskStore. idGen fills in missing task ids.
func NewTaskStore(clock pipeline.Clock, idGen pipeline.IDGenerator) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]pipeline.Task),
		locks: make(map[string]*sync.Mutex),
		clock: clock,
		idGen: idGen,
	}
}

// Create stores a new pending task.
func (s *TaskStore) Create(_ context.Context, in pipeline.NewTask) (pipeline.Task, error) {
	if strings.TrimSpace(in.URL) == "" {
		return pipeline.Task{}, fmt.Errorf("url is required")
	}
	id := in.ID
	if id == "" {
		generated, err := s.idGen.NewID()
		if err != nil {
			return pipeline.Task{}, fmt.Errorf("generate task id: %w", err)
		}
		id = generated
	}
	now := s.clock.Now()
	task := pipeline.Task{
		ID:           id,
		URL:          in.URL,
		UserID:       in.UserID,
		Status:       pipeline.StatusPending,
		CurrentStage: pipeline.StagePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return pipeline.Task{}, fmt.Errorf("create task %s: %w", id, pipeline.ErrTaskExists)
	}
	s.tasks[id] = task
	return task, nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(_ context.Context, taskID string) (pipeline.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.Task{}, fmt.Errorf("get task %s: %w", taskID, pipeline.ErrTaskNotFound)
	}
	return task, nil
}

// FindRecent returns the newest task for url created at or after since.
func (s *TaskStore) FindRecent(_ context.Context, url string, since time.Time) (pipeline.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  pipeline.Task
		found bool
	)
	for _, task := range s.tasks {
		if task.URL != url || task.CreatedAt.Before(since) {
			continue
		}
		if !found || task.CreatedAt.After(best.CreatedAt) {
			best, found = task, true
		}
	}
	return best, found, nil
}

// Advance merges patch and moves the task to stage when stage is ahead.
func (s *TaskStore) Advance(
	_ context.Context,
	taskID string,
	stage pipeline.Stage,
	patch pipeline.Patch,
) (bool, error) {
	if !stage.Valid() {
		return false, fmt.Errorf("advance task %s: unknown stage %q", taskID, stage)
	}
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.Get(context.Background(), taskID)
	if err != nil {
		return false, err
	}
	if task.Status == pipeline.StatusFailed || task.Status == pipeline.StatusBlocked {
		return false, nil
	}
	if !task.CurrentStage.Before(stage) {
		return false, nil
	}
	patch.Apply(&task, stage, s.clock.Now())
	s.put(task)
	return true, nil
}

// MarkFailed moves the task to failed. Terminal tasks are left untouched.
func (s *TaskStore) MarkFailed(_ context.Context, taskID string, reason string) error {
	return s.terminate(taskID, func(task *pipeline.Task) {
		task.Status = pipeline.StatusFailed
		task.Error = reason
	})
}

// MarkBlocked moves the task to blocked. Terminal tasks are left untouched.
func (s *TaskStore) MarkBlocked(_ context.Context, taskID string, reason string) error {
	return s.terminate(taskID, func(task *pipeline.Task) {
		task.Status = pipeline.StatusBlocked
		task.BlockReason = reason
	})
}

func (s *TaskStore) terminate(taskID string, mutate func(*pipeline.Task)) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.Get(context.Background(), taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	mutate(&task)
	now := s.clock.Now()
	task.UpdatedAt = now
	task.CompletedAt = &now
	s.put(task)
	return nil
}

func (s *TaskStore) put(task pipeline.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *TaskStore) lockTask(taskID string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[taskID] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}
