package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/webpilot/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ServiceConfig configures the task service.
type ServiceConfig struct {
	Defaults          Defaults
	FinishedCacheSize int // finished tasks kept in memory
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Defaults: Defaults{
			MaxSteps:       20,
			TimeoutSeconds: 300,
			Viewport:       Viewport{Width: 1280, Height: 800},
		},
		FinishedCacheSize: 1000,
	}
}

// Service accepts task requests and runs each one in its own goroutine.
type Service struct {
	engine   *Engine
	defaults Defaults
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	running  map[string]*Task
	finished *lru.Cache[string, *Task]
	wg       sync.WaitGroup
}

// NewService creates a task service on top of an engine.
func NewService(engine *Engine, cfg ServiceConfig, logger *zap.Logger) (*Service, error) {
	if engine == nil {
		return nil, types.NewError(types.ErrValidation, "service requires an engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.FinishedCacheSize
	if size <= 0 {
		size = DefaultServiceConfig().FinishedCacheSize
	}
	finished, err := lru.New[string, *Task](size)
	if err != nil {
		return nil, fmt.Errorf("create finished task cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:   engine,
		defaults: cfg.Defaults,
		logger:   logger.With(zap.String("component", "task_service")),
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]*Task),
		finished: finished,
	}, nil
}

// Submit validates req and starts the task in the background.
func (s *Service) Submit(req TaskRequest) (*Task, error) {
	task, err := req.Task(s.defaults)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrPoolClosed, "task service is shutting down")
	}
	s.running[task.ID] = task
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(task)
	s.logger.Info("task submitted", zap.String("task_id", task.ID))
	return task, nil
}

func (s *Service) execute(task *Task) {
	defer s.wg.Done()
	if err := s.engine.Run(s.baseCtx, task, RunOptions{}); err != nil {
		s.logger.Error("task did not start", zap.String("task_id", task.ID), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.running, task.ID)
	s.finished.Add(task.ID, task)
	s.mu.Unlock()
}

// Get returns a running or recently finished task.
func (s *Service) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.running[id]; ok {
		return t, nil
	}
	if t, ok := s.finished.Get(id); ok {
		return t, nil
	}
	return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
}

// Stop requests a cooperative stop. Stopping a finished task is a no-op.
func (s *Service) Stop(id string) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.Status().Terminal() && t.RequestStop() {
		s.logger.Info("stop requested", zap.String("task_id", id))
	}
	return t, nil
}

// Steps returns the recorded steps of a task.
func (s *Service) Steps(id string) ([]Step, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Steps(), nil
}

// List returns snapshots of running and cached tasks, newest first.
func (s *Service) List() []Snapshot {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.running)+s.finished.Len())
	for _, t := range s.running {
		tasks = append(tasks, t)
	}
	tasks = append(tasks, s.finished.Values()...)
	s.mu.Unlock()

	out := make([]Snapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Running returns the number of tasks in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown refuses new tasks, requests stop on running ones and waits for them. When
// ctx ends first, runs are cancelled outright.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.running {
		t.RequestStop()
	}
	n := len(s.running)
	s.mu.Unlock()
	s.logger.Info("shutting down task service", zap.Int("running", n))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("task service shutdown: %w", ctx.Err())
	}
}
