package engine

import (
	"context"
	"sort"
	"sync"
)

// Recorder persists steps and task snapshots. Errors are logged by the engine and never
// abort a run.
type Recorder interface {
	SaveStep(ctx context.Context, step Step) error
	SaveTask(ctx context.Context, task Snapshot) error
}

// StopSource reports an externally set stop flag for a task. It is polled once per
// loop iteration.
type StopSource interface {
	StopRequested(ctx context.Context, taskID string) (bool, error)
}

// MemoryRecorder keeps everything in memory.
type MemoryRecorder struct {
	mu    sync.Mutex
	steps map[string][]Step
	tasks map[string]Snapshot
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		steps: make(map[string][]Step),
		tasks: make(map[string]Snapshot),
	}
}

// SaveStep implements Recorder.
func (r *MemoryRecorder) SaveStep(_ context.Context, step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.TaskID] = append(r.steps[step.TaskID], step)
	return nil
}

// SaveTask implements Recorder.
func (r *MemoryRecorder) SaveTask(_ context.Context, task Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

// Steps returns the steps saved for a task ordered by position.
func (r *MemoryRecorder) Steps(taskID string) []Step {
	r.mu.Lock()
	out := append([]Step(nil), r.steps[taskID]...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Task returns the last snapshot saved for a task.
func (r *MemoryRecorder) Task(taskID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tasks[taskID]
	return s, ok
}
