package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/webpilot/types"
)

// slowDecider 每步等待一小段时间并尊重 ctx，便于在运行中停止任务
func slowDecider(d time.Duration) Decider {
	return DeciderFunc(func(ctx context.Context, req DecisionRequest) (Decision, error) {
		select {
		case <-time.After(d):
			return Decision{Action: "scroll", Value: "down"}, nil
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	})
}

func newTestService(t *testing.T, d Decider, cacheSize int) *Service {
	t.Helper()
	p, _ := newEnginePool(t, 2, nil)
	e := newTestEngine(t, d, testEngineConfig(), WithPool(p))
	cfg := DefaultServiceConfig()
	cfg.FinishedCacheSize = cacheSize
	s, err := NewService(e, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitTerminal(t *testing.T, task *Task) {
	t.Helper()
	require.Eventually(t, func() bool { return task.Status().Terminal() }, 5*time.Second, 10*time.Millisecond)
}

func TestService_SubmitRunsToCompletion(t *testing.T) {
	s := newTestService(t, decide(Decision{Action: "done", Result: "ok"}), 10)

	task, err := s.Submit(TaskRequest{Instruction: "check the homepage", MaxSteps: 5})
	require.NoError(t, err)
	waitTerminal(t, task)

	assert.Equal(t, StatusCompleted, task.Status())
	require.Eventually(t, func() bool { return s.Running() == 0 }, time.Second, 5*time.Millisecond)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Same(t, task, got)

	steps, err := s.Steps(task.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestService_SubmitRejectsInvalidRequest(t *testing.T) {
	s := newTestService(t, decide(Decision{Action: "done"}), 10)

	_, err := s.Submit(TaskRequest{Instruction: "x", MaxSteps: 500})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Empty(t, s.List())
}

func TestService_GetUnknownTask(t *testing.T) {
	s := newTestService(t, decide(Decision{Action: "done"}), 10)

	_, err := s.Get("missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Stop("missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Steps("missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestService_StopRunningTask(t *testing.T) {
	s := newTestService(t, slowDecider(20*time.Millisecond), 10)

	task, err := s.Submit(TaskRequest{Instruction: "scroll forever", MaxSteps: 100})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.StepsExecuted() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = s.Stop(task.ID)
	require.NoError(t, err)
	_, err = s.Stop(task.ID)
	require.NoError(t, err, "stop is idempotent")
	waitTerminal(t, task)

	assert.Equal(t, StatusStopped, task.Status())
	assert.Less(t, task.StepsExecuted(), 100)

	// 已结束的任务再次停止是无操作
	_, err = s.Stop(task.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusStopped, task.Status())
}

func TestService_ShutdownStopsRunningAndRefusesNew(t *testing.T) {
	s := newTestService(t, slowDecider(20*time.Millisecond), 10)

	a, err := s.Submit(TaskRequest{Instruction: "first", MaxSteps: 100})
	require.NoError(t, err)
	b, err := s.Submit(TaskRequest{Instruction: "second", MaxSteps: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, StatusStopped, a.Status())
	assert.Equal(t, StatusStopped, b.Status())
	assert.Equal(t, 0, s.Running())

	_, err = s.Submit(TaskRequest{Instruction: "late"})
	assert.True(t, types.IsCode(err, types.ErrPoolClosed))
}

func TestService_FinishedCacheIsBounded(t *testing.T) {
	s := newTestService(t, decide(Decision{Action: "done", Result: "ok"}), 1)

	first, err := s.Submit(TaskRequest{Instruction: "one"})
	require.NoError(t, err)
	waitTerminal(t, first)
	require.Eventually(t, func() bool { return s.Running() == 0 }, time.Second, 5*time.Millisecond)

	second, err := s.Submit(TaskRequest{Instruction: "two"})
	require.NoError(t, err)
	waitTerminal(t, second)
	require.Eventually(t, func() bool { return s.Running() == 0 }, time.Second, 5*time.Millisecond)

	_, err = s.Get(first.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound), "oldest finished task is evicted")
	_, err = s.Get(second.ID)
	assert.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestNewService_RequiresEngine(t *testing.T) {
	_, err := NewService(nil, DefaultServiceConfig(), nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
