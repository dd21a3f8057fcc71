package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/webpilot/types"
)

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusStopped} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusStopped, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusTimeout, true},
		{StatusRunning, StatusPending, false},
		{StatusRunning, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusTimeout, StatusRunning, false},
		{StatusStopped, StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTask_TerminalStatusIsFinal(t *testing.T) {
	task := newTestTask(3, time.Minute)
	_, err := task.start()
	require.NoError(t, err)

	_, err = task.appendStep(Step{Action: "click"}, false)
	require.NoError(t, err)
	require.NoError(t, task.finish(outcome{status: StatusCompleted, result: "done"}, ""))

	err = task.finish(outcome{status: StatusFailed}, "")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	_, err = task.appendStep(Step{Action: "click"}, false)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	_, err = task.start()
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	assert.Equal(t, StatusCompleted, task.Status())
	assert.Len(t, task.Steps(), 1)
	assert.Equal(t, "done", task.Snapshot().Result)
}

func TestTask_StepPositions(t *testing.T) {
	task := newTestTask(5, time.Minute)
	_, err := task.appendStep(Step{Action: "click"}, false)
	assert.Error(t, err, "pending tasks accept no steps")

	_, err = task.start()
	require.NoError(t, err)

	login, err := task.appendStep(Step{Action: ActionLogin}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, login.Position)
	assert.NotEmpty(t, login.ID)
	assert.Equal(t, task.ID, login.TaskID)

	_, err = task.appendStep(Step{Action: ActionLogin}, true)
	assert.Error(t, err, "only one login step, and only first")

	for want := 1; want <= 3; want++ {
		s, err := task.appendStep(Step{Action: "scroll", URLAfter: "https://example.com/" + strings.Repeat("a", want)}, false)
		require.NoError(t, err)
		assert.Equal(t, want, s.Position)
	}
	assert.Equal(t, 3, task.StepsExecuted())
	assert.Equal(t, "https://example.com/aaa", task.Snapshot().FinalURL)
}

func TestTask_StepsAreCopies(t *testing.T) {
	task := newTestTask(5, time.Minute)
	_, _ = task.start()
	_, _ = task.appendStep(Step{Action: "click"}, false)

	steps := task.Steps()
	steps[0].Action = "tampered"
	assert.Equal(t, "click", task.Steps()[0].Action)
}

func TestTask_RequestStopIsIdempotent(t *testing.T) {
	task := newTestTask(5, time.Minute)
	assert.False(t, task.StopRequested())
	assert.True(t, task.RequestStop())
	assert.False(t, task.RequestStop())
	assert.True(t, task.StopRequested())
}

func TestTask_MarshalJSON(t *testing.T) {
	task := newTestTask(5, 90*time.Second)
	task.StartURL = "https://example.com"
	_, _ = task.start()
	require.NoError(t, task.finish(outcome{status: StatusCompleted, extracted: json.RawMessage(`{"a":1}`)}, "https://example.com/end"))

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, float64(90), got["timeout_seconds"])
	assert.Equal(t, "https://example.com/end", got["final_url"])
	assert.Equal(t, map[string]any{"a": float64(1)}, got["extracted"])
	assert.NotNil(t, got["finished_at"])
}

func TestTaskRequest_Validate(t *testing.T) {
	valid := TaskRequest{Instruction: "find pricing", StartURL: "https://example.com", MaxSteps: 10, TimeoutSeconds: 60}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TaskRequest)
		want   string
	}{
		{"empty instruction", func(r *TaskRequest) { r.Instruction = "  " }, "instruction is required"},
		{"relative url", func(r *TaskRequest) { r.StartURL = "/pricing" }, "start_url"},
		{"ftp url", func(r *TaskRequest) { r.StartURL = "ftp://example.com" }, "start_url"},
		{"too many steps", func(r *TaskRequest) { r.MaxSteps = 101 }, "max_steps"},
		{"negative steps", func(r *TaskRequest) { r.MaxSteps = -1 }, "max_steps"},
		{"short timeout", func(r *TaskRequest) { r.TimeoutSeconds = 10 }, "timeout_seconds"},
		{"long timeout", func(r *TaskRequest) { r.TimeoutSeconds = 601 }, "timeout_seconds"},
		{"tiny viewport", func(r *TaskRequest) { r.Viewport = &Viewport{Width: 10, Height: 10} }, "viewport"},
		{"bad schema", func(r *TaskRequest) { r.ExtractionSchema = json.RawMessage(`{`) }, "extraction_schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTaskRequest_TaskAppliesDefaults(t *testing.T) {
	d := DefaultServiceConfig().Defaults
	task, err := TaskRequest{Instruction: "  buy milk  ", CredentialRef: "shop"}.Task(d)
	require.NoError(t, err)

	assert.Equal(t, "buy milk", task.Instruction)
	assert.Equal(t, d.MaxSteps, task.Params.MaxSteps)
	assert.Equal(t, time.Duration(d.TimeoutSeconds)*time.Second, task.Params.Timeout)
	assert.Equal(t, d.Viewport, task.Params.Viewport)
	assert.Equal(t, "shop", task.CredentialRef)
	assert.Equal(t, StatusPending, task.Status())
	assert.NotEmpty(t, task.ID)

	task, err = TaskRequest{Instruction: "x", MaxSteps: 7, TimeoutSeconds: 45, Viewport: &Viewport{Width: 800, Height: 600}}.Task(d)
	require.NoError(t, err)
	assert.Equal(t, 7, task.Params.MaxSteps)
	assert.Equal(t, 45*time.Second, task.Params.Timeout)
	assert.Equal(t, Viewport{Width: 800, Height: 600}, task.Params.Viewport)

	_, err = TaskRequest{}.Task(d)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
