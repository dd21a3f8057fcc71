package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/webpilot/types"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusStopped:
		return true
	}
	return false
}

// canTransition 描述单向状态机
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusStopped
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Viewport is the browser window size requested by a task.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Params are the execution budgets of a task.
type Params struct {
	MaxSteps int           `json:"max_steps"`
	Timeout  time.Duration `json:"timeout"`
	Viewport Viewport      `json:"viewport"`
}

// Step is one recorded perceive-decide-act cycle, or the synthetic login step at position 0.
type Step struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Position  int           `json:"position"`
	Action    string        `json:"action"`
	Selector  string        `json:"selector,omitempty"`
	Value     string        `json:"value,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	URLBefore string        `json:"url_before,omitempty"`
	URLAfter  string        `json:"url_after,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ActionLogin is the action name of the credential pre-step.
const ActionLogin = "login"

// =============================================================================
// 🎯 Task
// =============================================================================

// Task is one instruction-driven automation run. The immutable request fields are set
// before the run starts; everything else is guarded by the task's mutex.
type Task struct {
	ID               string
	Instruction      string
	StartURL         string
	Backend          string
	Model            string
	Params           Params
	CredentialRef    string
	ExtractionSchema json.RawMessage
	CreatedAt        time.Time

	mu            sync.Mutex
	status        Status
	steps         []Step
	nextPosition  int
	stepsExecuted int
	result        string
	extracted     json.RawMessage
	errMsg        string
	finalURL      string
	startedAt     time.Time
	finishedAt    time.Time

	stop atomic.Bool
}

// NewTask creates a pending task. Callers coming from the outside should build tasks via
// TaskRequest.Task, which validates the budgets first.
func NewTask(instruction string, params Params) *Task {
	return &Task{
		ID:           uuid.NewString(),
		Instruction:  instruction,
		Params:       params,
		CreatedAt:    time.Now(),
		status:       StatusPending,
		nextPosition: 1,
	}
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StepsExecuted returns the number of loop steps recorded (the login step does not count).
func (t *Task) StepsExecuted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stepsExecuted
}

// Steps returns a copy of the recorded steps in position order.
func (t *Task) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}

// RequestStop sets the stop flag. It reports whether this call set it.
func (t *Task) RequestStop() bool {
	return t.stop.CompareAndSwap(false, true)
}

// StopRequested reports whether a stop has been requested.
func (t *Task) StopRequested() bool {
	return t.stop.Load()
}

func (t *Task) transitionLocked(to Status) error {
	if !canTransition(t.status, to) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: cannot transition from %s to %s", t.ID, t.status, to))
	}
	t.status = to
	return nil
}

// start moves a pending task to running and stamps the start time.
func (t *Task) start() (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(StatusRunning); err != nil {
		return time.Time{}, err
	}
	t.startedAt = time.Now()
	return t.startedAt, nil
}

// outcome is the terminal state a run settles on.
type outcome struct {
	status    Status
	result    string
	extracted json.RawMessage
	err       string
}

// finish applies the terminal outcome exactly once.
func (t *Task) finish(o outcome, finalURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(o.status); err != nil {
		return err
	}
	t.result = o.result
	t.extracted = o.extracted
	t.errMsg = o.err
	if finalURL != "" {
		t.finalURL = finalURL
	}
	t.finishedAt = time.Now()
	return nil
}

// appendStep assigns the next position and stores a copy of s. The login step takes
// position 0 and must be the first one. Appending to a terminal task fails.
func (t *Task) appendStep(s Step, login bool) (Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return Step{}, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s is %s, step not recorded", t.ID, t.status))
	}
	if login {
		if len(t.steps) > 0 {
			return Step{}, types.NewError(types.ErrInvalidTransition, "login step must come first")
		}
		s.Position = 0
	} else {
		s.Position = t.nextPosition
		t.nextPosition++
		t.stepsExecuted++
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.TaskID = t.ID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.URLAfter != "" {
		t.finalURL = s.URLAfter
	}
	t.steps = append(t.steps, s)
	return s, nil
}

// =============================================================================
// 📋 快照
// =============================================================================

// Snapshot is a point-in-time, serializable view of a task.
type Snapshot struct {
	ID               string          `json:"id"`
	Instruction      string          `json:"instruction"`
	StartURL         string          `json:"start_url,omitempty"`
	Backend          string          `json:"backend,omitempty"`
	Model            string          `json:"model,omitempty"`
	MaxSteps         int             `json:"max_steps"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
	Viewport         Viewport        `json:"viewport"`
	CredentialRef    string          `json:"credential_ref,omitempty"`
	ExtractionSchema json.RawMessage `json:"extraction_schema,omitempty"`
	Status           Status          `json:"status"`
	StepsExecuted    int             `json:"steps_executed"`
	Result           string          `json:"result,omitempty"`
	Extracted        json.RawMessage `json:"extracted,omitempty"`
	Error            string          `json:"error,omitempty"`
	FinalURL         string          `json:"final_url,omitempty"`
	StopRequested    bool            `json:"stop_requested"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Snapshot returns the current view of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:               t.ID,
		Instruction:      t.Instruction,
		StartURL:         t.StartURL,
		Backend:          t.Backend,
		Model:            t.Model,
		MaxSteps:         t.Params.MaxSteps,
		TimeoutSeconds:   int(t.Params.Timeout / time.Second),
		Viewport:         t.Params.Viewport,
		CredentialRef:    t.CredentialRef,
		ExtractionSchema: t.ExtractionSchema,
		Status:           t.status,
		StepsExecuted:    t.stepsExecuted,
		Result:           t.result,
		Extracted:        t.extracted,
		Error:            t.errMsg,
		FinalURL:         t.finalURL,
		StopRequested:    t.stop.Load(),
		CreatedAt:        t.CreatedAt,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Duration returns the run time so far, or the total once finished.
func (s Snapshot) Duration() time.Duration {
	switch {
	case s.StartedAt == nil:
		return 0
	case s.FinishedAt != nil:
		return s.FinishedAt.Sub(*s.StartedAt)
	default:
		return time.Since(*s.StartedAt)
	}
}

// MarshalJSON renders the task through its snapshot.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}
