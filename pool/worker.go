package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/webpilot/browser"
)

// State 是 worker 在池中的状态
type State string

const (
	StateIdle       State = "idle"
	StateCheckedOut State = "checked_out"
	StateStale      State = "stale"
)

// Worker 池化的浏览器会话句柄。签出期间由持有者独占
type Worker struct {
	ID        string
	Provider  browser.Provider
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	lastUsed time.Time
	uses     int
}

func newWorker(p browser.Provider) *Worker {
	now := time.Now()
	return &Worker{
		ID:        uuid.NewString(),
		Provider:  p,
		CreatedAt: now,
		state:     StateIdle,
		lastUsed:  now,
	}
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastUsed returns when the worker was last checked out or returned.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// Uses returns how many times the worker has been checked out.
func (w *Worker) Uses() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uses
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.lastUsed = time.Now()
	if s == StateCheckedOut {
		w.uses++
	}
}
