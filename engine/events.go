package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/webpilot/internal/metrics"
	"go.uber.org/zap"
)

// EventType tags an emitted event.
type EventType string

const (
	EventStep     EventType = "step"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// Event is a typed notification about a task. Exactly one payload is set.
type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Step      *StepEvent     `json:"step,omitempty"`
	Progress  *ProgressEvent `json:"progress,omitempty"`
	Complete  *CompleteEvent `json:"complete,omitempty"`
}

// StepEvent describes a recorded step.
type StepEvent struct {
	StepID     string `json:"step_id"`
	Position   int    `json:"position"`
	Action     string `json:"action"`
	Selector   string `json:"selector,omitempty"`
	Value      string `json:"value,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	URLAfter   string `json:"url_after,omitempty"`
}

// ProgressEvent reports loop progress after each step.
type ProgressEvent struct {
	StepsExecuted int    `json:"steps_executed"`
	MaxSteps      int    `json:"max_steps"`
	CurrentAction string `json:"current_action"`
	CurrentURL    string `json:"current_url,omitempty"`
}

// CompleteEvent is emitted once per run after the session is released.
type CompleteEvent struct {
	Status        Status          `json:"status"`
	StepsExecuted int             `json:"steps_executed"`
	Result        string          `json:"result,omitempty"`
	Extracted     json.RawMessage `json:"extracted,omitempty"`
	Error         string          `json:"error,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	FinalURL      string          `json:"final_url,omitempty"`
}

func newStepEvent(s Step) Event {
	return Event{
		Type:      EventStep,
		TaskID:    s.TaskID,
		Timestamp: time.Now(),
		Step: &StepEvent{
			StepID:     s.ID,
			Position:   s.Position,
			Action:     s.Action,
			Selector:   s.Selector,
			Value:      s.Value,
			Success:    s.Success,
			Error:      s.Error,
			DurationMS: s.Duration.Milliseconds(),
			URLAfter:   s.URLAfter,
		},
	}
}

// CompleteEventOf builds the complete event of a finished task.
func CompleteEventOf(s Snapshot) Event {
	return Event{
		Type:      EventComplete,
		TaskID:    s.ID,
		Timestamp: time.Now(),
		Complete: &CompleteEvent{
			Status:        s.Status,
			StepsExecuted: s.StepsExecuted,
			Result:        s.Result,
			Extracted:     s.Extracted,
			Error:         s.Error,
			DurationMS:    s.Duration().Milliseconds(),
			FinalURL:      s.FinalURL,
		},
	}
}

// =============================================================================
// 📡 EventBus
// =============================================================================

// Handler consumes events. Errors and panics are logged and isolated per subscriber.
type Handler func(ctx context.Context, ev Event) error

// DefaultEventQueueSize is used when NewEventBus receives a non-positive size.
const DefaultEventQueueSize = 256

// EventBus fans events out to subscribers from a single dispatcher goroutine, so events
// are delivered in publish order. Publishing never blocks the caller beyond the wait
// it asks for.
type EventBus struct {
	logger  *zap.Logger
	metrics *metrics.Collector

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex // guards closed against sends on the closed queue
	closed bool

	subMu  sync.Mutex
	subs   map[uint64]Handler
	nextID uint64
}

// NewEventBus creates a bus and starts its dispatcher.
func NewEventBus(queueSize int, logger *zap.Logger, collector *metrics.Collector) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	b := &EventBus{
		logger:  logger.With(zap.String("component", "event_bus")),
		metrics: collector,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		subs:    make(map[uint64]Handler),
	}
	go b.dispatch()
	return b
}

// Subscribe registers h and returns a function that removes it.
func (b *EventBus) Subscribe(h Handler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
		})
	}
}

// SubscribeTask registers h for the events of a single task.
func (b *EventBus) SubscribeTask(taskID string, h Handler) func() {
	return b.Subscribe(func(ctx context.Context, ev Event) error {
		if ev.TaskID != taskID {
			return nil
		}
		return h(ctx, ev)
	})
}

// Publish enqueues ev without blocking. It reports false when the queue is full or the
// bus is closed; the drop is counted.
func (b *EventBus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return b.dropped(ev, "closed")
	}
	select {
	case b.queue <- ev:
		return true
	default:
		return b.dropped(ev, "queue full")
	}
}

// PublishWait enqueues ev, waiting at most timeout for queue space.
func (b *EventBus) PublishWait(ev Event, timeout time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return b.dropped(ev, "closed")
	}
	select {
	case b.queue <- ev:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return true
	case <-timer.C:
		return b.dropped(ev, "queue full")
	}
}

func (b *EventBus) dropped(ev Event, why string) bool {
	b.metrics.RecordEventDrop(string(ev.Type))
	b.logger.Warn("event dropped",
		zap.String("type", string(ev.Type)),
		zap.String("task_id", ev.TaskID),
		zap.String("reason", why))
	return false
}

func (b *EventBus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		for _, h := range b.handlers() {
			b.deliver(h, ev)
		}
	}
}

// handlers returns the subscribers in registration order.
func (b *EventBus) handlers() []Handler {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = b.subs[id]
	}
	return out
}

func (b *EventBus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("type", string(ev.Type)),
				zap.String("task_id", ev.TaskID),
				zap.Any("panic", r))
		}
	}()
	if err := h(context.Background(), ev); err != nil {
		b.logger.Warn("event subscriber failed",
			zap.String("type", string(ev.Type)),
			zap.String("task_id", ev.TaskID),
			zap.Error(err))
	}
}

// Close stops accepting events and waits until queued ones are delivered or ctx ends.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}
