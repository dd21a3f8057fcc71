package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/webpilot/browser"
	"github.com/BaSui01/webpilot/internal/metrics"
	"github.com/BaSui01/webpilot/perception"
	"github.com/BaSui01/webpilot/pool"
	"github.com/BaSui01/webpilot/types"
	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	instrumentationName = "github.com/BaSui01/webpilot/engine"
	maxExtractRunes     = 20000
	maxStepValueRunes   = 500
)

// SessionPool is the part of *pool.Pool the engine depends on.
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Worker, error)
	Release(w *pool.Worker)
	Discard(w *pool.Worker, reason string)
	Backend() string
}

// Config tunes the run loop.
type Config struct {
	AcquireTimeout         time.Duration
	AbandonGrace           time.Duration // wait for the loop after the deadline before abandoning it
	ActionTimeout          time.Duration // per-action ceiling, always bounded by the task deadline
	ActionInterval         time.Duration // minimum spacing between browser actions; 0 disables pacing
	ElementLimit           int
	PromptTokenBudget      int
	HistorySize            int
	MaxConsecutiveFailures int    // 0 disables the cap
	ExhaustedStatus        Status // outcome when the step budget runs out
	LoginFailureFatal      bool
	CompleteEventWait      time.Duration
	RecorderTimeout        time.Duration
	Auth                   AuthConfig
	Browser                browser.Config // used for dedicated, non-pooled sessions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:         30 * time.Second,
		AbandonGrace:           5 * time.Second,
		ActionTimeout:          30 * time.Second,
		ActionInterval:         250 * time.Millisecond,
		ElementLimit:           150,
		PromptTokenBudget:      6000,
		HistorySize:            10,
		MaxConsecutiveFailures: 5,
		ExhaustedStatus:        StatusCompleted,
		CompleteEventWait:      2 * time.Second,
		RecorderTimeout:        5 * time.Second,
		Auth:                   DefaultAuthConfig(),
		Browser:                browser.DefaultConfig(),
	}
}

// RunOptions carries per-run collaborators.
type RunOptions struct {
	// Session is a caller-owned browser session. The engine uses it as is and never
	// releases or closes it.
	Session browser.Provider
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool sets the shared session pool.
func WithPool(p SessionPool) Option { return func(e *Engine) { e.pool = p } }

// WithRegistry sets the backend registry used for dedicated sessions.
func WithRegistry(r *browser.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithCredentials sets the credential lookup.
func WithCredentials(c CredentialLookup) Option { return func(e *Engine) { e.credentials = c } }

// WithRecorder sets the step/task recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithStopSource sets an external stop flag source.
func WithStopSource(s StopSource) Option { return func(e *Engine) { e.stops = s } }

// WithEventBus sets the event bus.
func WithEventBus(b *EventBus) Option { return func(e *Engine) { e.events = b } }

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithDescriber overrides the element describer.
func WithDescriber(d *perception.Describer) Option { return func(e *Engine) { e.describer = d } }

// =============================================================================
// 🎯 Engine
// =============================================================================

// Engine runs tasks: perceive, decide, act, record, until a terminal condition.
type Engine struct {
	cfg         Config
	decider     Decider
	pool        SessionPool
	registry    *browser.Registry
	credentials CredentialLookup
	recorder    Recorder
	stops       StopSource
	events      *EventBus
	describer   *perception.Describer
	auth        *Authenticator
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New creates an engine.
func New(decider Decider, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if decider == nil {
		return nil, types.NewError(types.ErrValidation, "engine requires a decider")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExhaustedStatus == "" {
		cfg.ExhaustedStatus = StatusCompleted
	}
	if cfg.ExhaustedStatus != StatusCompleted && cfg.ExhaustedStatus != StatusFailed {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("exhausted status must be completed or failed, got %q", cfg.ExhaustedStatus))
	}
	defaults := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.RecorderTimeout <= 0 {
		cfg.RecorderTimeout = defaults.RecorderTimeout
	}
	if cfg.CompleteEventWait <= 0 {
		cfg.CompleteEventWait = defaults.CompleteEventWait
	}

	e := &Engine{
		cfg:     cfg,
		decider: decider,
		logger:  logger.With(zap.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.describer == nil {
		e.describer = perception.NewDescriber(perception.EstimateCounter{}, cfg.ElementLimit, cfg.PromptTokenBudget)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	e.auth = NewAuthenticator(cfg.Auth, logger)
	return e, nil
}

// Events returns the event bus, or nil.
func (e *Engine) Events() *EventBus { return e.events }

// run is the state of one task execution.
type run struct {
	task     *Task
	parent   context.Context
	deadline time.Time
	session  browser.Provider
	log      *zap.Logger

	history  []HistoryEntry
	failures int
}

// interrupted reports the outcome forced by the deadline or by parent cancellation.
func (r *run) interrupted() (outcome, bool) {
	if !time.Now().Before(r.deadline) {
		return outcome{
			status: StatusTimeout,
			err:    fmt.Sprintf("task exceeded its timeout of %s after %d steps", r.task.Params.Timeout, r.task.StepsExecuted()),
		}, true
	}
	if err := r.parent.Err(); err != nil {
		return outcome{
			status: StatusStopped,
			result: fmt.Sprintf("Run cancelled after %d steps: %v", r.task.StepsExecuted(), err),
		}, true
	}
	return outcome{}, false
}

// Run executes a pending task to a terminal status. It returns an error only when the
// task cannot start; every run failure is reported through the task itself.
func (e *Engine) Run(ctx context.Context, task *Task, opts RunOptions) error {
	if task.Params.MaxSteps <= 0 || task.Params.Timeout <= 0 {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("task %s needs a positive step budget and timeout (max_steps=%d, timeout=%s)",
				task.ID, task.Params.MaxSteps, task.Params.Timeout))
	}
	startedAt, err := task.start()
	if err != nil {
		return err
	}
	deadline := startedAt.Add(task.Params.Timeout)
	log := e.logger.With(zap.String("task_id", task.ID))

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.max_steps", task.Params.MaxSteps),
		attribute.String("task.backend", task.Backend),
	))
	defer span.End()

	log.Info("task started",
		zap.Int("max_steps", task.Params.MaxSteps),
		zap.Duration("timeout", task.Params.Timeout))
	e.saveTask(ctx, task.Snapshot(), log)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	r := &run{task: task, parent: ctx, deadline: deadline, log: log}

	var (
		res       outcome
		sess      *session
		abandoned bool
	)
	sess, err = e.openSession(runCtx, task, opts)
	if err != nil {
		if o, ok := r.interrupted(); ok {
			res = o
		} else {
			res = outcome{status: StatusFailed, err: fmt.Sprintf("acquire browser session: %v", err)}
		}
		log.Warn("session unavailable", zap.Error(err))
	} else {
		r.session = sess.provider
		res, abandoned = e.supervise(runCtx, r)
	}

	finalURL := ""
	if sess != nil && !abandoned {
		finalURL = e.currentURL(context.WithoutCancel(ctx), sess.provider)
	}
	if err := task.finish(res, finalURL); err != nil {
		log.Error("terminal transition rejected", zap.Error(err))
	}
	if sess != nil {
		e.closeSession(sess, res.status, abandoned, log)
	}

	snap := task.Snapshot()
	e.saveTask(ctx, snap, log)
	e.metrics.RecordTask(string(snap.Status), snap.Duration())
	span.SetAttributes(
		attribute.String("task.status", string(snap.Status)),
		attribute.Int("task.steps", snap.StepsExecuted),
	)
	if snap.Status == StatusFailed || snap.Status == StatusTimeout {
		span.SetStatus(codes.Error, snap.Error)
	}
	if e.events != nil {
		e.events.PublishWait(CompleteEventOf(snap), e.cfg.CompleteEventWait)
	}

	log.Info("task finished",
		zap.String("status", string(snap.Status)),
		zap.Int("steps", snap.StepsExecuted),
		zap.Duration("duration", snap.Duration()),
		zap.String("error", snap.Error))
	return nil
}

// supervise runs the loop in its own goroutine and abandons it when it outlives the
// deadline (or a parent cancellation) by more than AbandonGrace.
func (e *Engine) supervise(runCtx context.Context, r *run) (outcome, bool) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("run loop panicked", zap.Any("panic", rec), zap.Stack("stack"))
				done <- outcome{status: StatusFailed, err: fmt.Sprintf("internal error: %v", rec)}
			}
		}()
		done <- e.loop(runCtx, r)
	}()

	select {
	case res := <-done:
		return res, false
	case <-runCtx.Done():
	}

	grace := time.NewTimer(e.cfg.AbandonGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return res, false
	case <-grace.C:
		res, ok := r.interrupted()
		if !ok {
			res = outcome{status: StatusTimeout, err: "run did not stop after cancellation"}
		}
		r.log.Warn("run loop abandoned", zap.Duration("grace", e.cfg.AbandonGrace))
		return res, true
	}
}

// =============================================================================
// 🔁 主循环
// =============================================================================

func (e *Engine) loop(ctx context.Context, r *run) outcome {
	task := r.task
	p := r.session

	if vp := task.Params.Viewport; vp.Width > 0 && vp.Height > 0 {
		if vs, ok := p.(browser.ViewportSetter); ok {
			if err := vs.SetViewport(ctx, vp.Width, vp.Height); err != nil {
				r.log.Warn("set viewport failed", zap.Error(err))
			}
		}
	}

	if task.StartURL != "" {
		actx, cancel := e.actionContext(ctx)
		err := p.Navigate(actx, task.StartURL)
		cancel()
		if err != nil {
			if o, ok := r.interrupted(); ok {
				return o
			}
			return outcome{status: StatusFailed, err: fmt.Sprintf("navigate to start url: %v", err)}
		}
	}

	if task.CredentialRef != "" {
		if o, stop := e.loginStep(ctx, r); stop {
			return o
		}
	}

	var limiter *rate.Limiter
	if e.cfg.ActionInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.cfg.ActionInterval), 1)
	}

	for {
		if o, ok := e.checkStop(ctx, r); ok {
			return o
		}
		if o, ok := r.interrupted(); ok {
			return o
		}
		if task.StepsExecuted() >= task.Params.MaxSteps {
			return e.exhausted(r)
		}
		if o, done := e.iterate(ctx, r, limiter); done {
			return o
		}
	}
}

func (e *Engine) checkStop(ctx context.Context, r *run) (outcome, bool) {
	stopped := r.task.StopRequested()
	if !stopped && e.stops != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ok, err := e.stops.StopRequested(sctx, r.task.ID)
		cancel()
		if err != nil {
			r.log.Debug("stop source poll failed", zap.Error(err))
		}
		if ok {
			r.task.RequestStop()
			stopped = true
		}
	}
	if !stopped {
		return outcome{}, false
	}
	r.log.Info("stop requested, leaving loop")
	return outcome{
		status: StatusStopped,
		result: fmt.Sprintf("Stopped by request after %d steps", r.task.StepsExecuted()),
	}, true
}

// iterate runs one perceive-decide-act cycle. It reports true when the run is over.
func (e *Engine) iterate(ctx context.Context, r *run, limiter *rate.Limiter) (outcome, bool) {
	task := r.task
	p := r.session
	stepNo := task.StepsExecuted() + 1

	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("step", stepNo),
	))
	defer span.End()

	urlBefore := e.currentURL(ctx, p)

	elements, err := perception.Annotate(ctx, p)
	if err != nil {
		if o, ok := r.interrupted(); ok {
			return o, true
		}
		span.RecordError(err)
		return e.finishStep(ctx, r, Step{
			Action:    "perceive",
			Error:     fmt.Sprintf("annotate page: %v", err),
			URLBefore: urlBefore,
			URLAfter:  urlBefore,
		})
	}

	decision, err := e.decider.Decide(ctx, DecisionRequest{
		TaskID:           task.ID,
		Instruction:      task.Instruction,
		Model:            task.Model,
		CurrentURL:       urlBefore,
		Step:             stepNo,
		MaxSteps:         task.Params.MaxSteps,
		Elements:         elements,
		ElementText:      e.describer.Describe(elements),
		History:          append([]HistoryEntry(nil), r.history...),
		ExtractionSchema: task.ExtractionSchema,
	})
	if cerr := perception.Clear(ctx, p); cerr != nil {
		r.log.Debug("clear markers failed", zap.Error(cerr))
	}
	if err != nil {
		if o, ok := r.interrupted(); ok {
			return o, true
		}
		span.RecordError(err)
		return e.finishStep(ctx, r, Step{
			Action:    "decide",
			Error:     fmt.Sprintf("decision failed: %v", err),
			URLBefore: urlBefore,
			URLAfter:  urlBefore,
		})
	}
	decision = decision.Normalized()
	span.SetAttributes(attribute.String("action", decision.Action))

	switch decision.Action {
	case ActionDone:
		result := firstNonEmpty(decision.Result, decision.Value, decision.Reasoning, "Task marked complete")
		e.record(ctx, r, Step{
			Action:    ActionDone,
			Value:     truncate(result, maxStepValueRunes),
			Success:   true,
			Reasoning: decision.Reasoning,
			URLBefore: urlBefore,
			URLAfter:  urlBefore,
		}, false)
		return outcome{status: StatusCompleted, result: result}, true

	case ActionExtract:
		start := time.Now()
		data, err := e.extract(ctx, task, p, decision)
		step := Step{
			Action:    ActionExtract,
			Reasoning: decision.Reasoning,
			Duration:  time.Since(start),
			URLBefore: urlBefore,
			URLAfter:  urlBefore,
		}
		if err != nil {
			step.Error = fmt.Sprintf("extract: %v", err)
			return e.finishStep(ctx, r, step)
		}
		step.Success = true
		step.Value = truncate(string(data), maxStepValueRunes)
		e.record(ctx, r, step, false)
		return outcome{
			status:    StatusCompleted,
			result:    firstNonEmpty(decision.Result, "Data extracted"),
			extracted: data,
		}, true
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if o, ok := r.interrupted(); ok {
				return o, true
			}
			// 下一个动作的节流等待会越过截止时间，动作不再执行
			r.log.Debug("action pacing would pass the deadline", zap.Error(err))
			return outcome{
				status: StatusTimeout,
				err: fmt.Sprintf("task exceeded its timeout of %s after %d steps: %v",
					r.task.Params.Timeout, r.task.StepsExecuted(), err),
			}, true
		}
	}

	start := time.Now()
	target, err := e.act(ctx, p, elements, decision)
	step := Step{
		Action:    decision.Action,
		Selector:  target,
		Value:     truncate(decision.Value, maxStepValueRunes),
		Success:   err == nil,
		Duration:  time.Since(start),
		URLBefore: urlBefore,
		Reasoning: decision.Reasoning,
	}
	if err != nil {
		step.Error = err.Error()
		span.RecordError(err)
	}
	step.URLAfter = e.currentURL(ctx, p)
	return e.finishStep(ctx, r, step)
}

// finishStep records a loop step and applies the consecutive-failure cap.
func (e *Engine) finishStep(ctx context.Context, r *run, s Step) (outcome, bool) {
	recorded, ok := e.record(ctx, r, s, false)
	if !ok {
		return outcome{status: r.task.Status()}, true
	}
	if recorded.Success {
		r.failures = 0
		return outcome{}, false
	}
	r.failures++
	if o, ok := r.interrupted(); ok {
		return o, true
	}
	if limit := e.cfg.MaxConsecutiveFailures; limit > 0 && r.failures >= limit {
		return outcome{
			status: StatusFailed,
			err:    fmt.Sprintf("%d consecutive step failures, last: %s", r.failures, recorded.Error),
		}, true
	}
	return outcome{}, false
}

// record appends s to the task, then persists and publishes it. It reports false when
// the task no longer accepts steps.
func (e *Engine) record(ctx context.Context, r *run, s Step, login bool) (Step, bool) {
	recorded, err := r.task.appendStep(s, login)
	if err != nil {
		r.log.Debug("step not recorded", zap.String("action", s.Action), zap.Error(err))
		return Step{}, false
	}
	r.remember(recorded, e.cfg.HistorySize)

	e.metrics.RecordStep(recorded.Action, recorded.Success, recorded.Duration)
	if e.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecorderTimeout)
		if err := e.recorder.SaveStep(rctx, recorded); err != nil {
			r.log.Warn("save step failed", zap.Int("position", recorded.Position), zap.Error(err))
		}
		cancel()
	}
	if e.events != nil {
		e.events.Publish(newStepEvent(recorded))
		e.events.Publish(Event{
			Type:      EventProgress,
			TaskID:    r.task.ID,
			Timestamp: time.Now(),
			Progress: &ProgressEvent{
				StepsExecuted: r.task.StepsExecuted(),
				MaxSteps:      r.task.Params.MaxSteps,
				CurrentAction: recorded.Action,
				CurrentURL:    recorded.URLAfter,
			},
		})
	}

	r.log.Debug("step recorded",
		zap.Int("position", recorded.Position),
		zap.String("action", recorded.Action),
		zap.String("selector", recorded.Selector),
		zap.Bool("success", recorded.Success),
		zap.Duration("duration", recorded.Duration))
	return recorded, true
}

func (r *run) remember(s Step, limit int) {
	r.history = append(r.history, HistoryEntry{
		Position: s.Position,
		Action:   s.Action,
		Target:   s.Selector,
		Value:    truncate(s.Value, 120),
		Success:  s.Success,
		Error:    s.Error,
		URL:      s.URLAfter,
	})
	if over := len(r.history) - limit; over > 0 {
		r.history = append([]HistoryEntry(nil), r.history[over:]...)
	}
}

// exhausted builds the outcome for a spent step budget.
func (e *Engine) exhausted(r *run) outcome {
	var b strings.Builder
	fmt.Fprintf(&b, "Step budget of %d exhausted without a completion signal", r.task.Params.MaxSteps)
	if n := len(r.history); n > 0 {
		from := n - 3
		if from < 0 {
			from = 0
		}
		parts := make([]string, 0, n-from)
		for _, h := range r.history[from:] {
			state := "ok"
			if !h.Success {
				state = "failed"
			}
			parts = append(parts, strings.TrimSpace(fmt.Sprintf("%s %s (%s)", h.Action, h.Target, state)))
		}
		b.WriteString("; last actions: ")
		b.WriteString(strings.Join(parts, ", "))
	}
	o := outcome{status: e.cfg.ExhaustedStatus, result: b.String()}
	if o.status == StatusFailed {
		o.err = o.result
	}
	r.log.Info("step budget exhausted", zap.String("status", string(o.status)))
	return o
}

// =============================================================================
// 🖱️ 动作执行
// =============================================================================

var loopActions = map[browser.ActionKind]bool{
	browser.ActionClick:    true,
	browser.ActionFill:     true,
	browser.ActionHover:    true,
	browser.ActionSelect:   true,
	browser.ActionPress:    true,
	browser.ActionType:     true,
	browser.ActionScroll:   true,
	browser.ActionWait:     true,
	browser.ActionNavigate: true,
	browser.ActionBack:     true,
	browser.ActionRefresh:  true,
}

// act resolves the decision's target and executes it. It returns the target string
// recorded on the step.
func (e *Engine) act(ctx context.Context, p browser.Provider, elements []perception.Element, d Decision) (string, error) {
	kind := browser.ActionKind(d.Action)
	if !loopActions[kind] {
		return "", types.NewError(types.ErrDecision, fmt.Sprintf("unknown action %q", d.Action))
	}

	selector := d.Selector
	if d.Index > 0 {
		loc, err := perception.Resolve(elements, d.Index)
		if err != nil {
			return "", err
		}
		if loc.Coordinates {
			actx, cancel := e.actionContext(ctx)
			defer cancel()
			return loc.String(), actAt(actx, p, kind, loc, d.Value)
		}
		selector = loc.Selector
	}

	actx, cancel := e.actionContext(ctx)
	defer cancel()
	return selector, p.PerformAction(actx, kind, selector, d.Value)
}

// actAt dispatches raw input for elements that have no stable selector.
func actAt(ctx context.Context, p browser.Provider, kind browser.ActionKind, loc perception.Locator, value string) error {
	in, ok := p.(browser.InputDispatcher)
	if !ok {
		return browser.NewProviderError(p.Name(), string(kind),
			fmt.Errorf("backend cannot dispatch input at %s", loc))
	}
	switch kind {
	case browser.ActionClick:
		return in.ClickAt(ctx, loc.X, loc.Y)
	case browser.ActionFill, browser.ActionType:
		if err := in.ClickAt(ctx, loc.X, loc.Y); err != nil {
			return err
		}
		return in.TypeText(ctx, value)
	default:
		return browser.NewProviderError(p.Name(), string(kind),
			fmt.Errorf("element at %s has no selector", loc))
	}
}

// extract builds the payload of an extract decision.
func (e *Engine) extract(ctx context.Context, task *Task, p browser.Provider, d Decision) (json.RawMessage, error) {
	if raw := strings.TrimSpace(d.Value); raw != "" {
		if json.Valid([]byte(raw)) {
			return json.RawMessage(raw), nil
		}
		if len(task.ExtractionSchema) > 0 {
			if repaired, err := jsonrepair.JSONRepair(raw); err == nil && json.Valid([]byte(repaired)) {
				return json.RawMessage(repaired), nil
			}
		}
		return json.Marshal(raw)
	}

	actx, cancel := e.actionContext(ctx)
	defer cancel()
	text, err := p.PageContent(actx, browser.ContentText)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"text": truncate(strings.TrimSpace(text), maxExtractRunes)})
}

// =============================================================================
// 🔐 登录前置步骤
// =============================================================================

func (e *Engine) loginStep(ctx context.Context, r *run) (outcome, bool) {
	task := r.task
	urlBefore := e.currentURL(ctx, r.session)

	var res LoginResult
	switch {
	case e.credentials == nil:
		res.Message = "no credential lookup configured"
	default:
		cred, err := e.credentials.Lookup(ctx, task.CredentialRef)
		if err != nil {
			res.Message = fmt.Sprintf("credential lookup failed: %v", err)
		} else {
			res = e.auth.Login(ctx, r.session, cred)
		}
	}

	var used []string
	for _, s := range []string{res.UsernameSelector, res.PasswordSelector, res.SubmitSelector} {
		if s != "" {
			used = append(used, s)
		}
	}
	step := Step{
		Action:    ActionLogin,
		Selector:  strings.Join(used, " | "),
		Value:     task.CredentialRef,
		Success:   res.Success,
		Duration:  res.Duration,
		URLBefore: firstNonEmpty(res.URLBefore, urlBefore),
		URLAfter:  firstNonEmpty(res.URLAfter, res.URLBefore, urlBefore),
		Reasoning: res.Message,
	}
	if !res.Success {
		step.Error = res.Message
	}
	if _, ok := e.record(ctx, r, step, true); !ok {
		return outcome{status: task.Status()}, true
	}

	if res.Success {
		return outcome{}, false
	}
	if o, ok := r.interrupted(); ok {
		return o, true
	}
	if e.cfg.LoginFailureFatal {
		return outcome{status: StatusFailed, err: "login failed: " + res.Message}, true
	}
	r.log.Warn("login pre-step failed, continuing", zap.String("message", res.Message))
	return outcome{}, false
}

// =============================================================================
// 🧩 会话管理
// =============================================================================

type sessionKind int

const (
	sessionCaller sessionKind = iota
	sessionPooled
	sessionDedicated
)

type session struct {
	kind     sessionKind
	provider browser.Provider
	worker   *pool.Worker
}

// openSession picks the caller's session, a dedicated backend session, or a pooled one.
func (e *Engine) openSession(ctx context.Context, task *Task, opts RunOptions) (*session, error) {
	if opts.Session != nil {
		return &session{kind: sessionCaller, provider: opts.Session}, nil
	}

	if backend := strings.TrimSpace(task.Backend); backend != "" && !e.poolServes(backend) {
		if e.registry == nil {
			return nil, types.NewError(types.ErrValidation, fmt.Sprintf("browser backend %q is not available", backend))
		}
		cfg := e.cfg.Browser
		if vp := task.Params.Viewport; vp.Width > 0 && vp.Height > 0 {
			cfg.ViewportWidth, cfg.ViewportHeight = vp.Width, vp.Height
		}
		p, err := e.registry.Create(ctx, backend, cfg)
		if err != nil {
			return nil, types.NewError(types.ErrProvider, "failed to create dedicated browser session").WithCause(err)
		}
		return &session{kind: sessionDedicated, provider: p}, nil
	}

	if e.pool == nil {
		return nil, types.NewError(types.ErrInternalError, "no browser session source configured")
	}
	w, err := e.pool.Acquire(ctx, e.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	return &session{kind: sessionPooled, provider: w.Provider, worker: w}, nil
}

func (e *Engine) poolServes(backend string) bool {
	if e.pool == nil {
		return false
	}
	want, pooled := strings.ToLower(backend), strings.ToLower(e.pool.Backend())
	if e.registry != nil {
		want, _ = e.registry.Resolve(backend)
		pooled, _ = e.registry.Resolve(e.pool.Backend())
	}
	return want == pooled
}

// closeSession hands the session back. Timed-out or abandoned pooled sessions are
// discarded, never returned clean.
func (e *Engine) closeSession(s *session, status Status, abandoned bool, log *zap.Logger) {
	switch s.kind {
	case sessionCaller:
		return
	case sessionPooled:
		if abandoned || status == StatusTimeout {
			e.pool.Discard(s.worker, pool.ReasonTimeout)
			return
		}
		e.pool.Release(s.worker)
	case sessionDedicated:
		closeFn := func() {
			if err := s.provider.Close(); err != nil {
				log.Warn("close dedicated session failed", zap.Error(err))
			}
		}
		if abandoned {
			go closeFn()
			return
		}
		closeFn()
	}
}

// =============================================================================
// 🔧 工具函数
// =============================================================================

func (e *Engine) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ActionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.ActionTimeout)
}

func (e *Engine) currentURL(ctx context.Context, p browser.Provider) string {
	uctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u, err := p.CurrentURL(uctx)
	if err != nil {
		return ""
	}
	return u
}

func (e *Engine) saveTask(ctx context.Context, snap Snapshot, log *zap.Logger) {
	if e.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecorderTimeout)
	defer cancel()
	if err := e.recorder.SaveTask(rctx, snap); err != nil {
		log.Warn("save task failed", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
