package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/webpilot/browser"
	"github.com/BaSui01/webpilot/browser/browsertest"
	"github.com/BaSui01/webpilot/perception"
	"github.com/BaSui01/webpilot/pool"
	"github.com/BaSui01/webpilot/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.ActionInterval = 0
	cfg.AbandonGrace = 100 * time.Millisecond
	cfg.ActionTimeout = time.Second
	cfg.AcquireTimeout = 2 * time.Second
	cfg.Auth.SettleDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, d Decider, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(d, cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func newTestTask(maxSteps int, timeout time.Duration) *Task {
	return NewTask("open the docs page", Params{MaxSteps: maxSteps, Timeout: timeout})
}

func newEnginePool(t *testing.T, size int, configure func(*browsertest.FakeProvider)) (*pool.Pool, *browsertest.FakeFactory) {
	t.Helper()
	factory := browsertest.NewFakeFactory("chromedp")
	if configure != nil {
		factory.Configure(configure)
	}
	cfg := pool.DefaultConfig()
	cfg.Size = size
	cfg.AcquireTimeout = 2 * time.Second
	cfg.HealthCheckTimeout = 200 * time.Millisecond
	cfg.CloseTimeout = 200 * time.Millisecond
	cfg.ShutdownGrace = 100 * time.Millisecond
	cfg.Browser.Backend = browser.BackendChromeDP
	p, err := pool.New(factory, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, factory
}

var docsButton = perception.Element{
	Index: 1, Tag: "button", ID: "docs", Text: "Docs",
	Rect: perception.Rect{X: 10, Y: 10, Width: 80, Height: 30},
}

func withElements(els ...perception.Element) func(*browsertest.FakeProvider) {
	return func(p *browsertest.FakeProvider) {
		p.OnScript(perception.AnnotateMarker, els)
	}
}

// scriptedDecider 按顺序返回决策，用尽后重复最后一个
type scriptedDecider struct {
	mu        sync.Mutex
	decisions []Decision
	requests  []DecisionRequest
	before    func(ctx context.Context, req DecisionRequest) error
}

func decide(decisions ...Decision) *scriptedDecider {
	return &scriptedDecider{decisions: decisions}
}

func (d *scriptedDecider) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	i := len(d.requests) - 1
	before := d.before
	d.mu.Unlock()

	if before != nil {
		if err := before(ctx, req); err != nil {
			return Decision{}, err
		}
	}
	if i >= len(d.decisions) {
		i = len(d.decisions) - 1
	}
	return d.decisions[i], nil
}

func (d *scriptedDecider) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func clickDocs() Decision {
	return Decision{Action: "click", Index: 1, Reasoning: "open docs"}
}

func positions(steps []Step) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.Position
	}
	return out
}

// =============================================================================
// 📋 场景测试
// =============================================================================

func TestRun_StepBudgetExhaustedCompletes(t *testing.T) {
	p, _ := newEnginePool(t, 1, withElements(docsButton))
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithPool(p))
	task := newTestTask(3, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	snap := task.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.StepsExecuted)
	assert.Contains(t, snap.Result, "Step budget of 3 exhausted")

	steps := task.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, []int{1, 2, 3}, positions(steps))
	for _, s := range steps {
		assert.Equal(t, "click", s.Action)
		assert.Equal(t, "#docs", s.Selector)
		assert.True(t, s.Success)
		assert.Equal(t, task.ID, s.TaskID)
	}

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.CheckedOut)
}

func TestRun_ExhaustedPolicyFailed(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ExhaustedStatus = StatusFailed
	p, _ := newEnginePool(t, 1, withElements(docsButton))
	e := newTestEngine(t, decide(clickDocs()), cfg, WithPool(p))
	task := newTestTask(2, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "exhausted")
	assert.Len(t, task.Steps(), 2)
}

func TestNew_RejectsInvalidExhaustedStatus(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ExhaustedStatus = StatusTimeout
	_, err := New(decide(clickDocs()), cfg, nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = New(nil, testEngineConfig(), nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestRun_RejectsInvalidParams(t *testing.T) {
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig())
	fake := browsertest.NewFakeProvider("fake")

	for _, task := range []*Task{
		newTestTask(0, time.Minute),
		newTestTask(3, 0),
		NewTask("no params", Params{}),
	} {
		err := e.Run(context.Background(), task, RunOptions{Session: fake})
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrValidation))
		assert.Equal(t, StatusPending, task.Status(), "task never starts")
		assert.Empty(t, task.Steps())
	}
}

func TestRun_DoneOnSecondStep(t *testing.T) {
	p, _ := newEnginePool(t, 1, withElements(docsButton))
	d := decide(clickDocs(), Decision{Action: "DONE", Result: "The docs page is open", Reasoning: "goal reached"})
	e := newTestEngine(t, d, testEngineConfig(), WithPool(p))
	task := newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	snap := task.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "The docs page is open", snap.Result)
	assert.Equal(t, 2, snap.StepsExecuted)

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "click", steps[0].Action)
	assert.Equal(t, ActionDone, steps[1].Action)
	assert.True(t, steps[1].Success)

	// 第二次决策能看到第一步的历史
	require.Equal(t, 2, d.calls())
	assert.Len(t, d.requests[1].History, 1)
	assert.Equal(t, 2, d.requests[1].Step)
	assert.Contains(t, d.requests[1].ElementText, `[1] <button>`)
}

func TestRun_StopObservedAtLoopBoundary(t *testing.T) {
	rec := NewMemoryRecorder()
	var task *Task
	stopAfterFirst := &stopRecorder{MemoryRecorder: rec, onStep: func(s Step) {
		if s.Position == 1 {
			task.RequestStop()
		}
	}}
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithRecorder(stopAfterFirst))
	task = newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	snap := task.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.True(t, snap.StopRequested)
	assert.Contains(t, snap.Result, "after 1 steps")
	assert.Len(t, task.Steps(), 1)
	assert.Len(t, rec.Steps(task.ID), 1)
	assert.False(t, fake.Closed(), "caller-owned session must stay open")
}

func TestRun_StopDuringStepLetsItFinish(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	d := decide(clickDocs())
	var task *Task
	d.before = func(_ context.Context, req DecisionRequest) error {
		if req.Step == 2 {
			task.RequestStop()
		}
		return nil
	}
	e := newTestEngine(t, d, testEngineConfig())
	task = newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	assert.Equal(t, StatusStopped, task.Status())
	assert.Len(t, task.Steps(), 2)
	assert.Equal(t, 2, d.calls())
}

type stopRecorder struct {
	*MemoryRecorder
	onStep func(Step)
}

func (r *stopRecorder) SaveStep(ctx context.Context, s Step) error {
	r.onStep(s)
	return r.MemoryRecorder.SaveStep(ctx, s)
}

type stopSourceFunc func(taskID string) bool

func (f stopSourceFunc) StopRequested(_ context.Context, taskID string) (bool, error) {
	return f(taskID), nil
}

func TestRun_StopSourcePolled(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	d := decide(clickDocs())
	e := newTestEngine(t, d, testEngineConfig(),
		WithStopSource(stopSourceFunc(func(string) bool { return true })))
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	assert.Equal(t, StatusStopped, task.Status())
	assert.True(t, task.StopRequested())
	assert.Empty(t, task.Steps())
	assert.Equal(t, 0, d.calls())
}

func TestRun_ParentCancelStops(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := decide(clickDocs())
	d.before = func(ctx context.Context, req DecisionRequest) error {
		if req.Step == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(10, time.Minute)

	require.NoError(t, e.Run(ctx, task, RunOptions{Session: fake}))

	snap := task.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Contains(t, snap.Result, "cancelled")
	assert.Len(t, task.Steps(), 1)
}

func TestRun_TimeoutAbandonsHungDecisionAndDiscardsSession(t *testing.T) {
	p, factory := newEnginePool(t, 1, withElements(docsButton))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d := decide(clickDocs())
	d.before = func(_ context.Context, req DecisionRequest) error {
		if req.Step == 2 {
			<-release // ignores ctx on purpose
		}
		return nil
	}
	cfg := testEngineConfig()
	cfg.AbandonGrace = 50 * time.Millisecond
	// 被放弃的循环可能在测试结束后继续运行，不能使用 zaptest
	e, err := New(d, cfg, zap.NewNop(), WithPool(p))
	require.NoError(t, err)
	task := newTestTask(10, 200*time.Millisecond)

	start := time.Now()
	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))
	elapsed := time.Since(start)

	snap := task.Snapshot()
	assert.Equal(t, StatusTimeout, snap.Status)
	assert.Contains(t, snap.Error, "timeout")
	assert.Less(t, elapsed, 2*time.Second)
	assert.Len(t, task.Steps(), 1)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, 0, stats.CheckedOut)
	first := factory.Created()[0]
	assert.Eventually(t, first.Closed, time.Second, 10*time.Millisecond)

	// 被放弃的会话不会再被签出
	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotSame(t, first, w.Provider)
	p.Release(w)
}

func TestRun_TimeoutWithCooperativeDecision(t *testing.T) {
	p, _ := newEnginePool(t, 1, withElements(docsButton))
	d := decide(clickDocs())
	d.before = func(ctx context.Context, req DecisionRequest) error {
		if req.Step == 2 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	e := newTestEngine(t, d, testEngineConfig(), WithPool(p))
	task := newTestTask(10, 150*time.Millisecond)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	assert.Equal(t, StatusTimeout, task.Status())
	assert.Len(t, task.Steps(), 1)
	assert.Equal(t, int64(1), p.Stats().Discarded, "timed-out session is never released clean")
}

func TestRun_CredentialFallbackRecordedAtPositionZero(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	fake.Strict(true).
		AddElements(`input[type="email"]`, `input[type="password"]`, `button[type="submit"]`).
		SetContent(`<html><body><form><input type="email"><input type="password"></form></body></html>`, "").
		OnAction(func(_ context.Context, p *browsertest.FakeProvider, rec browsertest.ActionRecord) error {
			if rec.Kind == browser.ActionClick && rec.Selector == `button[type="submit"]` {
				p.SetURL("https://app.example.com/dashboard")
				p.SetContent(`<html><body><nav><a href="/logout">Sign out</a></nav></body></html>`, "")
			}
			return nil
		})

	creds := NewStaticCredentials(map[string]Credential{
		"acme": {
			Username:         "ada",
			Password:         "s3cret",
			LoginURL:         "https://app.example.com/login",
			UsernameSelector: "#user",
		},
	})
	d := decide(Decision{Action: "done", Result: "logged in"})
	e := newTestEngine(t, d, testEngineConfig(), WithCredentials(creds))
	task := newTestTask(5, time.Minute)
	task.CredentialRef = "acme"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	login := steps[0]
	assert.Equal(t, 0, login.Position)
	assert.Equal(t, ActionLogin, login.Action)
	assert.True(t, login.Success, login.Error)
	assert.Contains(t, login.Selector, `input[type="email"]`)
	assert.NotContains(t, login.Selector, "#user")
	assert.Equal(t, "acme", login.Value)
	assert.Equal(t, "https://app.example.com/dashboard", login.URLAfter)
	assert.Equal(t, 1, steps[1].Position)

	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, 1, task.StepsExecuted(), "login step does not count toward the budget")

	// 密码只进入浏览器，不出现在记录中
	for _, s := range steps {
		assert.NotContains(t, s.Value, "s3cret")
	}
}

func TestRun_LoginFailureIsNonFatalByDefault(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	e := newTestEngine(t, decide(Decision{Action: "done"}), testEngineConfig(),
		WithCredentials(NewStaticCredentials(nil)))
	task := newTestTask(5, time.Minute)
	task.CredentialRef = "missing"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Position)
	assert.False(t, steps[0].Success)
	assert.Contains(t, steps[0].Error, "credential lookup failed")
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, "Task marked complete", task.Snapshot().Result)
}

func TestRun_LoginFailureFatalWhenConfigured(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	cfg := testEngineConfig()
	cfg.LoginFailureFatal = true
	d := decide(Decision{Action: "done"})
	e := newTestEngine(t, d, cfg)
	task := newTestTask(5, time.Minute)
	task.CredentialRef = "acme"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "login failed")
	assert.Len(t, task.Steps(), 1)
	assert.Equal(t, 0, d.calls())
}

func TestRun_ConsecutiveFailureCap(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	cfg := testEngineConfig()
	cfg.MaxConsecutiveFailures = 2
	e := newTestEngine(t, decide(Decision{Action: "click", Index: 42}), cfg)
	task := newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "2 consecutive step failures")
	steps := task.Steps()
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.False(t, s.Success)
		assert.Contains(t, s.Error, "element index not found")
	}
}

func TestRun_FailedStepsDoNotAbortLoop(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	fake.FailSelector("#docs", errors.New("detached node"))
	d := decide(clickDocs(), Decision{Action: "scroll", Value: "down"}, Decision{Action: "done", Result: "ok"})
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 3)
	assert.False(t, steps[0].Success)
	assert.Contains(t, steps[0].Error, "detached node")
	assert.True(t, steps[1].Success)
	assert.Equal(t, StatusCompleted, task.Status())
}

func TestRun_UnknownActionBecomesFailedStep(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	d := decide(Decision{Action: "teleport"}, Decision{Action: "done", Result: "ok"})
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.Contains(t, steps[0].Error, `unknown action "teleport"`)
}

func TestRun_DecisionErrorRecordedAsFailedStep(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	d := decide(Decision{Action: "done", Result: "ok"})
	d.before = func(_ context.Context, req DecisionRequest) error {
		if req.Step == 1 {
			return errors.New("model overloaded")
		}
		return nil
	}
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "decide", steps[0].Action)
	assert.Contains(t, steps[0].Error, "model overloaded")
	assert.Equal(t, StatusCompleted, task.Status())
}

func TestRun_ExtractRepairsJSONWhenSchemaSet(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	e := newTestEngine(t, decide(Decision{Action: "extract", Value: `{name: 'Widget', price: 9.5,}`}), testEngineConfig())
	task := newTestTask(5, time.Minute)
	task.ExtractionSchema = json.RawMessage(`{"type":"object"}`)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	snap := task.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"name":"Widget","price":9.5}`, string(snap.Extracted))
	steps := task.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, ActionExtract, steps[0].Action)
}

func TestRun_ExtractFallsBackToPageText(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	fake.SetContent("<p>Price: 10</p>", "Price: 10")
	e := newTestEngine(t, decide(Decision{Action: "extract"}), testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	assert.JSONEq(t, `{"text":"Price: 10"}`, string(task.Snapshot().Extracted))
}

func TestRun_CoordinateFallbackUsesRawInput(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	canvas := perception.Element{Index: 1, Tag: "div", Rect: perception.Rect{X: 100, Y: 200, Width: 40, Height: 60}}
	withElements(canvas)(fake)
	d := decide(Decision{Action: "click", Index: 1}, Decision{Action: "done", Result: "ok"})
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.True(t, steps[0].Success)
	assert.Equal(t, "@120,230", steps[0].Selector)

	actions := fake.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, 120.0, actions[0].X)
	assert.Equal(t, 230.0, actions[0].Y)
}

func TestRun_StartURLAndViewport(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	e := newTestEngine(t, decide(Decision{Action: "done", Result: "ok"}), testEngineConfig())
	task := newTestTask(5, time.Minute)
	task.StartURL = "https://docs.example.com"
	task.Params.Viewport = Viewport{Width: 1024, Height: 768}

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	w, h := fake.Viewport()
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)
	assert.Equal(t, "https://docs.example.com", task.Snapshot().FinalURL)
}

func TestRun_StartURLFailureFailsTask(t *testing.T) {
	p, _ := newEnginePool(t, 1, func(fp *browsertest.FakeProvider) {
		fp.FailNavigation(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	})
	d := decide(clickDocs())
	e := newTestEngine(t, d, testEngineConfig(), WithPool(p))
	task := newTestTask(5, time.Minute)
	task.StartURL = "https://nowhere.invalid"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "navigate to start url")
	assert.Empty(t, task.Steps())
	assert.Equal(t, 0, d.calls())
	assert.Equal(t, 0, p.Stats().CheckedOut)
}

func TestRun_PoolClosedFailsTask(t *testing.T) {
	p, _ := newEnginePool(t, 1, nil)
	require.NoError(t, p.Shutdown(context.Background()))
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithPool(p))
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "browser pool is closed")
}

func TestRun_DedicatedBackendSession(t *testing.T) {
	p, pooled := newEnginePool(t, 1, nil)
	rodFactory := browsertest.NewFakeFactory("rod")
	registry := browser.NewRegistry()
	registry.Register(browser.BackendChromeDP, pooled)
	registry.Register(browser.BackendRod, rodFactory, "go-rod")

	e := newTestEngine(t, decide(Decision{Action: "done", Result: "ok"}), testEngineConfig(),
		WithPool(p), WithRegistry(registry))
	task := newTestTask(5, time.Minute)
	task.Backend = "go-rod"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))

	assert.Equal(t, StatusCompleted, task.Status())
	require.Equal(t, 1, rodFactory.Count())
	assert.True(t, rodFactory.Created()[0].Closed())
	assert.Equal(t, 0, pooled.Count())
}

func TestRun_UnknownBackendWithoutRegistry(t *testing.T) {
	p, _ := newEnginePool(t, 1, nil)
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithPool(p))
	task := newTestTask(5, time.Minute)
	task.Backend = "rod"

	require.NoError(t, e.Run(context.Background(), task, RunOptions{}))
	assert.Equal(t, StatusFailed, task.Status())
	assert.Contains(t, task.Snapshot().Error, "not available")
}

func TestRun_RejectsNonPendingTask(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	e := newTestEngine(t, decide(Decision{Action: "done"}), testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))
	err := e.Run(context.Background(), task, RunOptions{Session: fake})
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	assert.Equal(t, StatusCompleted, task.Status())
}

func TestRun_EventsInOrderWithSingleComplete(t *testing.T) {
	bus := NewEventBus(64, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	var (
		mu     sync.Mutex
		events []Event
	)
	completed := make(chan struct{})
	var completes atomic.Int32
	bus.Subscribe(func(_ context.Context, ev Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Type == EventComplete && completes.Add(1) == 1 {
			close(completed)
		}
		return nil
	})

	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	d := decide(clickDocs(), Decision{Action: "done", Result: "finished"})
	e := newTestEngine(t, d, testEngineConfig(), WithEventBus(bus))
	task := newTestTask(10, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("complete event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]EventType, len(events))
	for i, ev := range events {
		kinds[i] = ev.Type
		assert.Equal(t, task.ID, ev.TaskID)
	}
	assert.Equal(t, []EventType{EventStep, EventProgress, EventStep, EventProgress, EventComplete}, kinds)
	assert.Equal(t, 1, events[0].Step.Position)
	assert.Equal(t, 2, events[3].Progress.StepsExecuted)
	assert.Equal(t, 10, events[3].Progress.MaxSteps)
	c := events[4].Complete
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "finished", c.Result)
	assert.Equal(t, 2, c.StepsExecuted)
	assert.Equal(t, int32(1), completes.Load())
}

func TestRun_SubscriberPanicDoesNotAbortRun(t *testing.T) {
	bus := NewEventBus(64, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	bus.Subscribe(func(context.Context, Event) error { panic("subscriber bug") })

	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithEventBus(bus))
	task := newTestTask(3, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Len(t, task.Steps(), 3)
}

type failingRecorder struct{ saves atomic.Int32 }

func (r *failingRecorder) SaveStep(context.Context, Step) error {
	r.saves.Add(1)
	return errors.New("database is down")
}

func (r *failingRecorder) SaveTask(context.Context, Snapshot) error {
	return errors.New("database is down")
}

func TestRun_RecorderErrorsAreNotFatal(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	rec := &failingRecorder{}
	e := newTestEngine(t, decide(clickDocs()), testEngineConfig(), WithRecorder(rec))
	task := newTestTask(2, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, int32(2), rec.saves.Load())
}

func TestRun_RecorderSeesTaskLifecycle(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	rec := NewMemoryRecorder()
	e := newTestEngine(t, decide(Decision{Action: "done", Result: "ok"}), testEngineConfig(), WithRecorder(rec))
	task := newTestTask(2, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	snap, ok := rec.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)
	require.NotNil(t, snap.FinishedAt)
	assert.Len(t, rec.Steps(task.ID), 1)
}

func TestRun_PaceActionsWithInterval(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	cfg := testEngineConfig()
	cfg.ActionInterval = 60 * time.Millisecond
	e := newTestEngine(t, decide(clickDocs()), cfg)
	task := newTestTask(3, time.Minute)

	start := time.Now()
	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	// 首个动作立即执行，之后每个动作至少间隔 ActionInterval
	assert.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond)
	assert.Len(t, task.Steps(), 3)
}

func TestRun_PacingPastDeadlineTimesOut(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	cfg := testEngineConfig()
	cfg.ActionInterval = 5 * time.Second
	e := newTestEngine(t, decide(clickDocs()), cfg)
	task := newTestTask(3, 300*time.Millisecond)

	start := time.Now()
	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	// 第二个动作的等待超过剩余时间：不做不受节流的动作，直接超时
	snap := task.Snapshot()
	assert.Equal(t, StatusTimeout, snap.Status)
	assert.Equal(t, 1, snap.StepsExecuted)
	assert.Contains(t, snap.Error, "exceeded its timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

// =============================================================================
// 🔁 并发与性质测试
// =============================================================================

func TestRun_PoolOfOneSerializesTasks(t *testing.T) {
	p, factory := newEnginePool(t, 1, withElements(docsButton))
	var (
		maxOut  atomic.Int32
		current atomic.Int32
	)
	d := decide(clickDocs())
	d.before = func(context.Context, DecisionRequest) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			old := maxOut.Load()
			if n <= old || maxOut.CompareAndSwap(old, n) {
				break
			}
		}
		if out := p.Stats().CheckedOut; out > 1 {
			return errors.New("more than one worker checked out")
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	e := newTestEngine(t, d, testEngineConfig(), WithPool(p))

	tasks := []*Task{newTestTask(2, time.Minute), newTestTask(2, time.Minute)}
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			assert.NoError(t, e.Run(context.Background(), task, RunOptions{}))
		}(task)
	}
	wg.Wait()

	for _, task := range tasks {
		assert.Equal(t, StatusCompleted, task.Status())
		for _, s := range task.Steps() {
			assert.True(t, s.Success, s.Error)
		}
	}
	assert.Equal(t, int32(1), maxOut.Load())
	assert.Equal(t, 1, factory.Count())
}

// 任意决策序列下，Step 位置从 0（有登录）或 1 开始严格连续递增，终态后不再追加
func TestRun_StepPositionsAreContiguous(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxSteps := rapid.IntRange(1, 6).Draw(rt, "max_steps")
		withLogin := rapid.Bool().Draw(rt, "login")
		n := rapid.IntRange(1, 8).Draw(rt, "decisions")
		decisions := make([]Decision, n)
		for i := range decisions {
			switch rapid.IntRange(0, 3).Draw(rt, "kind") {
			case 0:
				decisions[i] = clickDocs()
			case 1:
				decisions[i] = Decision{Action: "click", Index: 99}
			case 2:
				decisions[i] = Decision{Action: "scroll", Value: "down"}
			default:
				decisions[i] = Decision{Action: "done", Result: "ok"}
			}
		}

		fake := browsertest.NewFakeProvider("fake")
		withElements(docsButton)(fake)
		cfg := testEngineConfig()
		cfg.MaxConsecutiveFailures = 0
		e, err := New(decide(decisions...), cfg, nil)
		if err != nil {
			rt.Fatalf("new engine: %v", err)
		}
		task := newTestTask(maxSteps, time.Minute)
		if withLogin {
			task.CredentialRef = "none"
		}
		if err := e.Run(context.Background(), task, RunOptions{Session: fake}); err != nil {
			rt.Fatalf("run: %v", err)
		}

		steps := task.Steps()
		first := 1
		if withLogin {
			first = 0
		}
		for i, s := range steps {
			if s.Position != first+i {
				rt.Fatalf("positions %v not contiguous from %d", positions(steps), first)
			}
		}
		if got := task.StepsExecuted(); got > maxSteps {
			rt.Fatalf("executed %d steps with a budget of %d", got, maxSteps)
		}
		if !task.Status().Terminal() {
			rt.Fatalf("status %s is not terminal", task.Status())
		}
		if _, err := task.appendStep(Step{Action: "click"}, false); err == nil {
			rt.Fatalf("step appended after terminal status")
		}
	})
}

func TestRun_ValueIsTruncatedInSteps(t *testing.T) {
	fake := browsertest.NewFakeProvider("fake")
	withElements(docsButton)(fake)
	long := strings.Repeat("x", 2*maxStepValueRunes)
	d := decide(Decision{Action: "fill", Index: 1, Value: long}, Decision{Action: "done", Result: "ok"})
	e := newTestEngine(t, d, testEngineConfig())
	task := newTestTask(5, time.Minute)

	require.NoError(t, e.Run(context.Background(), task, RunOptions{Session: fake}))

	steps := task.Steps()
	require.Len(t, steps, 2)
	assert.Len(t, []rune(steps[0].Value), maxStepValueRunes+3)
	assert.Equal(t, long, fake.Actions()[0].Value, "the browser receives the full value")
}
