// =============================================================================
// 🧪 FakeProvider - 可编排的浏览器后端
// =============================================================================
// 用于测试的 browser.Provider 实现，不启动真实浏览器
//
// 使用方法:
//
//	p := browsertest.NewFakeProvider("fake")
//	p.AddElements("#username", "#password")
//	p.OnScript(perception.AnnotateMarker, elements)
//	err := p.PerformAction(ctx, browser.ActionFill, "#username", "alice")
// =============================================================================
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/webpilot/browser"
)

// ErrClosed is returned by every operation on a closed fake.
var ErrClosed = errors.New("session closed")

// ActionRecord 记录一次 PerformAction / ClickAt / TypeText 调用
type ActionRecord struct {
	Kind     browser.ActionKind
	Selector string
	Value    string
	X, Y     float64
}

// ActionHook 在动作执行时被调用；返回错误即动作失败
type ActionHook func(ctx context.Context, p *FakeProvider, rec ActionRecord) error

type scriptRule struct {
	match  string
	result any
	err    error
	fn     func(script string) (any, error)
}

// =============================================================================
// 🎯 FakeProvider 结构
// =============================================================================

// FakeProvider 是 browser.Provider 的模拟实现
type FakeProvider struct {
	name string

	mu       sync.Mutex
	url      string
	html     string
	text     string
	present  map[string]bool
	failSel  map[string]error
	strict   bool
	rules    []scriptRule
	hook     ActionHook
	actions  []ActionRecord
	scripts  []string
	cookies  []browser.Cookie
	viewport [2]int
	navErr   error

	healthy  atomic.Bool
	closed   atomic.Bool
	closes   atomic.Int32
	closeErr error
}

var (
	_ browser.Provider        = (*FakeProvider)(nil)
	_ browser.InputDispatcher = (*FakeProvider)(nil)
	_ browser.ViewportSetter  = (*FakeProvider)(nil)
)

// NewFakeProvider 创建健康的、位于 about:blank 的模拟后端
func NewFakeProvider(name string) *FakeProvider {
	p := &FakeProvider{
		name:    name,
		url:     "about:blank",
		present: make(map[string]bool),
		failSel: make(map[string]error),
	}
	p.healthy.Store(true)
	return p
}

// =============================================================================
// 🔧 编排方法
// =============================================================================

// AddElements marks selectors as present and visible.
func (p *FakeProvider) AddElements(selectors ...string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.present[s] = true
	}
	return p
}

// RemoveElements marks selectors as absent.
func (p *FakeProvider) RemoveElements(selectors ...string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.present, s)
	}
	return p
}

// Strict makes selector-based actions fail for selectors not added with AddElements.
func (p *FakeProvider) Strict(on bool) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strict = on
	return p
}

// FailSelector makes every action on selector fail with err.
func (p *FakeProvider) FailSelector(selector string, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSel[selector] = err
	return p
}

// OnScript answers scripts containing match with result (or err).
func (p *FakeProvider) OnScript(match string, result any) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, scriptRule{match: match, result: result})
	return p
}

// OnScriptError makes scripts containing match fail with err.
func (p *FakeProvider) OnScriptError(match string, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, scriptRule{match: match, err: err})
	return p
}

// OnScriptFunc answers scripts containing match dynamically.
func (p *FakeProvider) OnScriptFunc(match string, fn func(script string) (any, error)) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, scriptRule{match: match, fn: fn})
	return p
}

// OnAction installs a hook called for every action.
func (p *FakeProvider) OnAction(hook ActionHook) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
	return p
}

// SetContent sets the page HTML and visible text.
func (p *FakeProvider) SetContent(html, text string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
	p.text = text
	return p
}

// SetURL sets the current location.
func (p *FakeProvider) SetURL(u string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
	return p
}

// FailNavigation makes Navigate fail with err.
func (p *FakeProvider) FailNavigation(err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navErr = err
	return p
}

// SetHealthy toggles the liveness probe.
func (p *FakeProvider) SetHealthy(ok bool) { p.healthy.Store(ok) }

// SetCloseError makes Close return err.
func (p *FakeProvider) SetCloseError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// =============================================================================
// 🔍 观测方法
// =============================================================================

// Actions returns a copy of the recorded actions.
func (p *FakeProvider) Actions() []ActionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ActionRecord(nil), p.actions...)
}

// Scripts returns every evaluated script.
func (p *FakeProvider) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// Cookies returns injected cookies.
func (p *FakeProvider) Cookies() []browser.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...)
}

// Viewport returns the last viewport set.
func (p *FakeProvider) Viewport() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport[0], p.viewport[1]
}

// Closed reports whether Close was called.
func (p *FakeProvider) Closed() bool { return p.closed.Load() }

// CloseCount returns how many times Close was called.
func (p *FakeProvider) CloseCount() int { return int(p.closes.Load()) }

// =============================================================================
// 🌐 browser.Provider 实现
// =============================================================================

// Name implements browser.Provider.
func (p *FakeProvider) Name() string { return p.name }

func (p *FakeProvider) check(ctx context.Context, op string) error {
	if p.closed.Load() {
		return browser.NewProviderError(p.name, op, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return browser.NewProviderError(p.name, op, err)
	}
	return nil
}

// Navigate implements browser.Provider.
func (p *FakeProvider) Navigate(ctx context.Context, url string) error {
	if err := p.check(ctx, "navigate"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil && url != "about:blank" {
		return browser.NewProviderError(p.name, "navigate", p.navErr)
	}
	p.url = url
	return nil
}

// PerformAction implements browser.Provider.
func (p *FakeProvider) PerformAction(ctx context.Context, kind browser.ActionKind, selector, value string) error {
	return p.act(ctx, ActionRecord{Kind: kind, Selector: selector, Value: value})
}

func (p *FakeProvider) act(ctx context.Context, rec ActionRecord) error {
	op := string(rec.Kind)
	if err := p.check(ctx, op); err != nil {
		return err
	}

	p.mu.Lock()
	p.actions = append(p.actions, rec)
	failErr, failing := p.failSel[rec.Selector]
	missing := p.strict && rec.Selector != "" && !p.present[rec.Selector]
	hook := p.hook
	if rec.Kind == browser.ActionNavigate && !failing && !missing {
		p.url = rec.Value
	}
	p.mu.Unlock()

	switch {
	case failing:
		return browser.NewProviderError(p.name, op, failErr)
	case missing:
		return browser.NewProviderError(p.name, op, fmt.Errorf("element not found: %s", rec.Selector))
	}
	if hook != nil {
		return browser.NewProviderError(p.name, op, hook(ctx, p, rec))
	}
	return nil
}

// Evaluate implements browser.Provider.
func (p *FakeProvider) Evaluate(ctx context.Context, script string, out any) error {
	if err := p.check(ctx, "evaluate"); err != nil {
		return err
	}
	result, err := p.answer(script)
	if err != nil {
		return browser.NewProviderError(p.name, "evaluate", err)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return browser.NewProviderError(p.name, "evaluate", err)
	}
	return browser.NewProviderError(p.name, "evaluate", json.Unmarshal(raw, out))
}

func (p *FakeProvider) answer(script string) (any, error) {
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	rules := append([]scriptRule(nil), p.rules...)
	present := make([]string, 0, len(p.present))
	for s := range p.present {
		present = append(present, s)
	}
	p.mu.Unlock()

	if script == "1+1" {
		if !p.healthy.Load() {
			return nil, errors.New("target crashed")
		}
		return 2, nil
	}
	for _, r := range rules {
		if !strings.Contains(script, r.match) {
			continue
		}
		if r.fn != nil {
			return r.fn(script)
		}
		return r.result, r.err
	}
	for _, s := range present {
		if script == browser.VisibleScript(s) {
			return true, nil
		}
	}
	return nil, nil
}

// Screenshot implements browser.Provider.
func (p *FakeProvider) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	if err := p.check(ctx, "screenshot"); err != nil {
		return nil, err
	}
	// PNG 文件头
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, nil
}

// CurrentURL implements browser.Provider.
func (p *FakeProvider) CurrentURL(ctx context.Context) (string, error) {
	if err := p.check(ctx, "current_url"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// PageContent implements browser.Provider.
func (p *FakeProvider) PageContent(ctx context.Context, format browser.ContentFormat) (string, error) {
	if err := p.check(ctx, "page_content"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if format == browser.ContentText {
		return p.text, nil
	}
	return p.html, nil
}

// SetCookie implements browser.Provider.
func (p *FakeProvider) SetCookie(ctx context.Context, c browser.Cookie) error {
	if err := p.check(ctx, "set_cookie"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, c)
	return nil
}

// ClickAt implements browser.InputDispatcher.
func (p *FakeProvider) ClickAt(ctx context.Context, x, y float64) error {
	return p.act(ctx, ActionRecord{Kind: browser.ActionClick, X: x, Y: y})
}

// TypeText implements browser.InputDispatcher.
func (p *FakeProvider) TypeText(ctx context.Context, text string) error {
	return p.act(ctx, ActionRecord{Kind: browser.ActionType, Value: text})
}

// SetViewport implements browser.ViewportSetter.
func (p *FakeProvider) SetViewport(ctx context.Context, width, height int) error {
	if err := p.check(ctx, "set_viewport"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = [2]int{width, height}
	return nil
}

// Close implements browser.Provider.
func (p *FakeProvider) Close() error {
	p.closes.Add(1)
	p.closed.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// =============================================================================
// 🏭 FakeFactory
// =============================================================================

// FakeFactory 创建 FakeProvider，可注入创建失败与延迟
type FakeFactory struct {
	mu        sync.Mutex
	name      string
	created   []*FakeProvider
	failNext  int
	err       error
	delay     time.Duration
	configure func(*FakeProvider)
}

// NewFakeFactory creates a factory producing providers named name.
func NewFakeFactory(name string) *FakeFactory {
	return &FakeFactory{name: name, err: errors.New("launch failed")}
}

// Configure runs fn on every provider the factory creates.
func (f *FakeFactory) Configure(fn func(*FakeProvider)) *FakeFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configure = fn
	return f
}

// FailNext makes the next n creations fail.
func (f *FakeFactory) FailNext(n int) *FakeFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	return f
}

// SetDelay delays every creation by d.
func (f *FakeFactory) SetDelay(d time.Duration) *FakeFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Create implements browser.Factory.
func (f *FakeFactory) Create(ctx context.Context, cfg browser.Config) (browser.Provider, error) {
	f.mu.Lock()
	delay := f.delay
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, browser.NewProviderError(f.name, "create", ctx.Err())
		case <-t.C:
		}
	}
	if fail {
		return nil, browser.NewProviderError(f.name, "create", f.err)
	}

	p := NewFakeProvider(f.name)
	if cfg.ViewportWidth > 0 {
		p.viewport = [2]int{cfg.ViewportWidth, cfg.ViewportHeight}
	}
	f.mu.Lock()
	if f.configure != nil {
		f.configure(p)
	}
	f.created = append(f.created, p)
	f.mu.Unlock()
	return p, nil
}

// Created returns every provider created so far.
func (f *FakeFactory) Created() []*FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProvider(nil), f.created...)
}

// Count returns the number of providers created.
func (f *FakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}
