package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// RodProvider 基于 go-rod 的 Provider 实现
type RodProvider struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	config    Config
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

var (
	_ Provider        = (*RodProvider)(nil)
	_ InputDispatcher = (*RodProvider)(nil)
	_ ViewportSetter  = (*RodProvider)(nil)
)

// NewRodProvider 启动（或连接）浏览器并打开一个空白页
func NewRodProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*RodProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "rod_provider"))

	p := &RodProvider{config: cfg, logger: log}

	controlURL := cfg.RemoteURL
	if controlURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-gpu").
			Set("disable-dev-shm-usage").
			NoSandbox(true)
		if cfg.ExecPath != "" {
			l = l.Bin(cfg.ExecPath)
		}
		if cfg.ProxyURL != "" {
			l = l.Proxy(cfg.ProxyURL)
		}
		if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
			l = l.Set("window-size", fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight))
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, NewProviderError(BackendRod, "launch", err)
		}
		p.launcher = l
		controlURL = u
	}

	// 浏览器连接不绑定创建请求的 ctx，否则请求结束时会话被一并取消
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		p.cleanupLauncher()
		return nil, NewProviderError(BackendRod, "connect", err)
	}
	p.browser = b

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		p.cleanupLauncher()
		return nil, NewProviderError(BackendRod, "new_page", err)
	}
	// 去掉创建 ctx，后续调用逐次绑定自己的 ctx
	p.page = page.Context(context.Background())

	if cfg.UserAgent != "" {
		if err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			log.Warn("failed to set user agent", zap.Error(err))
		}
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		if err := p.SetViewport(ctx, cfg.ViewportWidth, cfg.ViewportHeight); err != nil {
			log.Warn("failed to apply viewport", zap.Error(err))
		}
	}

	log.Info("rod browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("remote", cfg.RemoteURL != ""))
	return p, nil
}

func (p *RodProvider) cleanupLauncher() {
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher.Cleanup()
	}
}

// pageFor binds the page to ctx and the per-operation timeout.
func (p *RodProvider) pageFor(ctx context.Context) *rod.Page {
	page := p.page.Context(ctx)
	if p.config.Timeout > 0 {
		page = page.Timeout(p.config.Timeout)
	}
	return page
}

func (p *RodProvider) element(page *rod.Page, sel string) (*rod.Element, error) {
	query, kind := ParseSelector(sel)
	if kind == SelectorXPath {
		return page.ElementX(query)
	}
	return page.Element(query)
}

// Name 返回后端名称
func (p *RodProvider) Name() string { return BackendRod }

// Navigate 导航并等待页面加载
func (p *RodProvider) Navigate(ctx context.Context, target string) error {
	p.logger.Debug("navigating", zap.String("url", target))
	page := p.pageFor(ctx)
	if err := page.Navigate(target); err != nil {
		return NewProviderError(BackendRod, "navigate", err)
	}
	return NewProviderError(BackendRod, "navigate", page.WaitLoad())
}

// PerformAction 执行基于选择器的动作
func (p *RodProvider) PerformAction(ctx context.Context, kind ActionKind, selector, value string) error {
	op := string(kind)
	wrap := func(err error) error { return NewProviderError(BackendRod, op, err) }
	page := p.pageFor(ctx)

	switch kind {
	case ActionClick, ActionFill, ActionHover:
		if err := requireSelector(kind, selector); err != nil {
			return wrap(err)
		}
		el, err := p.element(page, selector)
		if err != nil {
			return wrap(err)
		}
		switch kind {
		case ActionClick:
			return wrap(el.Click(proto.InputMouseButtonLeft, 1))
		case ActionHover:
			return wrap(el.Hover())
		default:
			if err := el.SelectAllText(); err != nil {
				return wrap(err)
			}
			return wrap(el.Input(value))
		}

	case ActionType:
		if selector == "" {
			return wrap(page.InsertText(value))
		}
		el, err := p.element(page, selector)
		if err != nil {
			return wrap(err)
		}
		return wrap(el.Input(value))

	case ActionSelect:
		if err := requireSelector(kind, selector); err != nil {
			return wrap(err)
		}
		var ok bool
		if err := p.Evaluate(ctx, SelectScript(selector, value), &ok); err != nil {
			return wrap(err)
		}
		if !ok {
			return wrap(fmt.Errorf("no option %q in %s", value, selector))
		}
		return nil

	case ActionPress:
		key := rodKey(value)
		if selector != "" {
			el, err := p.element(page, selector)
			if err != nil {
				return wrap(err)
			}
			if err := el.Focus(); err != nil {
				return wrap(err)
			}
		}
		return wrap(page.Keyboard.Press(key))

	case ActionScroll:
		if selector != "" {
			el, err := p.element(page, selector)
			if err != nil {
				return wrap(err)
			}
			return wrap(el.ScrollIntoView())
		}
		return wrap(p.Evaluate(ctx, ScrollScript(ScrollDelta(value)), nil))

	case ActionWait:
		if selector != "" {
			el, err := p.element(page, selector)
			if err != nil {
				return wrap(err)
			}
			return wrap(el.WaitVisible())
		}
		t := time.NewTimer(WaitDuration(value))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return wrap(ctx.Err())
		case <-t.C:
			return nil
		}

	case ActionNavigate:
		return p.Navigate(ctx, value)

	case ActionBack:
		return wrap(page.NavigateBack())

	case ActionRefresh:
		return wrap(page.Reload())

	default:
		return wrap(unsupportedAction(kind))
	}
}

func rodKey(name string) input.Key {
	switch NormalizeKey(name) {
	case "Enter":
		return input.Enter
	case "Tab":
		return input.Tab
	case "Escape":
		return input.Escape
	case "Backspace":
		return input.Backspace
	case "Delete":
		return input.Delete
	case "Space":
		return input.Key(' ')
	case "ArrowUp":
		return input.ArrowUp
	case "ArrowDown":
		return input.ArrowDown
	case "ArrowLeft":
		return input.ArrowLeft
	case "ArrowRight":
		return input.ArrowRight
	case "Home":
		return input.Home
	case "End":
		return input.End
	case "PageUp":
		return input.PageUp
	case "PageDown":
		return input.PageDown
	}
	for _, r := range name {
		return input.Key(r)
	}
	return input.Enter
}

// Evaluate 执行 JavaScript 并将结果解码到 out
func (p *RodProvider) Evaluate(ctx context.Context, script string, out any) error {
	res, err := p.pageFor(ctx).Evaluate(&rod.EvalOptions{
		JS:           "() => (" + script + ")",
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return NewProviderError(BackendRod, "evaluate", err)
	}
	if out == nil || res == nil {
		return nil
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return NewProviderError(BackendRod, "evaluate", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewProviderError(BackendRod, "evaluate", fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// Screenshot 截取视口或整页截图
func (p *RodProvider) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if opts.Quality > 0 && opts.Quality < 100 {
		q := opts.Quality
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = &q
	}
	buf, err := p.pageFor(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, NewProviderError(BackendRod, "screenshot", err)
	}
	return buf, nil
}

// CurrentURL 返回当前页面地址
func (p *RodProvider) CurrentURL(ctx context.Context) (string, error) {
	info, err := p.pageFor(ctx).Info()
	if err != nil {
		return "", NewProviderError(BackendRod, "current_url", err)
	}
	return info.URL, nil
}

// PageContent 返回页面 HTML 或可见文本
func (p *RodProvider) PageContent(ctx context.Context, format ContentFormat) (string, error) {
	switch format {
	case ContentText:
		var text string
		if err := p.Evaluate(ctx, textContentScript, &text); err != nil {
			return "", NewProviderError(BackendRod, "page_content", err)
		}
		return text, nil
	case ContentHTML, "":
		html, err := p.pageFor(ctx).HTML()
		if err != nil {
			return "", NewProviderError(BackendRod, "page_content", err)
		}
		return html, nil
	default:
		return "", NewProviderError(BackendRod, "page_content", fmt.Errorf("unsupported format %q", format))
	}
}

// SetCookie 注入 cookie
func (p *RodProvider) SetCookie(ctx context.Context, c Cookie) error {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		URL:      c.URL,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
	}
	if c.SameSite != "" {
		param.SameSite = proto.NetworkCookieSameSite(c.SameSite)
	}
	return NewProviderError(BackendRod, "set_cookie", p.pageFor(ctx).SetCookies([]*proto.NetworkCookieParam{param}))
}

// ClickAt 在视口坐标处点击
func (p *RodProvider) ClickAt(ctx context.Context, x, y float64) error {
	page := p.pageFor(ctx)
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return NewProviderError(BackendRod, "click_at", err)
	}
	return NewProviderError(BackendRod, "click_at", page.Mouse.Click(proto.InputMouseButtonLeft, 1))
}

// TypeText 向当前焦点元素输入文本
func (p *RodProvider) TypeText(ctx context.Context, text string) error {
	return NewProviderError(BackendRod, "type_text", p.pageFor(ctx).InsertText(text))
}

// SetViewport 调整视口尺寸
func (p *RodProvider) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return NewProviderError(BackendRod, "set_viewport", fmt.Errorf("invalid viewport %dx%d", width, height))
	}
	return NewProviderError(BackendRod, "set_viewport", p.pageFor(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}))
}

// Close 关闭浏览器；可重复调用
func (p *RodProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.browser != nil {
			p.closeErr = NewProviderError(BackendRod, "close", p.browser.Close())
		}
		p.cleanupLauncher()
		p.logger.Info("rod browser closed")
	})
	return p.closeErr
}
