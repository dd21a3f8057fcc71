package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// ChromeDPProvider 基于 chromedp 的 Provider 实现，同时服务本地 Chrome 与托管的远程 CDP 浏览器
type ChromeDPProvider struct {
	name        string
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      Config
	logger      *zap.Logger
	closeOnce   sync.Once
}

var (
	_ Provider        = (*ChromeDPProvider)(nil)
	_ InputDispatcher = (*ChromeDPProvider)(nil)
	_ ViewportSetter  = (*ChromeDPProvider)(nil)
)

// NewChromeDPProvider 启动本地 Chrome 并打开一个标签页
func NewChromeDPProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*ChromeDPProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// 浏览器生命周期独立于创建请求的 ctx
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return startChromeDP(ctx, BackendChromeDP, allocCtx, allocCancel, cfg, logger)
}

// NewRemoteProvider 连接托管浏览器服务暴露的 CDP websocket 端点
func NewRemoteProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*ChromeDPProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.RemoteURL) == "" {
		return nil, NewProviderError(BackendRemote, "connect", errors.New("remote_url is required"))
	}
	endpoint, err := remoteEndpoint(cfg.RemoteURL, cfg.RemoteAPIKey)
	if err != nil {
		return nil, NewProviderError(BackendRemote, "connect", err)
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint, chromedp.NoModifyURL)
	return startChromeDP(ctx, BackendRemote, allocCtx, allocCancel, cfg, logger)
}

func remoteEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid remote_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("remote_url must be a ws:// or wss:// endpoint, got %q", u.Scheme)
	}
	if apiKey != "" {
		q := u.Query()
		if q.Get("apiKey") == "" {
			q.Set("apiKey", apiKey)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func startChromeDP(ctx context.Context, name string, allocCtx context.Context, allocCancel context.CancelFunc, cfg Config, logger *zap.Logger) (*ChromeDPProvider, error) {
	log := logger.With(zap.String("component", "chromedp_provider"), zap.String("backend", name))
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		}),
	)

	p := &ChromeDPProvider{
		name:        name,
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		config:      cfg,
		logger:      log,
	}

	// 第一次 Run 才真正启动浏览器
	startCtx, done := p.opContext(ctx)
	err := chromedp.Run(startCtx)
	done()
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, NewProviderError(name, "start", err)
	}

	if name == BackendRemote && cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		if err := p.SetViewport(ctx, cfg.ViewportWidth, cfg.ViewportHeight); err != nil {
			log.Warn("failed to apply viewport on remote browser", zap.Error(err))
		}
	}

	log.Info("chromedp browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_w", cfg.ViewportWidth),
		zap.Int("viewport_h", cfg.ViewportHeight))
	return p, nil
}

// opContext derives a per-call context from the tab context. It is cancelled when the
// caller's ctx ends or the per-operation timeout elapses, whichever comes first.
func (p *ChromeDPProvider) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base, cancelBase := context.WithCancel(p.ctx)
	runCtx, cancelTimeout := base, context.CancelFunc(func() {})
	if p.config.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(base, p.config.Timeout)
	}
	stop := context.AfterFunc(ctx, cancelBase)
	return runCtx, func() {
		stop()
		cancelTimeout()
		cancelBase()
	}
}

func (p *ChromeDPProvider) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, done := p.opContext(ctx)
	defer done()
	return NewProviderError(p.name, op, chromedp.Run(runCtx, actions...))
}

// Name 返回后端名称
func (p *ChromeDPProvider) Name() string { return p.name }

// Navigate 导航到 URL
func (p *ChromeDPProvider) Navigate(ctx context.Context, target string) error {
	p.logger.Debug("navigating", zap.String("url", target))
	return p.run(ctx, "navigate", chromedp.Navigate(target))
}

func queryOptions(sel string) (string, []chromedp.QueryOption) {
	query, kind := ParseSelector(sel)
	if kind == SelectorXPath {
		return query, []chromedp.QueryOption{chromedp.BySearch}
	}
	return query, []chromedp.QueryOption{chromedp.ByQuery}
}

// PerformAction 执行基于选择器的动作
func (p *ChromeDPProvider) PerformAction(ctx context.Context, kind ActionKind, selector, value string) error {
	op := string(kind)
	q, opts := queryOptions(selector)

	switch kind {
	case ActionClick:
		if err := requireSelector(kind, selector); err != nil {
			return NewProviderError(p.name, op, err)
		}
		return p.run(ctx, op, chromedp.Click(q, opts...))

	case ActionFill:
		if err := requireSelector(kind, selector); err != nil {
			return NewProviderError(p.name, op, err)
		}
		return p.run(ctx, op,
			chromedp.WaitVisible(q, opts...),
			chromedp.Clear(q, opts...),
			chromedp.SendKeys(q, value, opts...),
		)

	case ActionType:
		if selector == "" {
			return p.run(ctx, op, chromedp.KeyEvent(value))
		}
		return p.run(ctx, op, chromedp.SendKeys(q, value, opts...))

	case ActionHover:
		if err := requireSelector(kind, selector); err != nil {
			return NewProviderError(p.name, op, err)
		}
		var pt *Point
		if err := p.Evaluate(ctx, CenterScript(selector), &pt); err != nil {
			return NewProviderError(p.name, op, err)
		}
		if pt == nil {
			return NewProviderError(p.name, op, fmt.Errorf("element not found: %s", selector))
		}
		return p.run(ctx, op, chromedp.MouseEvent(input.MouseMoved, pt.X, pt.Y))

	case ActionSelect:
		if err := requireSelector(kind, selector); err != nil {
			return NewProviderError(p.name, op, err)
		}
		var ok bool
		if err := p.Evaluate(ctx, SelectScript(selector, value), &ok); err != nil {
			return NewProviderError(p.name, op, err)
		}
		if !ok {
			return NewProviderError(p.name, op, fmt.Errorf("no option %q in %s", value, selector))
		}
		return nil

	case ActionPress:
		key := chromedpKey(value)
		if selector == "" {
			return p.run(ctx, op, chromedp.KeyEvent(key))
		}
		return p.run(ctx, op, chromedp.SendKeys(q, key, opts...))

	case ActionScroll:
		if selector != "" {
			return p.run(ctx, op, chromedp.ScrollIntoView(q, opts...))
		}
		return p.run(ctx, op, chromedp.Evaluate(ScrollScript(ScrollDelta(value)), nil))

	case ActionWait:
		if selector != "" {
			return p.run(ctx, op, chromedp.WaitVisible(q, opts...))
		}
		return p.run(ctx, op, chromedp.Sleep(WaitDuration(value)))

	case ActionNavigate:
		return p.Navigate(ctx, value)

	case ActionBack:
		return p.run(ctx, op, chromedp.NavigateBack())

	case ActionRefresh:
		return p.run(ctx, op, chromedp.Reload())

	default:
		return NewProviderError(p.name, op, unsupportedAction(kind))
	}
}

func chromedpKey(name string) string {
	switch NormalizeKey(name) {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape":
		return kb.Escape
	case "Backspace":
		return kb.Backspace
	case "Delete":
		return kb.Delete
	case "Space":
		return " "
	case "ArrowUp":
		return kb.ArrowUp
	case "ArrowDown":
		return kb.ArrowDown
	case "ArrowLeft":
		return kb.ArrowLeft
	case "ArrowRight":
		return kb.ArrowRight
	case "Home":
		return kb.Home
	case "End":
		return kb.End
	case "PageUp":
		return kb.PageUp
	case "PageDown":
		return kb.PageDown
	}
	return name
}

func awaitPromise(params *runtime.EvaluateParams) *runtime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

// Evaluate 执行 JavaScript 并将结果解码到 out
func (p *ChromeDPProvider) Evaluate(ctx context.Context, script string, out any) error {
	return p.run(ctx, "evaluate", chromedp.Evaluate(script, out, awaitPromise))
}

// Screenshot 截取视口或整页截图
func (p *ChromeDPProvider) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	switch {
	case opts.FullPage:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 100 // 100 时 chromedp 输出 PNG
		}
		action = chromedp.FullScreenshot(&buf, quality)
	default:
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := p.run(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

// CurrentURL 返回当前页面地址
func (p *ChromeDPProvider) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, "current_url", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// PageContent 返回页面 HTML 或可见文本
func (p *ChromeDPProvider) PageContent(ctx context.Context, format ContentFormat) (string, error) {
	var content string
	switch format {
	case ContentText:
		if err := p.run(ctx, "page_content", chromedp.Evaluate(textContentScript, &content)); err != nil {
			return "", err
		}
	case ContentHTML, "":
		if err := p.run(ctx, "page_content", chromedp.OuterHTML("html", &content, chromedp.ByQuery)); err != nil {
			return "", err
		}
	default:
		return "", NewProviderError(p.name, "page_content", fmt.Errorf("unsupported format %q", format))
	}
	return content, nil
}

// SetCookie 注入 cookie
func (p *ChromeDPProvider) SetCookie(ctx context.Context, c Cookie) error {
	return p.run(ctx, "set_cookie", chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.SetCookie(c.Name, c.Value).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure)
		if c.URL != "" {
			params = params.WithURL(c.URL)
		}
		if c.Domain != "" {
			params = params.WithDomain(c.Domain)
		}
		if c.Path != "" {
			params = params.WithPath(c.Path)
		}
		if !c.Expires.IsZero() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			params = params.WithExpires(&expires)
		}
		if c.SameSite != "" {
			params = params.WithSameSite(network.CookieSameSite(c.SameSite))
		}
		return params.Do(ctx)
	}))
}

// ClickAt 在视口坐标处点击
func (p *ChromeDPProvider) ClickAt(ctx context.Context, x, y float64) error {
	p.logger.Debug("clicking", zap.Float64("x", x), zap.Float64("y", y))
	return p.run(ctx, "click_at", chromedp.MouseClickXY(x, y))
}

// TypeText 向当前焦点元素输入文本
func (p *ChromeDPProvider) TypeText(ctx context.Context, text string) error {
	return p.run(ctx, "type_text", chromedp.KeyEvent(text))
}

// SetViewport 调整视口尺寸
func (p *ChromeDPProvider) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return NewProviderError(p.name, "set_viewport", fmt.Errorf("invalid viewport %dx%d", width, height))
	}
	return p.run(ctx, "set_viewport", chromedp.EmulateViewport(int64(width), int64(height)))
}

// Close 关闭标签页与浏览器；可重复调用
func (p *ChromeDPProvider) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.allocCancel()
		p.logger.Info("chromedp browser closed")
	})
	return nil
}
