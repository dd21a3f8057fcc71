// Package browser defines the uniform capability contract every browser backend implements.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ActionKind represents a browser action type.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionFill     ActionKind = "fill"
	ActionHover    ActionKind = "hover"
	ActionSelect   ActionKind = "select"
	ActionPress    ActionKind = "press"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionWait     ActionKind = "wait"
	ActionNavigate ActionKind = "navigate"
	ActionBack     ActionKind = "back"
	ActionRefresh  ActionKind = "refresh"
)

// ContentFormat selects how PageContent renders the page.
type ContentFormat string

const (
	ContentHTML ContentFormat = "html"
	ContentText ContentFormat = "text"
)

// Cookie is a cookie injected into the browsing context.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	URL      string    `json:"url,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"same_site,omitempty"` // Strict, Lax, None
}

// ScreenshotOptions configures a screenshot capture.
type ScreenshotOptions struct {
	FullPage bool `json:"full_page"`
	Quality  int  `json:"quality,omitempty"` // JPEG quality; 0 captures PNG
}

// Config configures a browser backend instance.
type Config struct {
	Backend        string        `json:"backend"`
	Headless       bool          `json:"headless"`
	Timeout        time.Duration `json:"timeout"` // per-operation ceiling
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
	UserAgent      string        `json:"user_agent,omitempty"`
	ProxyURL       string        `json:"proxy_url,omitempty"`
	ExecPath       string        `json:"exec_path,omitempty"`
	RemoteURL      string        `json:"remote_url,omitempty"` // CDP websocket endpoint of a hosted browser
	RemoteAPIKey   string        `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendChromeDP,
		Headless:       true,
		Timeout:        30 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 800,
	}
}

// Provider is the capability set every browser backend implements. Side effects are
// confined to the live browsing context; failures surface as *ProviderError.
type Provider interface {
	// Name returns the backend name.
	Name() string
	// Navigate loads url in the current page.
	Navigate(ctx context.Context, url string) error
	// PerformAction runs a selector-based action. Selectors follow ParseSelector.
	PerformAction(ctx context.Context, kind ActionKind, selector, value string) error
	// Evaluate runs a JavaScript expression and decodes its JSON value into out (nil discards it).
	Evaluate(ctx context.Context, script string, out any) error
	// Screenshot captures the viewport or the full page.
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	// CurrentURL returns the location of the current page.
	CurrentURL(ctx context.Context) (string, error)
	// PageContent returns the page as HTML or visible text.
	PageContent(ctx context.Context, format ContentFormat) (string, error)
	// SetCookie injects a cookie into the browsing context.
	SetCookie(ctx context.Context, cookie Cookie) error
	// Close tears the session down.
	Close() error
}

// InputDispatcher is implemented by backends that can dispatch raw input events,
// used when an element has no stable selector.
type InputDispatcher interface {
	ClickAt(ctx context.Context, x, y float64) error
	TypeText(ctx context.Context, text string) error
}

// ViewportSetter is implemented by backends that can resize the viewport at runtime.
type ViewportSetter interface {
	SetViewport(ctx context.Context, width, height int) error
}

// ProviderError reports a failed backend operation.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err; nil stays nil.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsProviderError reports whether err came from a backend operation.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Ping is a cheap liveness probe: the session must evaluate a trivial script.
func Ping(ctx context.Context, p Provider) error {
	var n int
	if err := p.Evaluate(ctx, "1+1", &n); err != nil {
		return err
	}
	if n != 2 {
		return NewProviderError(p.Name(), "ping", fmt.Errorf("unexpected result %d", n))
	}
	return nil
}
