package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/webpilot/browser"
	"github.com/BaSui01/webpilot/types"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Credential is a resolved login for the pre-step. Storage and encryption live elsewhere.
type Credential struct {
	Username         string   `json:"username" yaml:"username"`
	Password         string   `json:"-" yaml:"password"`
	LoginURL         string   `json:"login_url,omitempty" yaml:"login_url"`
	UsernameSelector string   `json:"username_selector,omitempty" yaml:"username_selector"`
	PasswordSelector string   `json:"password_selector,omitempty" yaml:"password_selector"`
	SubmitSelector   string   `json:"submit_selector,omitempty" yaml:"submit_selector"`
	SuccessPatterns  []string `json:"success_patterns,omitempty" yaml:"success_patterns"`
}

// CredentialLookup resolves a credential reference.
type CredentialLookup interface {
	Lookup(ctx context.Context, ref string) (Credential, error)
}

// StaticCredentials is an in-memory CredentialLookup.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewStaticCredentials copies creds into a lookup.
func NewStaticCredentials(creds map[string]Credential) *StaticCredentials {
	s := &StaticCredentials{creds: make(map[string]Credential, len(creds))}
	for ref, c := range creds {
		s.creds[ref] = c
	}
	return s
}

// Put adds or replaces a credential.
func (s *StaticCredentials) Put(ref string, c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = c
}

// Replace swaps the whole set, e.g. after a config reload.
func (s *StaticCredentials) Replace(creds map[string]Credential) {
	next := make(map[string]Credential, len(creds))
	for ref, c := range creds {
		next[ref] = c
	}
	s.mu.Lock()
	s.creds = next
	s.mu.Unlock()
}

// Lookup implements CredentialLookup.
func (s *StaticCredentials) Lookup(_ context.Context, ref string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[ref]
	if !ok {
		return Credential{}, types.NewError(types.ErrNotFound, fmt.Sprintf("credential %q not found", ref))
	}
	return c, nil
}

// LoginResult is the structured outcome of the pre-step. Failures are values, not errors.
type LoginResult struct {
	Success          bool          `json:"success"`
	Message          string        `json:"message"`
	UsernameSelector string        `json:"username_selector,omitempty"`
	PasswordSelector string        `json:"password_selector,omitempty"`
	SubmitSelector   string        `json:"submit_selector,omitempty"`
	Submitted        bool          `json:"submitted"`
	Signals          []string      `json:"signals,omitempty"`
	URLBefore        string        `json:"url_before,omitempty"`
	URLAfter         string        `json:"url_after,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// =============================================================================
// 🔐 回退选择器
// =============================================================================

var (
	usernameFallbacks = []string{
		`input[type="email"]`,
		`input[name="username"]`,
		`input[name="email"]`,
		`input[name="login"]`,
		`input[name="user"]`,
		`input[id="username"]`,
		`input[id="email"]`,
		`input[autocomplete="username"]`,
		`input[type="text"]`,
	}
	passwordFallbacks = []string{
		`input[type="password"]`,
		`input[name="password"]`,
		`input[autocomplete="current-password"]`,
	}
	submitFallbacks = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		browser.TextSelector("Log in"),
		browser.TextSelector("Sign in"),
		browser.TextSelector("Login"),
		browser.TextSelector("Continue"),
	}
)

// 校验用的关键词
var (
	errorTerms = []string{"invalid", "incorrect", "wrong", "failed", "error", "denied",
		"unable to", "not recognized", "try again", "does not match", "doesn't match"}
	authTerms = []string{"password", "username", "email", "login", "log in", "sign in",
		"credential", "account", "user"}
	logoutTerms    = []string{"logout", "log out", "log-out", "sign out", "signout", "sign-out"}
	accountMarkers = []string{`[class*="user-menu"]`, `[class*="account-menu"]`, `[class*="avatar"]`,
		`[id*="user-menu"]`, `[id*="account-menu"]`, `[data-testid*="account"]`}
	accountTexts = []string{"my account", "my profile"}
)

// Signal names reported in LoginResult.Signals.
const (
	SignalURLChanged     = "url_changed"
	SignalErrorMessage   = "error_message"
	SignalSuccessPattern = "success_pattern"
	SignalLogoutMarker   = "logout_marker"
	SignalAccountMarker  = "account_marker"
)

// AuthConfig tunes the pre-step.
type AuthConfig struct {
	SettleDelay   time.Duration // wait after submit before verifying
	ActionTimeout time.Duration // ceiling per fill/click/probe
}

// DefaultAuthConfig returns production defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SettleDelay:   1500 * time.Millisecond,
		ActionTimeout: 10 * time.Second,
	}
}

// Authenticator runs the credential pre-step against a session.
type Authenticator struct {
	cfg    AuthConfig
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultAuthConfig().ActionTimeout
	}
	return &Authenticator{cfg: cfg, logger: logger.With(zap.String("component", "authenticator"))}
}

// Login fills and submits a login form, then verifies the result heuristically.
// It never returns an error: every problem is reported through LoginResult.
func (a *Authenticator) Login(ctx context.Context, p browser.Provider, cred Credential) LoginResult {
	start := time.Now()
	res := a.login(ctx, p, cred)
	res.Duration = time.Since(start)
	a.logger.Info("login pre-step finished",
		zap.Bool("success", res.Success),
		zap.String("message", res.Message),
		zap.Strings("signals", res.Signals),
		zap.Duration("duration", res.Duration))
	return res
}

func (a *Authenticator) login(ctx context.Context, p browser.Provider, cred Credential) LoginResult {
	var res LoginResult
	if cred.LoginURL != "" {
		if err := p.Navigate(ctx, cred.LoginURL); err != nil {
			res.Message = fmt.Sprintf("navigate to login page: %v", err)
			return res
		}
	}
	res.URLBefore, _ = p.CurrentURL(ctx)

	if cred.Username != "" {
		sel, err := a.fillChain(ctx, p, candidates(cred.UsernameSelector, usernameFallbacks), cred.Username)
		if err != nil {
			res.Message = "username field: " + err.Error()
			return res
		}
		res.UsernameSelector = sel
	}
	sel, err := a.fillChain(ctx, p, candidates(cred.PasswordSelector, passwordFallbacks), cred.Password)
	if err != nil {
		res.Message = "password field: " + err.Error()
		return res
	}
	res.PasswordSelector = sel

	res.SubmitSelector = a.submit(ctx, p, candidates(cred.SubmitSelector, submitFallbacks), res.PasswordSelector)
	res.Submitted = true

	if a.cfg.SettleDelay > 0 {
		timer := time.NewTimer(a.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Message = "login interrupted: " + ctx.Err().Error()
			return res
		}
	}

	res.URLAfter, _ = p.CurrentURL(ctx)
	html, err := p.PageContent(ctx, browser.ContentHTML)
	if err != nil {
		a.logger.Warn("read page after login failed", zap.Error(err))
	}
	ref := cred.LoginURL
	if ref == "" {
		ref = res.URLBefore
	}
	v := VerifyLogin(ref, res.URLAfter, html, cred.SuccessPatterns)
	res.Success = v.Success
	res.Signals = v.Signals
	res.Message = v.Message
	return res
}

func candidates(configured string, fallbacks []string) []string {
	out := make([]string, 0, len(fallbacks)+1)
	if configured != "" {
		out = append(out, configured)
	}
	for _, f := range fallbacks {
		if f != configured {
			out = append(out, f)
		}
	}
	return out
}

func (a *Authenticator) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.ActionTimeout)
}

// exists probes a selector with a visibility script.
func (a *Authenticator) exists(ctx context.Context, p browser.Provider, sel string) bool {
	actx, cancel := a.actionContext(ctx)
	defer cancel()
	var visible bool
	if err := p.Evaluate(actx, browser.VisibleScript(sel), &visible); err != nil {
		a.logger.Debug("selector probe failed", zap.String("selector", sel), zap.Error(err))
		return false
	}
	return visible
}

// fillChain fills the first candidate that exists and accepts the value.
func (a *Authenticator) fillChain(ctx context.Context, p browser.Provider, sels []string, value string) (string, error) {
	var lastErr error
	for _, sel := range sels {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !a.exists(ctx, p, sel) {
			continue
		}
		actx, cancel := a.actionContext(ctx)
		err := p.PerformAction(actx, browser.ActionFill, sel, value)
		cancel()
		if err == nil {
			return sel, nil
		}
		lastErr = err
		a.logger.Debug("fill candidate rejected", zap.String("selector", sel), zap.Error(err))
	}
	if lastErr != nil {
		return "", fmt.Errorf("no candidate accepted the value: %w", lastErr)
	}
	return "", fmt.Errorf("no candidate matched (%d tried)", len(sels))
}

// submit clicks the first clickable submit candidate, else presses Enter in the
// password field. It returns the selector used, or "Enter".
func (a *Authenticator) submit(ctx context.Context, p browser.Provider, sels []string, passwordSel string) string {
	for _, sel := range sels {
		if ctx.Err() != nil {
			break
		}
		if !a.exists(ctx, p, sel) {
			continue
		}
		actx, cancel := a.actionContext(ctx)
		err := p.PerformAction(actx, browser.ActionClick, sel, "")
		cancel()
		if err == nil {
			return sel
		}
		a.logger.Debug("submit candidate rejected", zap.String("selector", sel), zap.Error(err))
	}

	actx, cancel := a.actionContext(ctx)
	defer cancel()
	if err := p.PerformAction(actx, browser.ActionPress, passwordSel, "Enter"); err != nil {
		a.logger.Warn("enter fallback failed", zap.Error(err))
	}
	return "Enter"
}

// =============================================================================
// 🔎 登录结果校验
// =============================================================================

// Verification is the outcome of VerifyLogin.
type Verification struct {
	Success bool
	Signals []string
	Message string
}

// VerifyLogin inspects the post-submit page. Success needs at least one positive signal
// and no negative one.
func VerifyLogin(loginURL, currentURL, html string, successPatterns []string) Verification {
	var v Verification
	positive, negative := false, false
	add := func(signal string, pos bool) {
		v.Signals = append(v.Signals, signal)
		if pos {
			positive = true
		} else {
			negative = true
		}
	}

	if pathChanged(loginURL, currentURL) {
		add(SignalURLChanged, true)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		doc.Find("script, style, noscript, template").Remove()
		if hasAuthError(doc) {
			add(SignalErrorMessage, false)
		}
		text := strings.ToLower(doc.Text())
		for _, pat := range successPatterns {
			pat = strings.ToLower(strings.TrimSpace(pat))
			if pat != "" && (strings.Contains(text, pat) || strings.Contains(strings.ToLower(currentURL), pat)) {
				add(SignalSuccessPattern, true)
				break
			}
		}
		if hasLogout(doc) {
			add(SignalLogoutMarker, true)
		}
		if hasAccountMarker(doc, text) {
			add(SignalAccountMarker, true)
		}
	}

	switch {
	case negative:
		v.Message = "login error message detected on page"
	case positive:
		v.Success = true
		v.Message = "login verified: " + strings.Join(v.Signals, ", ")
	default:
		v.Message = "no login success signal detected"
	}
	return v
}

func pathChanged(loginURL, currentURL string) bool {
	if loginURL == "" || currentURL == "" {
		return false
	}
	before, err1 := url.Parse(loginURL)
	after, err2 := url.Parse(currentURL)
	if err1 != nil || err2 != nil {
		return false
	}
	return strings.TrimRight(before.Path, "/") != strings.TrimRight(after.Path, "/")
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// hasAuthError looks for an error term next to an auth term inside one text block.
func hasAuthError(doc *goquery.Document) bool {
	found := false
	check := func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(strings.Join(strings.Fields(s.Text()), " "))
		if text != "" && containsAny(text, errorTerms) && containsAny(text, authTerms) {
			found = true
			return false
		}
		return true
	}
	doc.Find(`[role="alert"], [aria-live], .error, .alert, .invalid-feedback, .flash`).EachWithBreak(check)
	if found {
		return true
	}
	doc.Find("body *").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		return check(i, s)
	})
	return found
}

func hasLogout(doc *goquery.Document) bool {
	found := false
	doc.Find("a, button").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		target := strings.ToLower(s.Text() + " " + href)
		if containsAny(target, logoutTerms) {
			found = true
			return false
		}
		return true
	})
	return found
}

func hasAccountMarker(doc *goquery.Document, lowerText string) bool {
	if doc.Find(strings.Join(accountMarkers, ", ")).Length() > 0 {
		return true
	}
	return containsAny(lowerText, accountTexts)
}
