package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

var ErrNoCredentials = errors.New("session: no credentials configured")

// fieldStrategy is one way of locating the login form.
type fieldStrategy struct {
	name     string
	email    string
	password string
	submit   string
}

var loginStrategies = []fieldStrategy{
	{name: "ids", email: "#email", password: "#pass", submit: `button[name="login"]`},
	{name: "names", email: `input[name="email"]`, password: `input[name="pass"]`, submit: `button[type="submit"]`},
	{name: "types", email: `input[type="email"], input[type="text"][autocomplete*="username"]`, password: `input[type="password"]`, submit: `[role="button"][aria-label*="Log"], input[type="submit"]`},
	{name: "testids", email: `[data-testid="royal_email"]`, password: `[data-testid="royal_pass"]`, submit: `[data-testid="royal_login_button"]`},
}

var consentSelectors = []string{
	`button[data-cookiebanner="accept_button"]`,
	`button[data-testid="cookie-policy-manage-dialog-accept-button"]`,
	`[aria-label="Allow all cookies"]`,
	`[aria-label="Continue"]`,
}

// LoginError carries the diagnostic captured when a login aborts.
type LoginError struct {
	Stage      string
	URL        string
	Excerpt    string
	Screenshot string
	Err        error
}

func (e *LoginError) Error() string {
	msg := "session: login failed at " + e.Stage
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginError) Unwrap() error { return e.Err }

func blockedURL(u string) bool {
	u = strings.ToLower(u)
	return strings.Contains(u, "/login") || strings.Contains(u, "/checkpoint")
}

func consentURL(u string) bool {
	u = strings.ToLower(u)
	return strings.Contains(u, "/privacy/consent") || strings.Contains(u, "consent")
}

// browserLogin drives one full login and returns the fresh state.
func (a *Actor) browserLogin(ctx context.Context) (*State, error) {
	if a.cfg.Email == "" || a.cfg.Password == "" {
		return nil, ErrNoCredentials
	}

	b, err := a.driver.Launch(ctx)
	if err != nil {
		return nil, &LoginError{Stage: "launch", Err: err}
	}
	defer b.Close()

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, &LoginError{Stage: "launch", Err: err}
	}
	defer page.Close()

	nav := func(url string) error {
		nctx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
		defer cancel()
		return page.Navigate(nctx, url)
	}

	if err := nav(a.cfg.BaseURL + "/login/"); err != nil {
		return nil, a.diagnose(ctx, page, "navigate", err)
	}
	a.tryConsent(ctx, page)

	used := ""
	for _, s := range loginStrategies {
		if miss := a.missingField(ctx, page, s); miss != "" {
			a.log.Debug("login strategy missed", logx.String("strategy", s.name), logx.String("field", miss))
			continue
		}
		// Every selector of s resolved, so each field is typed exactly once.
		if err := page.Fill(ctx, s.email, a.cfg.Email, a.cfg.SelectorTimeout); err != nil {
			return nil, a.diagnose(ctx, page, "form", fmt.Errorf("email field: %w", err))
		}
		if err := page.Fill(ctx, s.password, a.cfg.Password, a.cfg.SelectorTimeout); err != nil {
			return nil, a.diagnose(ctx, page, "form", fmt.Errorf("password field: %w", err))
		}
		if err := page.Click(ctx, s.submit, a.cfg.SelectorTimeout); err != nil {
			return nil, a.diagnose(ctx, page, "form", fmt.Errorf("submit: %w", err))
		}
		used = s.name
		break
	}
	if used == "" {
		return nil, a.diagnose(ctx, page, "form", errors.New("no field strategy matched"))
	}
	a.log.Debug("login form submitted", logx.String("strategy", used))

	wctx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
	_ = page.WaitStable(wctx)
	cancel()

	if cur, _ := page.URL(); consentURL(cur) {
		a.tryConsent(ctx, page)
		wctx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
		_ = page.WaitStable(wctx)
		cancel()
	}

	cur, err := page.URL()
	if err != nil {
		return nil, a.diagnose(ctx, page, "submit", err)
	}
	if blockedURL(cur) {
		return nil, a.diagnose(ctx, page, "submit", errors.New("still on login or checkpoint page"))
	}

	// The profile page sets the full cookie jar and embeds the tokens.
	if err := nav(a.cfg.BaseURL + "/me"); err != nil {
		return nil, a.diagnose(ctx, page, "profile", err)
	}
	cur, _ = page.URL()
	if blockedURL(cur) {
		return nil, a.diagnose(ctx, page, "profile", errors.New("redirected to login or checkpoint page"))
	}

	doc, err := page.HTML(ctx)
	if err != nil {
		return nil, a.diagnose(ctx, page, "extract", err)
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, a.diagnose(ctx, page, "extract", err)
	}
	tok := ExtractTokens(doc, cookies)
	if !tok.complete() {
		a.log.Warn("login succeeded without a full token set",
			logx.Bool("csrf", tok.CSRF != ""),
			logx.Bool("lsd", tok.LSD != ""),
			logx.Bool("user_id", tok.UserID != ""))
	}

	now := a.now().UTC()
	return &State{
		Account:      a.cfg.Account,
		Cookies:      cookies,
		CookieString: cookieString(cookies),
		CSRFToken:    tok.CSRF,
		UserID:       tok.UserID,
		LSDToken:     tok.LSD,
		LoginTime:    now,
		ExpiresAt:    now.Add(a.cfg.TTL),
		LoggedIn:     true,
	}, nil
}

// missingField names the first field of s the page does not have, or "".
func (a *Actor) missingField(ctx context.Context, page Page, s fieldStrategy) string {
	for _, f := range []struct{ name, sel string }{
		{"email", s.email}, {"password", s.password}, {"submit", s.submit},
	} {
		if err := page.Find(ctx, f.sel, a.cfg.SelectorTimeout); err != nil {
			return f.name
		}
	}
	return ""
}

func (a *Actor) tryConsent(ctx context.Context, page Page) {
	for _, sel := range consentSelectors {
		if page.Click(ctx, sel, a.cfg.SelectorTimeout/2) == nil {
			a.log.Debug("consent dismissed", logx.String("selector", sel))
			return
		}
	}
}

const excerptLen = 2048

func (a *Actor) diagnose(ctx context.Context, page Page, stage string, cause error) error {
	le := &LoginError{Stage: stage, Err: cause}
	le.URL, _ = page.URL()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if doc, err := page.HTML(dctx); err == nil {
		if len(doc) > excerptLen {
			doc = doc[:excerptLen]
		}
		le.Excerpt = doc
	}
	if a.cfg.DiagnosticsDir != "" {
		if shot, err := page.Screenshot(dctx); err == nil {
			name := fmt.Sprintf("login-%s-%s.png", stage, a.now().UTC().Format("20060102T150405"))
			path := filepath.Join(a.cfg.DiagnosticsDir, name)
			if err := os.MkdirAll(a.cfg.DiagnosticsDir, 0o755); err == nil {
				if err := os.WriteFile(path, shot, 0o644); err == nil {
					le.Screenshot = path
				}
			}
		}
	}

	a.log.Error("login aborted",
		logx.String("stage", stage),
		logx.String("url", le.URL),
		logx.String("screenshot", le.Screenshot),
		logx.Int("excerpt_len", len(le.Excerpt)),
		logx.Err(cause))
	return le
}
