package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Driver starts browsers for login runs. A browser lives for one login.
type Driver interface {
	Launch(ctx context.Context) (Browser, error)
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the subset of browser automation the login flow needs.
// Element lookups retry until timeout elapses. Fill replaces the field's
// current value.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string, timeout time.Duration) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	WaitStable(ctx context.Context) error
	URL() (string, error)
	HTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type RodConfig struct {
	// Bin is a local Chromium binary; empty lets rod download or find one.
	Bin string
	// ControlURL attaches to an already running browser instead of launching.
	ControlURL string
	Headless   bool
	UserAgent  string
}

// RodDriver launches a stealth-patched Chromium through rod.
type RodDriver struct {
	cfg RodConfig
}

func NewRodDriver(cfg RodConfig) *RodDriver { return &RodDriver{cfg: cfg} }

func (d *RodDriver) Launch(ctx context.Context) (Browser, error) {
	var (
		l   *launcher.Launcher
		url = d.cfg.ControlURL
	)
	if url == "" {
		l = launcher.New().
			Context(ctx).
			Headless(d.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage").
			Set("no-sandbox")
		if d.cfg.Bin != "" {
			l = l.Bin(d.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("session: launch browser: %w", err)
		}
		url = u
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("session: connect browser: %w", err)
	}
	return &rodBrowser{b: b, l: l, ua: d.cfg.UserAgent}, nil
}

type rodBrowser struct {
	b  *rod.Browser
	l  *launcher.Launcher
	ua string
}

func (r *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	p, err := stealth.Page(r.b)
	if err != nil {
		return nil, fmt.Errorf("session: open tab: %w", err)
	}
	if r.ua != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.ua}); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("session: set user agent: %w", err)
		}
	}
	return &rodPage{p: p}, nil
}

func (r *rodBrowser) Close() error {
	err := r.b.Close()
	if r.l != nil {
		r.l.Kill()
	}
	return err
}

type rodPage struct {
	p *rod.Page
}

func (r *rodPage) Navigate(ctx context.Context, url string) error {
	p := r.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (r *rodPage) Find(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := r.p.Context(ctx).Timeout(timeout).Element(selector)
	return err
}

// Fill selects any existing text first; Input alone appends.
func (r *rodPage) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	el, err := r.p.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("session: clear %s: %w", selector, err)
	}
	return el.Input(text)
}

func (r *rodPage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := r.p.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodPage) WaitStable(ctx context.Context) error {
	return r.p.Context(ctx).WaitStable(500 * time.Millisecond)
}

func (r *rodPage) URL() (string, error) {
	info, err := r.p.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (r *rodPage) HTML(ctx context.Context) (string, error) {
	return r.p.Context(ctx).HTML()
}

func (r *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := r.p.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			ck.Expires = c.Expires.Time()
		}
		out = append(out, ck)
	}
	return out, nil
}

func (r *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return r.p.Context(ctx).Screenshot(true, nil)
}

func (r *rodPage) Close() error { return r.p.Close() }
