package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// fakeDriver simulates the platform's login pages.
type fakeDriver struct {
	mu       sync.Mutex
	launches int

	// elements maps a selector to the element it resolves to; several
	// selectors may name the same element.
	elements   map[string]string
	submitted  map[string]string
	afterLogin string
	profileURL string
	profile    string
	cookies    []Cookie
	launchErr  error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		elements: map[string]string{
			`input[name="email"]`:   "email",
			`input[name="pass"]`:    "pass",
			`button[type="submit"]`: "submit",
		},
		afterLogin: "https://example.test/",
		profileURL: "https://example.test/profile.php?id=4242",
		profile:    `<html><body><form><input type="hidden" name="fb_dtsg" value="dtsg-token"></form><script>{"LSD",[],{"token":"lsd-token"}}</script></body></html>`,
		cookies:    []Cookie{{Name: "c_user", Value: "4242"}, {Name: "xs", Value: "secret"}},
	}
}

func (d *fakeDriver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Submitted returns the field values at the last form submit.
func (d *fakeDriver) Submitted() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

func (d *fakeDriver) Launch(context.Context) (Browser, error) {
	d.mu.Lock()
	d.launches++
	d.mu.Unlock()
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return fakeBrowser{d: d}, nil
}

type fakeBrowser struct{ d *fakeDriver }

func (b fakeBrowser) NewPage(context.Context) (Page, error) { return &fakePage{d: b.d}, nil }
func (b fakeBrowser) Close() error { return nil }

type fakePage struct {
	d         *fakeDriver
	url       string
	submitted bool
	values    map[string]string
}

var errNoElement = errors.New("element not found")

func (p *fakePage) Navigate(_ context.Context, url string) error {
	switch {
	case strings.HasSuffix(url, "/me"):
		if !p.submitted {
			p.url = "https://example.test/login/"
			return nil
		}
		p.url = p.d.profileURL
	default:
		p.url = url
	}
	return nil
}

func (p *fakePage) Find(_ context.Context, selector string, _ time.Duration) error {
	if _, ok := p.d.elements[selector]; !ok {
		return errNoElement
	}
	return nil
}

// Fill appends like a raw keyboard insert, so a field typed twice shows it.
func (p *fakePage) Fill(_ context.Context, selector, text string, _ time.Duration) error {
	el, ok := p.d.elements[selector]
	if !ok {
		return errNoElement
	}
	if p.values == nil {
		p.values = map[string]string{}
	}
	p.values[el] += text
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string, _ time.Duration) error {
	if _, ok := p.d.elements[selector]; !ok {
		return errNoElement
	}
	snap := make(map[string]string, len(p.values))
	for k, v := range p.values {
		snap[k] = v
	}
	p.d.mu.Lock()
	p.d.submitted = snap
	p.d.mu.Unlock()
	p.submitted = true
	p.url = p.d.afterLogin
	return nil
}

func (p *fakePage) WaitStable(context.Context) error { return nil }
func (p *fakePage) URL() (string, error) { return p.url, nil }

func (p *fakePage) HTML(context.Context) (string, error) {
	if p.url == p.d.profileURL {
		return p.d.profile, nil
	}
	return "<html><form id=\"login_form\"></form></html>", nil
}

func (p *fakePage) Cookies(context.Context) ([]Cookie, error) { return p.d.cookies, nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}
func (p *fakePage) Close() error { return nil }
