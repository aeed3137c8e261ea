// Package session keeps one authenticated browser session per platform
// account and replays it against the platform's internal publish endpoint.
//
// Every mutating operation for an account runs through its Actor, which holds
// an operation lock, so a post never races a login or a logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

type Phase string

const (
	PhaseLoggedOut Phase = "logged_out"
	PhaseLoggingIn Phase = "logging_in"
	PhaseLoggedIn  Phase = "logged_in"
)

const (
	DefaultTTL         = 24 * time.Hour
	defaultBaseURL     = "https://www.facebook.com"
	defaultGraphQLPath = "/api/graphql/"

	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

type Config struct {
	Account  string
	Email    string
	Password string
	TTL      time.Duration

	BaseURL      string
	GraphQLPath  string
	PublishDocID string
	UserAgent    string

	NavTimeout      time.Duration
	SelectorTimeout time.Duration
	HTTPTimeout     time.Duration

	// DiagnosticsDir receives screenshots of failed logins when set.
	DiagnosticsDir string
}

func (c *Config) applyDefaults() {
	if c.Account == "" {
		c.Account = "default"
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.GraphQLPath == "" {
		c.GraphQLPath = defaultGraphQLPath
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 3 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

// Observer is told about login and logout outcomes.
type Observer interface {
	SessionLogin(account string, err error)
	SessionLogout(account string)
}

type Status struct {
	Account          string     `json:"account"`
	State            Phase      `json:"state"`
	LoggedIn         bool       `json:"is_logged_in"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LoginTime        *time.Time `json:"login_time,omitempty"`
	MinutesRemaining int        `json:"minutes_remaining"`
	UserID           string     `json:"platform_user_id,omitempty"`
}

type Actor struct {
	cfg    Config
	store  StateStore
	driver Driver
	http   *http.Client
	log    logx.Logger
	now    func() time.Time
	obs    Observer

	op sync.Mutex

	mu    sync.Mutex
	phase Phase
}

func NewActor(cfg Config, store StateStore, driver Driver, log logx.Logger) *Actor {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Actor{
		cfg:    cfg,
		store:  store,
		driver: driver,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			// Redirects are part of the answer; a hop to /login means the
			// session is dead.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log:   log.With(logx.String("comp", "session"), logx.String("account", cfg.Account)),
		now:   time.Now,
		phase: PhaseLoggedOut,
	}
}

func (a *Actor) Account() string { return a.cfg.Account }

func (a *Actor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

func (a *Actor) SetHTTPClient(c *http.Client) {
	if c != nil {
		a.http = c
	}
}

func (a *Actor) SetObserver(o Observer) { a.obs = o }

func (a *Actor) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func (a *Actor) currentPhase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Login replaces any stored state with a fresh browser login.
func (a *Actor) Login(ctx context.Context) (Status, error) {
	a.op.Lock()
	defer a.op.Unlock()

	_, err := a.login(ctx)
	st, serr := a.status(ctx)
	if err == nil {
		err = serr
	}
	return st, err
}

// login must be called with the op lock held.
func (a *Actor) login(ctx context.Context) (*State, error) {
	if l, ok := a.store.(Locker); ok {
		unlock, err := l.Lock(ctx, a.cfg.Account, 3*a.cfg.NavTimeout+time.Minute)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	a.setPhase(PhaseLoggingIn)
	started := a.now()
	a.log.Info("login started")

	st, err := a.browserLogin(ctx)
	if err == nil {
		if serr := a.store.Save(ctx, st); serr != nil {
			err = fmt.Errorf("session: persist state: %w", serr)
		}
	}
	if err != nil {
		a.setPhase(a.fallbackPhase(ctx))
		if a.obs != nil {
			a.obs.SessionLogin(a.cfg.Account, err)
		}
		return nil, err
	}

	a.setPhase(PhaseLoggedIn)
	a.log.Info("login succeeded",
		logx.Duration("took", a.now().Sub(started)),
		logx.Time("expires_at", st.ExpiresAt),
		logx.Bool("csrf", st.CSRFToken != ""),
		logx.Bool("user_id", st.UserID != ""))
	if a.obs != nil {
		a.obs.SessionLogin(a.cfg.Account, nil)
	}
	return st, nil
}

// fallbackPhase is where a failed login lands: a still-valid earlier login
// keeps the actor logged in.
func (a *Actor) fallbackPhase(ctx context.Context) Phase {
	prev, err := a.store.Load(ctx, a.cfg.Account)
	if err == nil && prev.Valid(a.now()) {
		return PhaseLoggedIn
	}
	return PhaseLoggedOut
}

// Post publishes message to the target group, logging in first when no live
// session exists. It logs in at most once per call.
func (a *Actor) Post(ctx context.Context, message, target string) PostResult {
	if strings.TrimSpace(message) == "" {
		return PostResult{Error: "session: empty message"}
	}
	if strings.TrimSpace(target) == "" {
		return PostResult{Error: "session: target is required"}
	}

	a.op.Lock()
	defer a.op.Unlock()

	st, err := a.store.Load(ctx, a.cfg.Account)
	if err != nil {
		return PostResult{Error: err.Error()}
	}
	fresh := false
	if !st.Valid(a.now()) {
		if st != nil {
			a.log.Info("session expired; logging in", logx.Time("expired_at", st.ExpiresAt))
		}
		if st, err = a.login(ctx); err != nil {
			return PostResult{Error: "login failed: " + err.Error()}
		}
		fresh = true
	} else {
		a.setPhase(PhaseLoggedIn)
	}

	res, err := a.publishChecked(ctx, st, message, target)
	if !errors.Is(err, errAuth) {
		return res
	}
	if fresh {
		return PostResult{Error: "session: rejected right after login"}
	}

	a.log.Warn("session rejected by platform; logging in again")
	if st, err = a.login(ctx); err != nil {
		return PostResult{Error: "re-login failed: " + err.Error()}
	}
	res, err = a.publishChecked(ctx, st, message, target)
	if errors.Is(err, errAuth) {
		return PostResult{Error: "session: rejected after re-login"}
	}
	return res
}

func (a *Actor) publishChecked(ctx context.Context, st *State, message, target string) (PostResult, error) {
	if st.CSRFToken == "" || st.UserID == "" {
		return PostResult{Error: "session: csrf token or user id missing from session; log in again"}, nil
	}
	return a.publish(ctx, st, message, target)
}

// Status reads the stored state. It does not wait for a running login.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	return a.status(ctx)
}

func (a *Actor) status(ctx context.Context) (Status, error) {
	out := Status{Account: a.cfg.Account, State: a.currentPhase()}
	st, err := a.store.Load(ctx, a.cfg.Account)
	if err != nil {
		return out, err
	}
	now := a.now()
	if st != nil {
		exp, login := st.ExpiresAt, st.LoginTime
		out.ExpiresAt = &exp
		out.LoginTime = &login
		out.UserID = st.UserID
	}
	if st.Valid(now) {
		out.LoggedIn = true
		out.MinutesRemaining = int(st.ExpiresAt.Sub(now) / time.Minute)
		if out.State == PhaseLoggedOut {
			out.State = PhaseLoggedIn
			a.setPhase(PhaseLoggedIn)
		}
	} else if out.State == PhaseLoggedIn {
		out.State = PhaseLoggedOut
		a.setPhase(PhaseLoggedOut)
	}
	return out, nil
}

func (a *Actor) Logout(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	if err := a.store.Delete(ctx, a.cfg.Account); err != nil {
		return err
	}
	a.setPhase(PhaseLoggedOut)
	a.log.Info("logged out")
	if a.obs != nil {
		a.obs.SessionLogout(a.cfg.Account)
	}
	return nil
}

// RefreshIfNeeded logs in again when the session is missing or expires
// within the given margin. It reports whether a login ran.
func (a *Actor) RefreshIfNeeded(ctx context.Context, within time.Duration) (bool, error) {
	a.op.Lock()
	defer a.op.Unlock()

	st, err := a.store.Load(ctx, a.cfg.Account)
	if err != nil {
		return false, err
	}
	if st.Valid(a.now().Add(within)) {
		return false, nil
	}
	_, err = a.login(ctx)
	return true, err
}

// Registry hands out one Actor per account.
type Registry struct {
	mu     sync.Mutex
	def    string
	build  func(account string) *Actor
	actors map[string]*Actor
}

func NewRegistry(defaultAccount string, build func(account string) *Actor) *Registry {
	if defaultAccount == "" {
		defaultAccount = "default"
	}
	return &Registry{def: defaultAccount, build: build, actors: map[string]*Actor{}}
}

func (r *Registry) Get(account string) *Actor {
	if account == "" {
		account = r.def
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[account]; ok {
		return a
	}
	a := r.build(account)
	r.actors[account] = a
	return a
}

func (r *Registry) Default() *Actor { return r.Get("") }
