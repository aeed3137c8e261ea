// Package supervisor runs the long-lived routines of a postbot process
// (engine workers, alert senders, config watchers) under one context.
//
// A routine that panics is recovered and counted. Routines started with
// GoRestart come back after a backoff; routines started with Go fail the
// supervisor instead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// healthyRun resets the restart backoff of a routine that ran this long.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	mu       sync.Mutex
	firstErr error
	routines map[string]*Routine
}

type Option func(*Supervisor)

// Routine is the run history of every routine started under one name.
type Routine struct {
	Name      string    `json:"name"`
	Running   int       `json:"running"`
	Starts    uint64    `json:"starts"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

type Snapshot struct {
	FirstError string    `json:"first_error,omitempty"`
	Routines   []Routine `json:"routines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels every routine once a Go routine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		log:      logx.Nop(),
		idle:     make(chan struct{}),
		routines: map[string]*Routine{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure of a Go routine, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Routines: make([]Routine, 0, len(s.routines))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.routines {
		snap.Routines = append(snap.Routines, *r)
	}
	slices.SortFunc(snap.Routines, func(a, b Routine) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn once. Its error, other than cancellation, fails the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, nil)
}

type backoff struct {
	min, max time.Duration
}

type RestartOption func(*backoff)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(b *backoff) {
		if min > 0 {
			b.min = min
		}
		if max > 0 {
			b.max = max
		}
	}
}

// GoRestart runs fn until the context ends, restarting it with doubling
// backoff after an error or panic. A clean return ends the routine.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	b := backoff{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&b)
	}
	b.max = max(b.max, b.min)
	s.spawn(name, fn, &b)
}

func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, b *backoff) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var delay time.Duration
		if b != nil {
			delay = b.min
		}
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			began := s.begin(name, attempt > 0)
			err, panicked := s.call(name, fn)
			if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				err, panicked = nil, false
			}
			s.end(name, err, panicked)

			switch {
			case err == nil && !panicked:
				return
			case b == nil:
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}

			if time.Since(began) >= healthyRun {
				delay = b.min
			}
			s.log.Warn("routine restarting", logx.String("name", name), logx.Duration("backoff", delay), logx.Err(err))
			if !s.sleep(delay) {
				return
			}
			delay = min(delay*2, b.max)
		}
	}()
}

// call runs fn, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
			s.log.Error("routine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(s.ctx), false
}

func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) routine(name string) *Routine {
	r := s.routines[name]
	if r == nil {
		r = &Routine{Name: name}
		s.routines[name] = r
	}
	return r
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	r := s.routine(name)
	r.Running++
	r.Starts++
	if restart {
		r.Restarts++
	}
	r.StartedAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.mu.Lock()
	r := s.routine(name)
	r.Running = max(0, r.Running-1)
	if panicked {
		r.Panics++
	}
	if err != nil {
		r.LastErr, r.LastErrAt = err.Error(), time.Now()
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every routine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every routine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
