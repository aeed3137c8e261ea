package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier: disabled")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
)

const (
	sendTimeout = 10 * time.Second
	historySize = 100
)

// Service delivers alerts to the operator chat from a small worker pool.
// Delivery is rate limited and retried; a repeat of the same alert inside
// the dedup window is dropped.
type Service struct {
	log    logx.Logger
	sender kit.Sender

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	retry     retrypolicy.RetryPolicy[any]
	accepting bool
	inflight  sync.WaitGroup
	queue     chan Alert
	workers   *rtsup.Supervisor

	seen recent

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		seen:   recent{until: map[string]time.Time{}},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps rate, retry and dedup settings. Worker count and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg.Workers = max(cfg.Workers, 1)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	cfg.RatePerSec = max(cfg.RatePerSec, 1)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	cfg.RetryMaxDelay = max(cfg.RetryMaxDelay, cfg.RetryBase)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}

	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(cfg.RetryMax).
		WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay).
		WithJitterFactor(0.3).
		ReturnLastFailure().
		Build()

	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.retry = retry
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan Alert, s.cfg.QueueSize)
	s.queue, s.accepting = q, true
	s.workers = rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := range s.cfg.Workers {
		s.workers.GoRestart(fmt.Sprintf("notifier.%d", i), func(c context.Context) error {
			s.drain(c, q)
			return nil
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers))
}

// Stop refuses new alerts and sends what is queued until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, workers := s.queue, s.workers
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := workers.Wait(ctx); err != nil && ctx.Err() != nil {
		workers.Cancel()
		s.log.Warn("alerts dropped at shutdown", logx.Int("pending", len(q)))
	}

	s.mu.Lock()
	s.queue, s.workers = nil, nil
	s.mu.Unlock()
}

// Notify queues a. It returns nil without queueing when a is a repeat.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, capacity := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if window > 0 && !s.seen.admit(a.key(), window, capacity, time.Now()) {
		s.log.Debug("repeat alert dropped", logx.String("kind", a.Kind), logx.String("subject", a.Subject))
		return nil
	}
	select {
	case q <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// History returns the most recent delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(a Alert, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Kind: a.Kind, Subject: a.Subject, Text: text})
	if n := len(s.history); n > historySize {
		s.history = s.history[n-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) drain(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.Lock()
	target, lim, retry := s.cfg.Target, s.limiter, s.retry
	s.mu.Unlock()

	text := a.message()
	attempts := 0
	err := failsafe.With[any](retry).WithContext(ctx).RunWithExecution(func(exec failsafe.Execution[any]) error {
		attempts++
		if err := lim.Wait(exec.Context()); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(exec.Context(), sendTimeout)
		defer cancel()
		_, err := s.sender.SendText(callCtx, target, text, &kit.SendOptions{DisablePreview: true})
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("alert not delivered", logx.String("kind", a.Kind), logx.Int("attempts", attempts), logx.Err(err))
		}
		return
	}
	s.remember(a, text)
}

func (a Alert) key() string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", a.Kind, a.Subject, a.Severity, a.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// recent remembers alert keys until their dedup window ends.
type recent struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// admit records key and reports whether it was not already live. At most
// capacity keys are kept; the one expiring first is evicted.
func (r *recent) admit(key string, window time.Duration, capacity int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exp, ok := r.until[key]; ok && now.Before(exp) {
		return false
	}
	r.until[key] = now.Add(window)

	for k, exp := range r.until {
		if !now.Before(exp) {
			delete(r.until, k)
		}
	}
	for len(r.until) > capacity {
		var first string
		var firstAt time.Time
		for k, exp := range r.until {
			if first == "" || exp.Before(firstAt) {
				first, firstAt = k, exp
			}
		}
		delete(r.until, first)
	}
	return true
}
