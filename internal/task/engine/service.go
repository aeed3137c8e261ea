// Package engine runs pipeline jobs on a bounded worker pool.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/eventbus"
	rtsup "postbot/internal/runtime/supervisor"
	logx "postbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastWarnAt       atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
	// done receives the run result; buffered so workers never block on it.
	done chan error
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: make(map[string]*runState),
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, stopCh, queue)
		})
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels running tasks and waits for the workers, bounded by ctx.
// Tasks still queued are released with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
	}
	for drained := false; !drained; {
		select {
		case qt := <-queue:
			s.finish(qt, ErrStopped)
		default:
			drained = true
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
	s.log.Info("task engine stopped")
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	_, err := s.enqueue(context.Background(), t, false)
	return err
}

// Submit queues t, waiting for queue space until ctx is done.
func (s *Service) Submit(ctx context.Context, t Task) error {
	_, err := s.enqueue(ctx, t, true)
	return err
}

// Run queues t and waits for it to finish, returning the task's own error.
// The task keeps running if ctx ends first.
func (s *Service) Run(ctx context.Context, t Task) error {
	done, err := s.enqueue(ctx, t, true)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) (<-chan error, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	if q == nil {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, done: make(chan error, 1)}
	if t.SkipIfRunning {
		st := s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"}})
			s.log.Info("job skipped: previous run still active", logx.String("job", t.Name))
			return nil, ErrOverlapSkip
		}
		qt.state = st
	}

	if !block {
		select {
		case q <- qt:
			return qt.done, nil
		default:
			s.release(qt)
			s.onQueueFull(now, t, q)
			return nil, ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return qt.done, nil
	case <-ctx.Done():
		s.release(qt)
		return nil, ctx.Err()
	case <-stopCh:
		s.release(qt)
		return nil, ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) release(qt queuedTask) {
	if qt.state != nil {
		qt.state.release()
	}
}

func (s *Service) finish(qt queuedTask, err error) {
	s.release(qt)
	qt.done <- err
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastWarnAt.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
	if s.shouldWarn(now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
	}
}
