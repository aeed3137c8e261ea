// Package eventbus fans pipeline events out to in-process subscribers.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	QueuePopulated     = "queue.populated"
	EntryPosted        = "entry.posted"
	EntryFailed        = "entry.failed"
	DispatchFinished   = "dispatch.finished"
	AnalyticsRefreshed = "analytics.refreshed"
	SessionLogin       = "session.login"
	SessionLogout      = "session.logout"
	JobStarted         = "job.started"
	JobFinished        = "job.finished"
	JobFailed          = "job.failed"
	JobSkipped         = "job.skipped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// PopulateEvent is the payload of QueuePopulated.
type PopulateEvent struct {
	Created   int      `json:"created"`
	Skipped   int      `json:"skipped"`
	Fallbacks int      `json:"fallbacks"`
	EntryIDs  []string `json:"entry_ids,omitempty"`
}

// EntryEvent is the payload of EntryPosted and EntryFailed.
type EntryEvent struct {
	QueueID     string `json:"queue_id"`
	ContentType string `json:"content_type"`
	PagePostID  string `json:"page_post_id,omitempty"`
	GroupPostID string `json:"group_post_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DispatchEvent is the payload of DispatchFinished. Downstream consumers read
// PagePostIDs to pick up freshly published page posts.
type DispatchEvent struct {
	Posted       int      `json:"posted"`
	Failed       int      `json:"failed"`
	PagePostIDs  []string `json:"page_post_ids"`
	GroupPostIDs []string `json:"group_post_ids,omitempty"`
}

type AnalyticsEvent struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type SessionEvent struct {
	Account string `json:"account"`
	Error   string `json:"error,omitempty"`
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
