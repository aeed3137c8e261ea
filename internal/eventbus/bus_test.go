package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutToEverySubscriber(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: DispatchFinished, Data: DispatchEvent{Posted: 1, PagePostIDs: []string{"p1"}}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, DispatchFinished, e.Type)
		assert.False(t, e.Time.IsZero())
		d, ok := e.Data.(DispatchEvent)
		require.True(t, ok)
		assert.Equal(t, []string{"p1"}, d.PagePostIDs)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: EntryPosted})
	b.Publish(Event{Type: EntryFailed})

	assert.Equal(t, EntryPosted, (<-ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	b.Publish(Event{Type: SessionLogout})
}
