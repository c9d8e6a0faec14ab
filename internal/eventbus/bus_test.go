package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeShutdownScheduled, Data: ShutdownData{ID: 1, Kind: "reboot"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		require.Equal(t, TypeShutdownScheduled, e.Type)
		require.False(t, e.Time.IsZero())
		require.Equal(t, "reboot", e.Data.(ShutdownData).Kind)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"}) // dropped, must not block
	require.Equal(t, "one", (<-ch).Type)
	require.Len(t, ch, 0)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}
