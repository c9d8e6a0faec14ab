// Package eventbus is a small in-memory fan-out used to decouple the shutdown
// plugin from whoever wants to observe it (app logging, tests).
//
// Publish never blocks. Slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeShutdownScheduled = "shutdown.scheduled"
	TypeShutdownCancelled = "shutdown.cancelled"
	TypeShutdownFired     = "shutdown.fired"
	TypeConfigReloaded    = "config.reloaded"

	TypePluginStarted = "plugin.started"
	TypePluginStopped = "plugin.stopped"
	TypePluginFailed  = "plugin.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// ShutdownData is the payload of the shutdown.* events.
type ShutdownData struct {
	ID     uint64    `json:"id,omitempty"`
	Kind   string    `json:"kind,omitempty"` // "poweroff" or "reboot"
	FireAt time.Time `json:"fire_at,omitempty"`
	Count  int       `json:"count,omitempty"` // cancelled entries
	Source string    `json:"source,omitempty"`
}

// PluginData is the payload of the plugin.* events.
type PluginData struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
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
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
