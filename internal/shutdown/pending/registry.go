// Package pending tracks scheduled power-off/reboot actions.
//
// A Registry owns every armed action. Each action is either armed (listed,
// timer running) or terminal (fired or cancelled, no longer listed); there is
// no way back to armed.
//
// Cancellation is best effort: CancelAll disarms every timer in its snapshot,
// but a callback that already started running may still reach the Terminator.
package pending

import (
	"sync"
	"time"
)

type entry struct {
	action Action
	timer  TimerHandle
	done   bool // fired or cancelled; guarded by Registry.mu
}

// Registry is safe for concurrent use. Timer callbacks and caller operations
// are serialized by a single mutex; the Terminator is never called with it held.
type Registry struct {
	clock Clock
	sched Scheduler
	term  Terminator

	mu      sync.Mutex
	seq     uint64
	entries []*entry
	onFire  Observer
}

type Option func(*Registry)

// WithClock overrides the default SystemClock.
func WithClock(c Clock) Option { return func(r *Registry) { r.clock = c } }

// WithScheduler overrides the default TimerScheduler.
func WithScheduler(s Scheduler) Option { return func(r *Registry) { r.sched = s } }

// WithObserver registers a hook run when an action fires.
func WithObserver(fn Observer) Option { return func(r *Registry) { r.onFire = fn } }

func NewRegistry(term Terminator, opts ...Option) *Registry {
	r := &Registry{
		clock: SystemClock{},
		sched: TimerScheduler{},
		term:  term,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Schedule arms a new action firing after d and returns it.
func (r *Registry) Schedule(d time.Duration, reboot bool) Action {
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	r.seq++
	e := &entry{action: Action{
		ID:     r.seq,
		FireAt: r.clock.Now().Add(d),
		Reboot: reboot,
	}}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	// Armed outside the lock: a scheduler may run fn synchronously.
	h := r.sched.After(d, func() { r.fire(e) })

	r.mu.Lock()
	e.timer = h
	done := e.done
	r.mu.Unlock()
	if done {
		// CancelAll ran while the timer was being armed (or it already fired).
		r.sched.Cancel(h)
	}
	return e.action
}

// List returns the armed actions in the order they were scheduled.
func (r *Registry) List() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.action)
	}
	return out
}

// Len reports how many actions are armed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll disarms every armed action and reports how many there were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	cancelled := r.entries
	r.entries = nil
	timers := make([]TimerHandle, 0, len(cancelled))
	for _, e := range cancelled {
		e.done = true
		if e.timer != nil {
			timers = append(timers, e.timer)
		}
	}
	r.mu.Unlock()

	for _, h := range timers {
		r.sched.Cancel(h)
	}
	return len(cancelled)
}

func (r *Registry) fire(e *entry) {
	r.mu.Lock()
	if e.done {
		// Cancelled between timer expiry and this callback.
		r.mu.Unlock()
		return
	}
	e.done = true
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	onFire := r.onFire
	r.mu.Unlock()

	if onFire != nil {
		onFire(e.action)
	}
	if r.term != nil {
		r.term.Terminate(e.action.Reboot)
	}
}
