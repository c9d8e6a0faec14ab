package pending

import "time"

// Clock is the time source used to stamp FireAt.
type Clock interface {
	Now() time.Time
}

// TimerHandle identifies an armed callback. It is opaque to everything but the
// Scheduler that produced it.
type TimerHandle interface{}

// Scheduler arms one-shot callbacks.
//
// After must not block. Cancel must be a no-op for handles that already fired
// or were already cancelled.
type Scheduler interface {
	After(d time.Duration, fn func()) TimerHandle
	Cancel(h TimerHandle)
}

// Terminator performs the actual power-off or reboot.
type Terminator interface {
	Terminate(reboot bool)
}

// TerminatorFunc adapts a plain function to Terminator.
type TerminatorFunc func(reboot bool)

func (f TerminatorFunc) Terminate(reboot bool) { f(reboot) }

// Action is a scheduled power-off or reboot.
type Action struct {
	ID     uint64
	FireAt time.Time
	Reboot bool
}

// Kind returns "reboot" or "poweroff".
func (a Action) Kind() string {
	if a.Reboot {
		return "reboot"
	}
	return "poweroff"
}

// Observer is notified after an action fired (entry already removed, before
// the Terminator runs). It must not block.
type Observer func(a Action)

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimerScheduler arms callbacks with time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) After(d time.Duration, fn func()) TimerHandle {
	return time.AfterFunc(d, fn)
}

func (TimerScheduler) Cancel(h TimerHandle) {
	if t, ok := h.(*time.Timer); ok && t != nil {
		t.Stop()
	}
}
