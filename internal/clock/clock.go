// Package clock provides the injectable time source shared by the turn
// detector and the device manager, plus a cancel-once deferred task built on
// top of it.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a time source. Production code uses [Wall]; tests use [Manual].
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the stoppable handle returned by [Clock.AfterFunc].
type Timer interface {
	Stop() bool
}

// Wall is the [Clock] backed by package time.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Wall) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Task is a deferred action that can be cancelled exactly once. Cancel is
// idempotent and safe from any goroutine. A cancelled task never runs its
// action, even if the underlying timer already fired and the action is
// waiting for a lock; callers re-check [Task.Cancelled] once they hold it.
type Task struct {
	once      sync.Once
	cancelled atomic.Bool
	timer     Timer
}

// Schedule arranges for fn to run with the returned task after d.
func Schedule(c Clock, d time.Duration, fn func(*Task)) *Task {
	t := &Task{}
	t.timer = c.AfterFunc(d, func() {
		if t.cancelled.Load() {
			return
		}
		fn(t)
	})
	return t
}

// Cancel prevents the task from running. Only the first call has an effect.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancelled.Store(true)
		if t.timer != nil {
			t.timer.Stop()
		}
	})
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}
