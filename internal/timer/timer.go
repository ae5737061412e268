// Package timer implements the monotonic clock and a one-shot system timer
// (see spec.md §4.7). The calibration strategy
// is an implementation choice per spec.md; this package uses Go's
// monotonic time.Now() reading, which the runtime guarantees is
// non-decreasing, satisfying the "strictly non-decreasing within a few
// microseconds of skew" contract without hand-rolled TSC calibration.
package timer

import (
	"sync"
	"time"
)

// Now returns the current monotonic timestamp in nanoseconds since an
// arbitrary epoch fixed at process start, per spec.md §4.7.
func Now() int64 {
	return int64(time.Since(epoch))
}

// epoch is the process-start reading Now measures from; time.Since uses
// its monotonic component.
var epoch = time.Now()

// OneShot is a per-CPU one-shot timer. Arm programs the next tick; no code
// in this repository arms one, and internal/sched does not rearm it on
// reschedule.
type OneShot struct {
	mu      sync.Mutex
	t       *time.Timer
	onFire  func()
}

// NewOneShot creates a timer that calls onFire (on its own goroutine, the
// simulated analogue of a timer-interrupt context) each time it fires.
// It starts disarmed.
func NewOneShot(onFire func()) *OneShot {
	return &OneShot{onFire: onFire}
}

// Arm (re)programs the timer to fire after d, canceling any pending fire.
func (o *OneShot) Arm(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
	}
	o.t = time.AfterFunc(d, o.onFire)
}

// Disarm cancels any pending fire.
func (o *OneShot) Disarm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
		o.t = nil
	}
}
