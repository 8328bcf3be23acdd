// Package clock abstracts wall time and one-shot timers so the turn machine
// and the extraction coordinator can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the Clock backed by package time.
type Real struct{}

var _ Clock = Real{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manually advanced Clock. Timers fire synchronously on the
// goroutine calling Advance, in deadline order, outside the Fake's lock.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

var _ Clock = (*Fake)(nil)

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	f       *Fake
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run once the fake time reaches Now()+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, when: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the fake time forward by d, firing every timer whose
// deadline falls within the window. Timers armed by a firing callback fire
// too when their deadline is still within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		next.stopped = true
		if next.when.After(f.now) {
			f.now = next.when
		}
		fn := next.fn
		f.mu.Unlock()

		fn()
	}
}

// nextDueLocked drops stopped timers and returns the earliest one due by
// target, or nil.
func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
	sort.Slice(f.timers, func(i, j int) bool {
		if f.timers[i].when.Equal(f.timers[j].when) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].when.Before(f.timers[j].when)
	})
	if len(f.timers) == 0 || f.timers[0].when.After(target) {
		return nil
	}
	return f.timers[0]
}
