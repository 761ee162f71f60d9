// Package timectrl paces an experiment run. A TimeController bounds how long
// the simulation may run in wall-clock time and reports progress to
// listeners once per tick.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock gives read access to a running controller.
type Clock interface {
	// Now returns the time of the last tick.
	Now() time.Time
	// Elapsed returns the run time covered so far.
	Elapsed() time.Duration
}

// Progress is delivered to listeners on every tick.
type Progress struct {
	At      time.Time
	Elapsed time.Duration
	// Remaining is zero for unbounded runs.
	Remaining time.Duration
}

// DefaultTick is the progress interval used when none is given.
const DefaultTick = 10 * time.Second

// TimeController drives run time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration

	currentTime time.Time
	expired     bool
	started     bool
	stop        chan struct{}
	stopOnce    sync.Once

	listeners []func(Progress)
	now       func() time.Time
}

// NewTimeController constructs a controller that ticks every tick.
func NewTimeController(tick time.Duration) *TimeController {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &TimeController{Tick: tick, stop: make(chan struct{}), now: time.Now}
}

// Now returns the time of the last tick, or the start time before the
// first one.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns how far the run has progressed.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if tc.StartTime.IsZero() {
		return 0
	}
	return tc.currentTime.Sub(tc.StartTime)
}

// Expired reports whether the run ended because its duration ran out.
func (tc *TimeController) Expired() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.expired
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(Progress)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Stop ends the run early. It is safe to call more than once.
func (tc *TimeController) Stop() {
	tc.stopOnce.Do(func() { close(tc.stop) })
}

// Start runs the controller in a separate goroutine until duration elapses,
// ctx ends or Stop is called. A zero duration runs until one of the latter.
// It returns a channel that is closed when the controller finishes. Start
// may be called once.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})

	tc.mu.Lock()
	if tc.started {
		tc.mu.Unlock()
		close(done)
		return done
	}
	tc.started = true
	tc.StartTime = tc.now()
	tc.currentTime = tc.StartTime
	tc.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		var deadline <-chan time.Time
		if duration > 0 {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			deadline = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-tc.stop:
				return
			case <-deadline:
				tc.mu.Lock()
				tc.expired = true
				tc.currentTime = tc.now()
				tc.mu.Unlock()
				return
			case <-ticker.C:
			}

			tc.mu.Lock()
			tc.currentTime = tc.now()
			p := Progress{At: tc.currentTime, Elapsed: tc.currentTime.Sub(tc.StartTime)}
			if duration > 0 && p.Elapsed < duration {
				p.Remaining = duration - p.Elapsed
			}
			listeners := append([]func(Progress){}, tc.listeners...)
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(p)
			}
		}
	}()
	return done
}
