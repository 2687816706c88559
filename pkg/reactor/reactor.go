// Package reactor runs the daemon's periodic work: a timer dispatch loop
// over a monotonic microsecond clock. Callbacks return their next wake
// time, so a timer reschedules itself by returning a future time and
// retires by returning Never.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package reactor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Now schedules a timer for immediate dispatch.
	Now int64 = 0

	// Never parks a timer.
	Never int64 = math.MaxInt64
)

// Callback is invoked with the dispatch time in microseconds and returns
// the next wake time, or Never to retire the timer.
type Callback func(eventUs int64) int64

// Timer is a registered callback.
type Timer struct {
	id       uint64
	callback Callback

	mu       sync.Mutex
	wakeUs   int64
	running  bool
}

// WakeTime returns the timer's next wake time in microseconds.
func (t *Timer) WakeTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakeUs
}

// Reactor dispatches timers on one goroutine.
type Reactor struct {
	mu         sync.Mutex
	timers     []*Timer
	nextID     uint64
	nextWakeUs int64

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	start time.Time
}

// New creates a stopped reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWakeUs: Never,
		ctx:        ctx,
		cancel:     cancel,
		start:      time.Now(),
	}
}

// Monotonic returns microseconds since the reactor was created.
func (r *Reactor) Monotonic() int64 {
	return time.Since(r.start).Microseconds()
}

// RegisterTimer adds a timer waking at wakeUs.
func (r *Reactor) RegisterTimer(callback Callback, wakeUs int64) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t := &Timer{id: r.nextID, callback: callback, wakeUs: wakeUs}
	r.timers = append(r.timers, t)
	if wakeUs < r.nextWakeUs {
		r.nextWakeUs = wakeUs
	}
	return t
}

// UnregisterTimer removes a timer. Safe to call from a callback for a
// different timer; a callback retires its own timer by returning Never.
func (r *Reactor) UnregisterTimer(t *Timer) {
	t.mu.Lock()
	t.wakeUs = Never
	t.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.timers {
		if other.id == t.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// UpdateTimer moves a timer's wake time. A timer whose callback is running
// keeps the callback's return value instead.
func (r *Reactor) UpdateTimer(t *Timer, wakeUs int64) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.wakeUs = wakeUs
	t.mu.Unlock()

	r.mu.Lock()
	if wakeUs < r.nextWakeUs {
		r.nextWakeUs = wakeUs
	}
	r.mu.Unlock()
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatch()
}

// End stops the dispatch loop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatch() {
	defer r.wg.Done()

	for r.running.Load() {
		delayUs := r.fireDue(r.Monotonic())
		if delayUs <= 0 {
			continue
		}
		// Cap the sleep so newly registered earlier timers are never
		// starved for long.
		if delayUs > 1_000_000 {
			delayUs = 1_000_000
		}
		select {
		case <-time.After(time.Duration(delayUs) * time.Microsecond):
		case <-r.ctx.Done():
			return
		}
	}
}

// fireDue runs every due timer and returns microseconds until the next
// wake time.
func (r *Reactor) fireDue(eventUs int64) int64 {
	r.mu.Lock()
	if eventUs < r.nextWakeUs {
		delay := r.nextWakeUs - eventUs
		r.mu.Unlock()
		return delay
	}
	due := make([]*Timer, len(r.timers))
	copy(due, r.timers)
	r.nextWakeUs = Never
	r.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		if eventUs >= t.wakeUs {
			t.wakeUs = Never
			t.running = true
			t.mu.Unlock()

			next := t.callback(eventUs)

			t.mu.Lock()
			t.running = false
			if next < t.wakeUs {
				t.wakeUs = next
			}
		}
		wake := t.wakeUs
		t.mu.Unlock()

		r.mu.Lock()
		if wake < r.nextWakeUs {
			r.nextWakeUs = wake
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delay := r.nextWakeUs - eventUs
	if delay < 0 {
		delay = 0
	}
	return delay
}
