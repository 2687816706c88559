// Package simhw provides simulated hardware for tests and the simulator
// binary. The clock only advances when told to, so timing-dependent motion
// logic runs deterministically.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package simhw

import (
	"sync"
)

// Clock is a manually advanced microsecond clock.
type Clock struct {
	mu  sync.Mutex
	now int64
}

// NewClock returns a clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// NowMicros returns the current simulated time.
func (c *Clock) NowMicros() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SleepMicros advances the simulated time by n. In simulation a sleep is
// indistinguishable from time passing.
func (c *Clock) SleepMicros(n int64) {
	c.Advance(n)
}

// Advance moves the simulated time forward by n microseconds.
func (c *Clock) Advance(n int64) {
	c.mu.Lock()
	c.now += n
	c.mu.Unlock()
}

// Counter is a simulated hardware pulse counter. Tests feed encoder motion
// into it with AddPulses; the tracker reads and clears it like real
// hardware.
type Counter struct {
	mu        sync.Mutex
	count     int32
	wrapLimit int32
	clears    int
}

// NewCounter returns a counter with the given wrap limit.
func NewCounter(wrapLimit int32) *Counter {
	return &Counter{wrapLimit: wrapLimit}
}

// AddPulses simulates encoder motion: positive for forward rotation.
func (c *Counter) AddPulses(n int32) {
	c.mu.Lock()
	c.count += n
	c.mu.Unlock()
}

// Read returns the raw accumulated count.
func (c *Counter) Read() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, nil
}

// Clear zeros the raw count.
func (c *Counter) Clear() error {
	c.mu.Lock()
	c.count = 0
	c.clears++
	c.mu.Unlock()
	return nil
}

// WrapLimit returns the configured wrap limit.
func (c *Counter) WrapLimit() int32 {
	return c.wrapLimit
}

// Clears returns how many times Clear was called.
func (c *Counter) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// StepEvent records one step pulse with the state it was emitted under.
type StepEvent struct {
	TimeMicros int64
	Forward    bool
}

// Stepper records every pulse, direction change and enable transition.
type Stepper struct {
	mu      sync.Mutex
	clock   *Clock
	forward bool
	enabled bool

	steps      []StepEvent
	enableLog  []bool
	dirChanges int
}

// NewStepper returns a stepper recording against the given clock.
func NewStepper(clock *Clock) *Stepper {
	return &Stepper{clock: clock, forward: true}
}

// Step records a step pulse at the current simulated time.
func (s *Stepper) Step() {
	s.mu.Lock()
	s.steps = append(s.steps, StepEvent{TimeMicros: s.clock.NowMicros(), Forward: s.forward})
	s.mu.Unlock()
}

// SetDirection records the direction line state.
func (s *Stepper) SetDirection(forward bool) {
	s.mu.Lock()
	if s.forward != forward {
		s.dirChanges++
	}
	s.forward = forward
	s.mu.Unlock()
}

// SetEnabled records the enable line state.
func (s *Stepper) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.enableLog = append(s.enableLog, on)
	s.mu.Unlock()
}

// Steps returns a copy of all recorded step events.
func (s *Stepper) Steps() []StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepEvent, len(s.steps))
	copy(out, s.steps)
	return out
}

// StepCount returns the number of recorded steps.
func (s *Stepper) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Enabled returns the current enable line state.
func (s *Stepper) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// EnableTransitions returns the recorded enable line history.
func (s *Stepper) EnableTransitions() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.enableLog))
	copy(out, s.enableLog)
	return out
}

// DirectionChanges returns how many times the direction line flipped.
func (s *Stepper) DirectionChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirChanges
}
