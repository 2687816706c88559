// Package periphhw implements the hal capabilities on real GPIO using
// periph.io. Step/direction/enable lines map to named pins; the quadrature
// encoder is decoded in software by a dedicated goroutine counting edge
// transitions into an atomic counter that honors the hal.PulseCounter
// wrap-and-clear contract.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package periphhw

import (
	"sync/atomic"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"goels/pkg/errors"
	"goels/pkg/log"
)

// Init initializes the periph host drivers. Must be called once before any
// other constructor in this package.
func Init() error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, errors.ErrHardware, "periph host init")
	}
	return nil
}

// Clock implements hal.Clock on the OS monotonic clock.
type Clock struct {
	base time.Time
}

// NewClock returns a clock anchored at its creation time.
func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

// NowMicros returns microseconds since the clock was created.
func (c *Clock) NowMicros() int64 {
	return time.Since(c.base).Microseconds()
}

// SleepMicros busy-sleeps for n microseconds. The delays in the step path
// are a few microseconds, below what the OS timer can honor with a
// blocking sleep.
func (c *Clock) SleepMicros(n int64) {
	deadline := c.NowMicros() + n
	for c.NowMicros() < deadline {
	}
}

// Stepper drives step/dir/enable GPIO lines.
type Stepper struct {
	step      gpio.PinIO
	dir       gpio.PinIO
	enable    gpio.PinIO
	invertDir bool
	invertEna bool
	logger    *log.Logger
}

// StepperPins names the GPIO lines of one axis driver.
type StepperPins struct {
	Step      string
	Dir       string
	Enable    string
	InvertDir bool
	InvertEna bool
}

// NewStepper resolves the named pins and returns a Stepper.
func NewStepper(pins StepperPins, logger *log.Logger) (*Stepper, error) {
	s := &Stepper{invertDir: pins.InvertDir, invertEna: pins.InvertEna, logger: logger}
	for _, p := range []struct {
		name string
		dst  *gpio.PinIO
	}{
		{pins.Step, &s.step},
		{pins.Dir, &s.dir},
		{pins.Enable, &s.enable},
	} {
		pin := gpioreg.ByName(p.name)
		if pin == nil {
			return nil, errors.Newf(errors.ErrHardware, "gpio pin %q not found", p.name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, errors.Wrap(err, errors.ErrHardware, "gpio pin "+p.name)
		}
		*p.dst = pin
	}
	// Step line idles high; the pulse is a low-going edge.
	s.step.Out(gpio.High)
	return s, nil
}

// Step emits one low-going step pulse.
func (s *Stepper) Step() {
	s.step.Out(gpio.Low)
	s.step.Out(gpio.High)
}

// SetDirection sets the direction line, applying electrical inversion.
func (s *Stepper) SetDirection(forward bool) {
	s.dir.Out(gpio.Level(forward != s.invertDir))
}

// SetEnabled drives the enable line, applying electrical inversion.
func (s *Stepper) SetEnabled(on bool) {
	s.enable.Out(gpio.Level(on != s.invertEna))
}

// Counter decodes a quadrature encoder in software. A goroutine waits for
// edges on channel A and samples channel B for direction, accumulating into
// an atomic count.
type Counter struct {
	a, b      gpio.PinIO
	count     atomic.Int32
	wrapLimit int32
	stop      chan struct{}
	logger    *log.Logger
}

// NewCounter resolves the encoder pins and starts the decode goroutine.
func NewCounter(pinA, pinB string, wrapLimit int32, logger *log.Logger) (*Counter, error) {
	a := gpioreg.ByName(pinA)
	b := gpioreg.ByName(pinB)
	if a == nil || b == nil {
		return nil, errors.Newf(errors.ErrHardware, "encoder pins %q/%q not found", pinA, pinB)
	}
	if err := a.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, errors.Wrap(err, errors.ErrHardware, "encoder pin "+pinA)
	}
	if err := b.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrap(err, errors.ErrHardware, "encoder pin "+pinB)
	}

	c := &Counter{a: a, b: b, wrapLimit: wrapLimit, stop: make(chan struct{}), logger: logger}
	go c.decode()
	return c, nil
}

func (c *Counter) decode() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if !c.a.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		// Rising A with B low (or falling A with B high) is forward.
		if (c.a.Read() == gpio.High) == (c.b.Read() == gpio.Low) {
			c.count.Add(1)
		} else {
			c.count.Add(-1)
		}
	}
}

// Read returns the raw accumulated count.
func (c *Counter) Read() (int32, error) {
	return c.count.Load(), nil
}

// Clear zeros the raw count.
func (c *Counter) Clear() error {
	c.count.Store(0)
	return nil
}

// WrapLimit returns the count at which the accumulator is treated as
// wrapping. Software accumulation wraps at int32 range, but the tracker
// clears far earlier to match the hardware-counter contract.
func (c *Counter) WrapLimit() int32 {
	return c.wrapLimit
}

// Close stops the decode goroutine.
func (c *Counter) Close() {
	close(c.stop)
}
