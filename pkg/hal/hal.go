// Package hal defines the hardware capabilities the motion core consumes.
//
// The core never touches peripherals directly: it is handed a Clock, a
// PulseCounter and one Stepper per axis, implemented once per target
// platform. The simulated implementations in simhw let the whole core run
// deterministically under test; periphhw implements the same contracts on
// real GPIO.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package hal

// Clock provides microsecond wall time for step pacing and RPM measurement.
type Clock interface {
	// NowMicros returns the current monotonic time in microseconds.
	NowMicros() int64

	// SleepMicros blocks for roughly n microseconds. Used for the
	// direction-setup and driver-settle delays; n is always small.
	SleepMicros(n int64)
}

// PulseCounter is a hardware quadrature pulse counter. Read returns the raw
// accumulated count; the caller diffs successive readings and must call
// Clear before the count reaches ±WrapLimit to preserve delta continuity.
type PulseCounter interface {
	Read() (int32, error)
	Clear() error

	// WrapLimit returns the absolute raw count at which the hardware
	// counter would wrap.
	WrapLimit() int32
}

// Stepper drives one axis's step/direction/enable lines.
type Stepper interface {
	// Step emits a single step pulse.
	Step()

	// SetDirection sets the direction line. Any electrical inversion is
	// the implementation's concern; forward here is logical forward.
	SetDirection(forward bool)

	// SetEnabled asserts or de-asserts the driver enable line.
	SetEnabled(on bool)
}
