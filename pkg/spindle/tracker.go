// Spindle position and velocity tracking for the goels controller
//
// The Tracker turns raw hardware pulse-counter readings into the spindle
// state every other component consumes: a wrapped position, a
// backlash-filtered averaged position, a monotonic global position and an
// RPM estimate. It is the single writer of that state; everyone else reads.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package spindle

import (
	"sync"

	"goels/pkg/errors"
	"goels/pkg/hal"
	"goels/pkg/log"
)

// Config holds the encoder parameters of the spindle.
type Config struct {
	// StepsPerRev is the number of counted pulses per full spindle
	// revolution (PPR times the quadrature factor).
	StepsPerRev int64

	// Backlash is the encoder-coupling lost motion in pulses. The
	// averaged position lags the raw position by up to this much on
	// reversal.
	Backlash int64

	// ClearThreshold is the raw counter magnitude at which the hardware
	// counter is cleared to preserve delta continuity. Zero selects half
	// the counter's wrap limit.
	ClearThreshold int32
}

// Tracker converts pulse-counter deltas into spindle state.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	clock   hal.Clock
	counter hal.PulseCounter
	logger  *log.Logger

	clearAt int32
	lastRaw int32

	// pos accumulates unwrapped so the backlash filter and the
	// synchronization formula see continuous motion across revolutions.
	// Position() exposes the wrapped view.
	pos       int64
	posAvg    int64
	posGlobal int64

	// RPM is measured over a window of one revolution's worth of pulses.
	windowStartUs int64
	windowPulses  int64
	rpm           int64

	lastUpdateUs int64
	syncOffset   int64
}

// New creates a Tracker reading from the given counter.
func New(cfg Config, clock hal.Clock, counter hal.PulseCounter, logger *log.Logger) *Tracker {
	clearAt := cfg.ClearThreshold
	if clearAt <= 0 {
		clearAt = counter.WrapLimit() / 2
	}
	now := clock.NowMicros()
	t := &Tracker{
		cfg:           cfg,
		clock:         clock,
		counter:       counter,
		logger:        logger,
		clearAt:       clearAt,
		windowStartUs: now,
		lastUpdateUs:  now,
	}
	logger.Debug("tracker created: %d steps/rev, backlash %d, clear at %d",
		cfg.StepsPerRev, cfg.Backlash, clearAt)
	return t
}

// Update reads the hardware counter and folds any new pulses into the
// spindle state. It must be called from the periodic tick; a zero delta is
// a no-op.
func (t *Tracker) Update() error {
	raw, err := t.counter.Read()
	if err != nil {
		return errors.Wrap(err, errors.ErrHardware, "pulse counter read")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delta := int64(raw - t.lastRaw)
	if delta == 0 {
		return nil
	}

	// Reset the hardware counter before it can reach the wrap boundary.
	// The delta above was computed against the pre-clear reading, so
	// continuity is preserved.
	if raw >= t.clearAt || raw <= -t.clearAt {
		if err := t.counter.Clear(); err != nil {
			return errors.Wrap(err, errors.ErrHardware, "pulse counter clear")
		}
		t.lastRaw = 0
	} else {
		t.lastRaw = raw
	}

	t.apply(delta)
	return nil
}

// apply folds delta pulses into position, averaged position, global
// position and the RPM window. Caller holds the lock.
func (t *Tracker) apply(delta int64) {
	now := t.clock.NowMicros()

	// RPM over the previous full-revolution window. The estimate keeps
	// its prior value (0 initially) until a window completes.
	if t.windowPulses >= t.cfg.StepsPerRev {
		if elapsed := now - t.windowStartUs; elapsed > 0 {
			t.rpm = 60_000_000 / elapsed
		}
		t.windowStartUs = now
		t.windowPulses = 0
	}
	if delta > 0 {
		t.windowPulses += delta
	} else {
		t.windowPulses -= delta
	}

	t.pos += delta
	t.posGlobal += delta

	// Backlash filter: the averaged position follows immediately on
	// forward motion and only after the dead zone is consumed on
	// reversal.
	if t.pos > t.posAvg {
		t.posAvg = t.pos
	} else if t.pos < t.posAvg-t.cfg.Backlash {
		t.posAvg = t.pos + t.cfg.Backlash
	}

	t.lastUpdateUs = now
}

// ResetPosition zeroes the wrapped and averaged positions and the sync
// offset. The global position is never reset.
func (t *Tracker) ResetPosition() {
	t.mu.Lock()
	t.pos = 0
	t.posAvg = 0
	t.syncOffset = 0
	t.mu.Unlock()
	t.logger.Debug("position reset")
}

// Position returns the spindle position wrapped into [0, StepsPerRev).
func (t *Tracker) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.normalize(t.pos)
}

// AveragePosition returns the backlash-filtered position. It is unwrapped:
// continuous rotation keeps increasing it, which is what the
// synchronization formula needs.
func (t *Tracker) AveragePosition() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posAvg
}

// GlobalPosition returns the monotonic position that survives resets.
func (t *Tracker) GlobalPosition() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posGlobal
}

// RPM returns the latest revolution-window RPM estimate.
func (t *Tracker) RPM() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpm
}

// SetSyncOffset records a spindle-axis phase correction. It is held while
// an axis is pinned at a soft limit with the spindle still turning, so
// motion can resume without a jump once the axis comes off the limit.
func (t *Tracker) SetSyncOffset(offset int64) {
	t.mu.Lock()
	t.syncOffset = offset
	t.mu.Unlock()
	if offset != 0 {
		t.logger.Debug("sync offset set: %d", offset)
	}
}

// SyncOffset returns the current sync offset.
func (t *Tracker) SyncOffset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncOffset
}

// IsSpinning reports whether any pulses arrived within the last timeout
// microseconds.
func (t *Tracker) IsSpinning(timeoutUs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.NowMicros()-t.lastUpdateUs < timeoutUs
}

// StepsPerRev returns the configured pulses per revolution.
func (t *Tracker) StepsPerRev() int64 {
	return t.cfg.StepsPerRev
}

func (t *Tracker) normalize(pos int64) int64 {
	pos %= t.cfg.StepsPerRev
	if pos < 0 {
		pos += t.cfg.StepsPerRev
	}
	return pos
}
