// Acceleration-limited stepper control for one machine axis
//
// The Engine owns an axis's motion state and turns targets into physical
// step pulses: acceleration and deceleration ramps, mechanical backlash
// compensation, soft travel limits and a reference-counted driver enable.
// MoveTo records a target; Update, called from the periodic tick, emits at
// most one pulse per call. Update must be invoked at least as often as the
// fastest configured step rate — a missed invocation is a lost step.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package axis

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"goels/pkg/errors"
	"goels/pkg/hal"
	"goels/pkg/log"
)

const (
	// moveToTimeout bounds the wait for exclusive state access in MoveTo
	// and SetOrigin. They fail with RESOURCE_BUSY rather than block the
	// caller's scheduling context.
	moveToTimeout = 10 * time.Millisecond

	// movingWindowUs is how long after the last pulse an axis still
	// reports as moving.
	movingWindowUs = 50_000
)

// Config holds the mechanical and electrical parameters of one axis.
type Config struct {
	// Name identifies the axis: "z", "x" or "a1".
	Name string

	// Active marks the axis as present in the machine.
	Active bool

	// Rotational is true for an indexing axis (A1), false for a linear
	// slide.
	Rotational bool

	// MotorSteps is the number of motor steps per revolution, including
	// microstepping.
	MotorSteps float64

	// LeadscrewDu is the axial travel per motor revolution in
	// deci-microns (degrees x100 for a rotational axis).
	LeadscrewDu float64

	// SpeedStart is the speed an acceleration ramp starts from, in
	// steps per second.
	SpeedStart float64

	// SpeedManual is the maximum manual-move speed in steps per second.
	// It is the default speed ceiling and the braking-lookahead origin.
	SpeedManual float64

	// Acceleration in steps per second squared.
	Acceleration float64

	// Invert flips the electrical direction line (handled by the HAL
	// stepper; kept here for configuration pass-through).
	Invert bool

	// NeedsRest is true for open-loop drivers that must be de-energized
	// at idle. Axes without it ignore enable calls entirely.
	NeedsRest bool

	// MaxTravelMm is the mechanical travel ceiling in millimeters; a
	// commanded move beyond it is refused outright.
	MaxTravelMm int64

	// BacklashDu is the drivetrain lost motion in deci-microns.
	BacklashDu int64

	// EnableSettleMs delays the first step after the driver is
	// energized. Zero selects 100 ms.
	EnableSettleMs int64

	// DirSetupUs delays stepping after a direction change so the driver
	// latches the direction line. Zero selects 5 us.
	DirSetupUs int64
}

// Stop is a soft travel limit. The zero value is "not set" — an explicit
// tag instead of an extreme-integer sentinel, so legitimate extreme
// positions cannot collide with "unset".
type Stop struct {
	set bool
	pos int64
}

// StopAt returns a set Stop at the given position in steps.
func StopAt(pos int64) Stop {
	return Stop{set: true, pos: pos}
}

// NoStop returns an unset Stop.
func NoStop() Stop {
	return Stop{}
}

// IsSet reports whether the limit is set.
func (s Stop) IsSet() bool { return s.set }

// Position returns the limit position. Only meaningful when IsSet.
func (s Stop) Position() int64 { return s.pos }

// Engine drives one axis.
type Engine struct {
	cfg     Config
	stepper hal.Stepper
	clock   hal.Clock
	logger  *log.Logger

	// Derived at construction.
	backlashSteps   int64
	travelLimit     int64
	decelerateSteps int64
	stepsPerDu      float64
	settleUs        int64
	dirSetupUs      int64

	// sem serializes all motion-state mutation. MoveTo and SetOrigin
	// acquire it with a bounded wait; Update try-acquires and skips the
	// tick on contention so the timing-critical loop never stalls.
	sem chan struct{}

	// Positions are atomics so queries never contend with the step path.
	tool    atomic.Int64
	motor   atomic.Int64
	global  atomic.Int64
	origin  atomic.Int64
	pending atomic.Int64

	fractionalDu float64 // sub-step remainder for du-denominated moves

	speedBits    atomic.Uint64 // float64 bits, current speed in steps/s
	speedMaxBits atomic.Uint64
	continuous   bool
	direction    bool
	dirInit      bool
	lastStepUs   atomic.Int64

	stopMu    sync.Mutex
	leftStop  Stop
	rightStop Stop

	enableMu    sync.Mutex
	enableCount int
}

// New creates an Engine for the given axis.
func New(cfg Config, stepper hal.Stepper, clock hal.Clock, logger *log.Logger) *Engine {
	settle := cfg.EnableSettleMs
	if settle <= 0 {
		settle = 100
	}
	dirSetup := cfg.DirSetupUs
	if dirSetup <= 0 {
		dirSetup = 5
	}

	e := &Engine{
		cfg:        cfg,
		stepper:    stepper,
		clock:      clock,
		logger:     logger,
		stepsPerDu: cfg.MotorSteps / cfg.LeadscrewDu,
		settleUs:   settle * 1000,
		dirSetupUs: dirSetup,
		sem:        make(chan struct{}, 1),
	}
	e.sem <- struct{}{}

	e.backlashSteps = int64(math.Round(float64(cfg.BacklashDu) * e.stepsPerDu))
	e.travelLimit = int64(float64(cfg.MaxTravelMm) * 10000 * e.stepsPerDu)

	// Braking lookahead: how many steps it takes to ramp from maximum
	// manual speed down to the start speed, by the same discrete
	// integration the step loop performs.
	if cfg.Acceleration > 0 {
		s := cfg.SpeedManual
		for s > cfg.SpeedStart {
			e.decelerateSteps++
			s -= cfg.Acceleration / s
		}
	}

	e.setSpeed(cfg.SpeedStart)
	e.speedMaxBits.Store(math.Float64bits(cfg.SpeedManual))

	logger.Debug("axis created: backlash %d steps, travel ceiling %d steps, decelerate %d steps",
		e.backlashSteps, e.travelLimit, e.decelerateSteps)
	return e
}

// acquire takes the state semaphore, waiting at most timeout.
func (e *Engine) acquire(timeout time.Duration) bool {
	select {
	case <-e.sem:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.sem:
		return true
	case <-t.C:
		return false
	}
}

// tryAcquire takes the state semaphore without waiting.
func (e *Engine) tryAcquire() bool {
	select {
	case <-e.sem:
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	e.sem <- struct{}{}
}

// MoveTo records a new target position in steps. With continuous true the
// target is expected to be re-issued every tick by a synchronized mode and
// the ramp never plans a stop on its own. Fails with RESOURCE_BUSY when
// exclusive access cannot be acquired in time, and with TRAVEL_LIMIT when
// the commanded travel exceeds the mechanical ceiling; state is unchanged
// in both cases.
func (e *Engine) MoveTo(target int64, continuous bool) error {
	if !e.acquire(moveToTimeout) {
		return errors.Busy("moveTo").SetAxis(e.cfg.Name)
	}
	defer e.release()
	return e.moveLocked(target, continuous)
}

// moveLocked is MoveTo with the semaphore already held.
func (e *Engine) moveLocked(target int64, continuous bool) error {
	tool := e.tool.Load()
	if target == tool {
		e.continuous = continuous
		e.pending.Store(0)
		return nil
	}

	travel := target - tool
	if travel < 0 {
		travel = -travel
	}
	if travel > e.travelLimit {
		return errors.TravelLimit(e.cfg.Name, travel, e.travelLimit)
	}

	// Backlash is front-loaded on the side about to take up mechanical
	// slack: a backward move first winds the motor through the dead
	// zone before the tool follows.
	backlash := int64(0)
	if target < tool {
		backlash = e.backlashSteps
	}
	e.continuous = continuous
	e.pending.Store(target - e.motor.Load() - backlash)
	return nil
}

// MoveByDu moves the axis by a distance in deci-microns, carrying the
// sub-step remainder so repeated small moves do not lose distance.
func (e *Engine) MoveByDu(deltaDu float64, continuous bool) error {
	if !e.acquire(moveToTimeout) {
		return errors.Busy("moveByDu").SetAxis(e.cfg.Name)
	}
	defer e.release()

	total := e.fractionalDu + deltaDu*e.stepsPerDu
	steps := math.Trunc(total)
	e.fractionalDu = total - steps
	return e.moveLocked(e.tool.Load()+int64(steps), continuous)
}

// Update executes at most one step toward the pending target. It never
// blocks: on lock contention the tick is skipped and the pulse is emitted
// one tick late.
func (e *Engine) Update() {
	if !e.tryAcquire() {
		return
	}
	defer e.release()

	pending := e.pending.Load()
	if pending == 0 {
		// Idle ramp-down toward the start speed.
		if s := e.speed(); s > e.cfg.SpeedStart {
			e.setSpeed(s - 1)
		}
		return
	}

	now := e.clock.NowMicros()
	delayUs := 1_000_000 / e.speed()
	// A pulse may fire up to 5us ahead of the nominal delay. Ticks land
	// with scheduler jitter; without the slack a pulse due right on a
	// tick boundary would slip a whole tick, dragging the step rate
	// below the commanded speed.
	if float64(now-e.lastStepUs.Load()) < delayUs-5 {
		return
	}

	forward := pending > 0
	e.setDirection(forward)

	e.stepper.Step()

	var delta int64 = 1
	if !forward {
		delta = -1
	}
	e.pending.Add(-delta)

	// The motor advances every step; the tool only advances once the
	// slack in that direction has been consumed.
	tool := e.tool.Load()
	motor := e.motor.Load()
	if forward && motor >= tool {
		e.tool.Add(1)
	} else if !forward && motor <= tool-e.backlashSteps {
		e.tool.Add(-1)
	}
	e.motor.Add(delta)
	e.global.Add(delta)

	// Accelerate while continuous or still outside the braking
	// lookahead; decelerate on final approach.
	pending = e.pending.Load()
	accelerate := e.continuous || pending >= e.decelerateSteps || pending <= -e.decelerateSteps

	speed := e.speed()
	if accelerate {
		speed += e.cfg.Acceleration * delayUs / 1_000_000
	} else {
		speed -= e.cfg.Acceleration * delayUs / 1_000_000
	}
	if max := e.speedMax(); speed > max {
		speed = max
	}
	if speed < e.cfg.SpeedStart {
		speed = e.cfg.SpeedStart
	}
	e.setSpeed(speed)

	e.lastStepUs.Store(now)
}

// setDirection drives the direction line. A stepper must never reverse at
// speed, so any change forces the ramp back to the start speed and waits
// out the driver's direction-setup time.
func (e *Engine) setDirection(forward bool) {
	if e.dirInit && e.direction == forward {
		return
	}
	e.setSpeed(e.cfg.SpeedStart)
	e.direction = forward
	e.dirInit = true
	e.stepper.SetDirection(forward)
	e.clock.SleepMicros(e.dirSetupUs)
}

// SetEnabled adjusts the reference-counted driver enable. The line is
// asserted on the first enable (with a settle delay before any step may
// follow) and de-asserted when the count returns to zero. Axes that do not
// need idle rest ignore the call.
func (e *Engine) SetEnabled(on bool) {
	if !e.cfg.NeedsRest || !e.cfg.Active {
		return
	}
	e.enableMu.Lock()
	defer e.enableMu.Unlock()

	if on {
		e.enableCount++
		if e.enableCount == 1 {
			e.stepper.SetEnabled(true)
			e.clock.SleepMicros(e.settleUs)
			e.logger.Debug("driver enabled")
		}
	} else if e.enableCount > 0 {
		e.enableCount--
		if e.enableCount == 0 {
			e.stepper.SetEnabled(false)
			e.logger.Debug("driver disabled")
		}
	}
}

// ForceDisable de-asserts the driver line regardless of the reference
// count. Used by the safety supervisor on emergency stop.
func (e *Engine) ForceDisable() {
	if !e.cfg.Active {
		return
	}
	e.enableMu.Lock()
	e.enableCount = 0
	e.stepper.SetEnabled(false)
	e.enableMu.Unlock()
	e.logger.Warn("driver force-disabled")
}

// SetOrigin shifts the coordinate system so the current tool position
// becomes zero. Soft limits shift by the same amount so they stay at the
// same physical place. Atomic with respect to step execution.
func (e *Engine) SetOrigin() error {
	if !e.acquire(moveToTimeout) {
		return errors.Busy("setOrigin").SetAxis(e.cfg.Name)
	}
	defer e.release()

	tool := e.tool.Load()

	e.stopMu.Lock()
	if e.leftStop.set {
		e.leftStop.pos -= tool
	}
	if e.rightStop.set {
		e.rightStop.pos -= tool
	}
	e.stopMu.Unlock()

	e.motor.Add(-tool)
	e.origin.Add(tool)
	e.tool.Store(0)
	e.fractionalDu = 0
	e.pending.Store(0)
	return nil
}

// ResetOrigin makes the current position the absolute zero without
// shifting the coordinate system.
func (e *Engine) ResetOrigin() {
	e.origin.Store(-e.tool.Load())
}

// SetLeftStop sets or clears the left soft limit. The left stop must stay
// at or above the right stop.
func (e *Engine) SetLeftStop(s Stop) error {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if s.set && e.rightStop.set && s.pos < e.rightStop.pos {
		return errors.ConfigValue("left stop", s.pos, e.rightStop.pos, "+inf").SetAxis(e.cfg.Name)
	}
	e.leftStop = s
	return nil
}

// SetRightStop sets or clears the right soft limit.
func (e *Engine) SetRightStop(s Stop) error {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if s.set && e.leftStop.set && s.pos > e.leftStop.pos {
		return errors.ConfigValue("right stop", s.pos, "-inf", e.leftStop.pos).SetAxis(e.cfg.Name)
	}
	e.rightStop = s
	return nil
}

// LeftStop returns the left soft limit.
func (e *Engine) LeftStop() Stop {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.leftStop
}

// RightStop returns the right soft limit.
func (e *Engine) RightStop() Stop {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.rightStop
}

// HasBothStops reports whether both soft limits are set.
func (e *Engine) HasBothStops() bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.leftStop.set && e.rightStop.set
}

// ClampToStops clamps a target to the soft limits. Clamping here is
// intentional (synchronized modes pin the axis at the stop), never an
// error.
func (e *Engine) ClampToStops(target int64) int64 {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.rightStop.set && target < e.rightStop.pos {
		target = e.rightStop.pos
	}
	if e.leftStop.set && target > e.leftStop.pos {
		target = e.leftStop.pos
	}
	return target
}

// ToolPosition returns the logical position in steps relative to origin.
func (e *Engine) ToolPosition() int64 { return e.tool.Load() }

// MotorPosition returns the physical stepper position in steps.
func (e *Engine) MotorPosition() int64 { return e.motor.Load() }

// GlobalPosition returns the never-reset step count.
func (e *Engine) GlobalPosition() int64 { return e.global.Load() }

// OriginPosition returns the accumulated origin offset in steps.
func (e *Engine) OriginPosition() int64 { return e.origin.Load() }

// PendingSteps returns the signed remaining delta to the target.
func (e *Engine) PendingSteps() int64 { return e.pending.Load() }

// PositionDu returns the tool position in deci-microns.
func (e *Engine) PositionDu() int64 {
	return int64(math.Round(float64(e.tool.Load()) / e.stepsPerDu))
}

// StepsPerDu returns the conversion factor from deci-microns to steps.
func (e *Engine) StepsPerDu() float64 { return e.stepsPerDu }

// DuToSteps converts a du distance to steps, rounding to nearest.
func (e *Engine) DuToSteps(du float64) int64 {
	return int64(math.Round(du * e.stepsPerDu))
}

// IsMoving reports whether steps are pending or one was emitted recently.
func (e *Engine) IsMoving() bool {
	if e.pending.Load() != 0 {
		return true
	}
	last := e.lastStepUs.Load()
	return last != 0 && e.clock.NowMicros()-last < movingWindowUs
}

// TargetReached reports whether the pending delta is within tolerance.
func (e *Engine) TargetReached(tolerance int64) bool {
	p := e.pending.Load()
	if p < 0 {
		p = -p
	}
	return p <= tolerance
}

// Speed returns the current speed in steps per second.
func (e *Engine) Speed() float64 { return e.speed() }

// SetMaxSpeed overrides the speed ceiling, e.g. while two axes must track
// each other without one saturating.
func (e *Engine) SetMaxSpeed(max float64) {
	e.speedMaxBits.Store(math.Float64bits(max))
}

// ResetMaxSpeed restores the configured manual-move ceiling.
func (e *Engine) ResetMaxSpeed() {
	e.speedMaxBits.Store(math.Float64bits(e.cfg.SpeedManual))
}

// DecelerateSteps returns the braking lookahead in steps.
func (e *Engine) DecelerateSteps() int64 { return e.decelerateSteps }

// BacklashSteps returns the backlash compensation in steps.
func (e *Engine) BacklashSteps() int64 { return e.backlashSteps }

// TravelLimitSteps returns the mechanical travel ceiling in steps.
func (e *Engine) TravelLimitSteps() int64 { return e.travelLimit }

// Name returns the axis name.
func (e *Engine) Name() string { return e.cfg.Name }

// Active reports whether the axis is present in the machine.
func (e *Engine) Active() bool { return e.cfg.Active }

// Rotational reports whether this is an indexing axis.
func (e *Engine) Rotational() bool { return e.cfg.Rotational }

// SpeedStart returns the configured ramp start speed.
func (e *Engine) SpeedStart() float64 { return e.cfg.SpeedStart }

func (e *Engine) speed() float64 {
	return math.Float64frombits(e.speedBits.Load())
}

func (e *Engine) setSpeed(s float64) {
	e.speedBits.Store(math.Float64bits(s))
}

func (e *Engine) speedMax() float64 {
	return math.Float64frombits(e.speedMaxBits.Load())
}
