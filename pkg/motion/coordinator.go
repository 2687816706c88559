// Mode state machine coordinating spindle and axes
//
// The Coordinator reads the spindle tracker and axis state every tick,
// computes per-axis targets according to the active operating mode and
// issues them through the axis contract. It owns the enable/disable
// lifecycle, the operator parameters (pitch, starts, cone ratio, passes)
// and the multi-pass bookkeeping. Mode geometry lives in per-mode policies;
// the coordinator's loop only applies guards and dispatches.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"
	"sync"

	"goels/pkg/axis"
	"goels/pkg/errors"
	"goels/pkg/hal"
	"goels/pkg/log"
	"goels/pkg/spindle"
)

// Config bounds the operator-settable parameters.
type Config struct {
	// PitchMaxDu is the maximum |pitch| in deci-microns per revolution.
	// Zero selects 254000 (one inch).
	PitchMaxDu int64

	// StartsMax is the maximum thread-start count. Zero selects 10.
	StartsMax int

	// PassesMax is the maximum pass count. Zero selects 300.
	PassesMax int

	// AsyncRPM is the virtual-spindle speed used by async mode.
	// Zero selects 120.
	AsyncRPM float64
}

func (c *Config) applyDefaults() {
	if c.PitchMaxDu <= 0 {
		c.PitchMaxDu = 254000
	}
	if c.StartsMax <= 0 {
		c.StartsMax = 10
	}
	if c.PassesMax <= 0 {
		c.PassesMax = 300
	}
	if c.AsyncRPM <= 0 {
		c.AsyncRPM = 120
	}
}

// Coordinator is the mode state machine.
type Coordinator struct {
	mu sync.Mutex

	cfg     Config
	spindle *spindle.Tracker
	zAxis   *axis.Engine
	xAxis   *axis.Engine
	a1Axis  *axis.Engine
	clock   hal.Clock
	logger  *log.Logger

	mode    Mode
	enabled bool

	pitch  int64
	starts int

	coneRatio  float64
	turnPasses int
	auxForward bool

	// Multi-pass bookkeeping.
	opIndex      int
	opSubIndex   int
	opAdvance    bool
	opStartPitch int64
	opPitchSign  int64

	// Feed-leg base captured when a synchronized leg starts.
	opBaseSpindle int64
	opBaseFeed    int64
	opBaseValid   bool

	// Async virtual spindle.
	asyncPos    float64
	asyncLastUs int64

	policies map[Mode]policy

	// onFault receives refusals that may escalate to an emergency stop
	// (travel-limit refusals in particular). Set by the supervisor.
	onFault func(error)

	axesEnergized bool
}

// New creates a Coordinator over the given tracker and axes. a1 may be an
// inactive axis.
func New(cfg Config, tracker *spindle.Tracker, zAxis, xAxis, a1Axis *axis.Engine,
	clock hal.Clock, logger *log.Logger) *Coordinator {

	cfg.applyDefaults()
	c := &Coordinator{
		cfg:        cfg,
		spindle:    tracker,
		zAxis:      zAxis,
		xAxis:      xAxis,
		a1Axis:     a1Axis,
		clock:      clock,
		logger:     logger,
		starts:     1,
		coneRatio:  1,
		turnPasses: 3,
		auxForward: true,
	}
	c.policies = newPolicies()
	return c
}

// SetFaultHandler registers the supervisor callback for refusals that may
// escalate to an emergency stop.
func (c *Coordinator) SetFaultHandler(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Coordinator) fault(err error) {
	if err == nil {
		return
	}
	c.logger.WithError(err).Warn("motion fault")
	if c.onFault != nil {
		c.onFault(err)
	}
}

// Tick is the high-priority periodic entry point: sample the spindle once,
// run the active mode policy, then execute one update on every axis. It
// never blocks; on contention the tick is skipped and retried next period.
func (c *Coordinator) Tick() {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	if err := c.spindle.Update(); err != nil {
		c.fault(err)
	}

	// Guards for any synchronized mode: enabled, nonzero pitch, and no
	// held sync offset. While the offset is nonzero target updates are
	// frozen entirely so the axis is never commanded backward relative
	// to spindle phase; motion resumes seamlessly when it clears.
	if c.enabled && c.pitch != 0 && c.spindle.SyncOffset() == 0 {
		if p, ok := c.policies[c.mode]; ok {
			p.tick(c)
		}
	}

	c.zAxis.Update()
	c.xAxis.Update()
	if c.a1Axis.Active() {
		c.a1Axis.Update()
	}
}

// SetEnabled engages or disengages the system. Enabling re-homes the
// spindle and every active axis first, so synchronized motion starts from
// the current physical position. Enabling a pass mode without the soft
// limits it requires is refused with MISSING_LIMITS.
func (c *Coordinator) SetEnabled(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setEnabledLocked(enable)
}

func (c *Coordinator) setEnabledLocked(enable bool) error {
	if enable == c.enabled {
		return nil
	}

	if !enable {
		c.enabled = false
		c.opIndex = 0
		c.opSubIndex = 0
		c.opBaseValid = false
		if c.axesEnergized {
			c.forEachEngagedAxis(func(a *axis.Engine) {
				a.SetEnabled(false)
				a.ResetMaxSpeed()
			})
			c.axesEnergized = false
		}
		c.logger.Info("system disabled")
		return nil
	}

	p, ok := c.policies[c.mode]
	if !ok {
		return errors.Newf(errors.ErrState, "mode %s has no policy", c.mode)
	}
	if err := p.checkEnable(c); err != nil {
		c.logger.WithError(err).Warn("enable refused")
		return err
	}

	c.forEachEngagedAxis(func(a *axis.Engine) { a.SetEnabled(true) })
	c.axesEnergized = true

	// Re-home before any synchronized motion: current physical position
	// becomes the new origin instead of snapping to where the governing
	// formula says the axis "should" be.
	if err := c.setNewOriginLocked(); err != nil {
		c.forEachEngagedAxis(func(a *axis.Engine) { a.SetEnabled(false) })
		c.axesEnergized = false
		return err
	}

	c.enabled = true
	c.opStartPitch = c.pitch
	c.opPitchSign = 1
	if c.pitch < 0 {
		c.opPitchSign = -1
	}
	c.opIndex = 0
	c.opSubIndex = 0
	c.opAdvance = false
	c.opBaseValid = false
	c.asyncLastUs = c.clock.NowMicros()
	c.asyncPos = 0

	c.logger.WithFields(log.Fields{
		"mode": c.mode.String(), "pitch": c.pitch, "starts": c.starts,
	}).Info("system enabled")
	return nil
}

// SetOperationMode switches the operating mode, forcing a disable first:
// mode switches never happen while engaged.
func (c *Coordinator) SetOperationMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.policies[mode]; !ok {
		return errors.Newf(errors.ErrConfigValue, "unknown mode %d", mode)
	}
	if mode == c.mode {
		return nil
	}
	if c.enabled {
		if err := c.setEnabledLocked(false); err != nil {
			return err
		}
	}
	c.mode = mode
	c.opIndex = 0
	c.logger.Info("mode set to %s", mode)
	return nil
}

// SetPitch sets the signed pitch in deci-microns per revolution. The
// origin is re-established so the change does not jerk the axes.
func (c *Coordinator) SetPitch(pitchDu int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pitchDu < -c.cfg.PitchMaxDu || pitchDu > c.cfg.PitchMaxDu {
		return errors.ConfigValue("pitch", pitchDu, -c.cfg.PitchMaxDu, c.cfg.PitchMaxDu)
	}
	c.pitch = pitchDu
	if err := c.setNewOriginLocked(); err != nil {
		return err
	}
	c.logger.Info("pitch set to %d du", pitchDu)
	return nil
}

// SetStarts sets the thread-start count.
func (c *Coordinator) SetStarts(starts int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if starts < 1 || starts > c.cfg.StartsMax {
		return errors.ConfigValue("starts", starts, 1, c.cfg.StartsMax)
	}
	c.starts = starts
	if err := c.setNewOriginLocked(); err != nil {
		return err
	}
	c.logger.Info("starts set to %d", starts)
	return nil
}

// SetConeRatio sets the taper ratio: cross-slide displacement in du per du
// of longitudinal displacement (diameter-denominated, halved internally).
func (c *Coordinator) SetConeRatio(ratio float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return errors.ConfigValue("cone ratio", ratio, "-inf", "+inf")
	}
	c.coneRatio = ratio
	c.logger.Info("cone ratio set to %.5f", ratio)
	return nil
}

// SetTurnPasses sets the pass count for the multi-pass modes.
func (c *Coordinator) SetTurnPasses(passes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if passes < 1 || passes > c.cfg.PassesMax {
		return errors.ConfigValue("turn passes", passes, 1, c.cfg.PassesMax)
	}
	c.turnPasses = passes
	c.logger.Info("turn passes set to %d", passes)
	return nil
}

// SetAuxDirection selects external (true) or internal (false) work.
func (c *Coordinator) SetAuxDirection(forward bool) {
	c.mu.Lock()
	c.auxForward = forward
	c.mu.Unlock()
	c.logger.Info("aux direction set to %v", forward)
}

// AdvanceOperation requests an early advance to the next pass.
func (c *Coordinator) AdvanceOperation() {
	c.mu.Lock()
	c.opAdvance = true
	c.mu.Unlock()
	c.logger.Debug("operator pass advance requested")
}

// ExternalMove issues an externally computed target through the axis
// contract. Accepted only while enabled in gcode mode.
func (c *Coordinator) ExternalMove(axisName string, targetDu float64, continuous bool) error {
	c.mu.Lock()
	a := c.axisByNameLocked(axisName)
	mode, enabled := c.mode, c.enabled
	c.mu.Unlock()

	if a == nil {
		return errors.Newf(errors.ErrState, "unknown axis %q", axisName)
	}
	if mode != ModeGCode || !enabled {
		return errors.Newf(errors.ErrState, "external moves require gcode mode enabled")
	}
	return a.MoveTo(a.DuToSteps(targetDu), continuous)
}

// setNewOriginLocked re-homes the spindle and every engaged axis.
func (c *Coordinator) setNewOriginLocked() error {
	var firstErr error
	c.forEachEngagedAxis(func(a *axis.Engine) {
		if err := a.SetOrigin(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}
	c.spindle.ResetPosition()
	c.asyncPos = 0
	c.opBaseValid = false
	return nil
}

// forEachEngagedAxis visits the axes the active mode drives: only A1 in
// aux mode, Z and X (plus A1 when fitted) everywhere else.
func (c *Coordinator) forEachEngagedAxis(fn func(*axis.Engine)) {
	if c.mode == ModeAux {
		if c.a1Axis.Active() {
			fn(c.a1Axis)
		}
		return
	}
	fn(c.zAxis)
	fn(c.xAxis)
	if c.a1Axis.Active() {
		fn(c.a1Axis)
	}
}

func (c *Coordinator) axisByNameLocked(name string) *axis.Engine {
	switch name {
	case c.zAxis.Name():
		return c.zAxis
	case c.xAxis.Name():
		return c.xAxis
	case c.a1Axis.Name():
		return c.a1Axis
	}
	return nil
}

// AxisByName returns the named axis engine, or nil.
func (c *Coordinator) AxisByName(name string) *axis.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.axisByNameLocked(name)
}

// Axes returns the axis engines in z, x, a1 order.
func (c *Coordinator) Axes() []*axis.Engine {
	return []*axis.Engine{c.zAxis, c.xAxis, c.a1Axis}
}

// Spindle returns the spindle tracker.
func (c *Coordinator) Spindle() *spindle.Tracker {
	return c.spindle
}

// Mode returns the active operating mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Enabled reports whether the system is engaged.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Pitch returns the configured pitch in du per revolution.
func (c *Coordinator) Pitch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pitch
}

// Starts returns the thread-start count.
func (c *Coordinator) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// ConeRatio returns the taper ratio.
func (c *Coordinator) ConeRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coneRatio
}

// TurnPasses returns the configured pass count.
func (c *Coordinator) TurnPasses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnPasses
}

// AuxDirection reports external (true) or internal (false) work.
func (c *Coordinator) AuxDirection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxForward
}

// OperationIndex returns the current pass number.
func (c *Coordinator) OperationIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opIndex
}

// OperationSubIndex returns the current sub-phase within the pass.
func (c *Coordinator) OperationSubIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opSubIndex
}

// syncTarget converts a spindle position into an axis target in steps by
// the canonical synchronization formula.
func (c *Coordinator) syncTarget(a *axis.Engine, spindlePos int64) int64 {
	steps := float64(spindlePos) / float64(c.spindle.StepsPerRev()) *
		float64(c.pitch) * float64(c.starts) * a.StepsPerDu()
	return int64(math.Round(steps))
}

// issueContinuous re-targets an axis with a continuous move, routing
// refusals to the fault handler. Busy is silent: the tick retries.
func (c *Coordinator) issueContinuous(a *axis.Engine, target int64) {
	if target == a.ToolPosition() {
		return
	}
	if err := a.MoveTo(target, true); err != nil && !errors.IsBusy(err) {
		c.fault(err)
	}
}

// rapid drives an axis toward a discrete target and reports whether it has
// been reached.
func (c *Coordinator) rapid(a *axis.Engine, target int64) bool {
	if a.ToolPosition() == target && a.TargetReached(0) {
		return true
	}
	if !a.IsMoving() {
		if err := a.MoveTo(target, false); err != nil && !errors.IsBusy(err) {
			c.fault(err)
		}
	}
	return false
}

// AxisStatus is the read-only view of one axis.
type AxisStatus struct {
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	PositionSteps int64  `json:"position_steps"`
	PositionDu    int64  `json:"position_du"`
	Moving        bool   `json:"moving"`
	LeftStopSet   bool   `json:"left_stop_set"`
	LeftStop      int64  `json:"left_stop"`
	RightStopSet  bool   `json:"right_stop_set"`
	RightStop     int64  `json:"right_stop"`
	OriginSteps   int64  `json:"origin_steps"`
}

// Status is the read-only view exposed to the display collaborator.
type Status struct {
	Mode         string       `json:"mode"`
	Enabled      bool         `json:"enabled"`
	PitchDu      int64        `json:"pitch_du"`
	Starts       int          `json:"starts"`
	ConeRatio    float64      `json:"cone_ratio"`
	TurnPasses   int          `json:"turn_passes"`
	AuxForward   bool         `json:"aux_forward"`
	OpIndex      int          `json:"op_index"`
	OpSubIndex   int          `json:"op_sub_index"`
	SpindleRPM   int64        `json:"spindle_rpm"`
	SpindlePos   int64        `json:"spindle_pos"`
	Axes         []AxisStatus `json:"axes"`
}

// Snapshot returns a consistent read-only view of the whole system.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	st := Status{
		Mode:       c.mode.String(),
		Enabled:    c.enabled,
		PitchDu:    c.pitch,
		Starts:     c.starts,
		ConeRatio:  c.coneRatio,
		TurnPasses: c.turnPasses,
		AuxForward: c.auxForward,
		OpIndex:    c.opIndex,
		OpSubIndex: c.opSubIndex,
	}
	c.mu.Unlock()

	st.SpindleRPM = c.spindle.RPM()
	st.SpindlePos = c.spindle.Position()

	for _, a := range c.Axes() {
		if !a.Active() {
			continue
		}
		left, right := a.LeftStop(), a.RightStop()
		st.Axes = append(st.Axes, AxisStatus{
			Name:          a.Name(),
			Active:        a.Active(),
			PositionSteps: a.ToolPosition(),
			PositionDu:    a.PositionDu(),
			Moving:        a.IsMoving(),
			LeftStopSet:   left.IsSet(),
			LeftStop:      left.Position(),
			RightStopSet:  right.IsSet(),
			RightStop:     right.Position(),
			OriginSteps:   a.OriginPosition(),
		})
	}
	return st
}
