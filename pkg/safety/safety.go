// Package safety owns the emergency-stop path: a latched state machine
// that kills synchronized motion and de-energizes every axis driver, plus
// the startup integrity check over the machine profile.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package safety

import (
	"sync"
	"time"

	"goels/pkg/axis"
	"goels/pkg/errors"
	"goels/pkg/log"
)

// State is the supervisor's latched state.
type State int

const (
	// StateRunning is normal operation.
	StateRunning State = iota

	// StateEstop is the latched emergency stop. Motion stays refused
	// until Clear.
	StateEstop
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateEstop:
		return "estop"
	}
	return "unknown"
}

// EstopReason records what tripped the emergency stop.
type EstopReason string

const (
	ReasonNone        EstopReason = ""
	ReasonUser        EstopReason = "user_request"
	ReasonTravelLimit EstopReason = "travel_limit"
	ReasonIntegrity   EstopReason = "integrity_check"
	ReasonPanel       EstopReason = "panel_request"
	ReasonHardware    EstopReason = "hardware_fault"
)

// MotionDisabler disengages synchronized motion. Satisfied by the motion
// coordinator.
type MotionDisabler interface {
	SetEnabled(enable bool) error
	Enabled() bool
}

// Supervisor is the emergency-stop state machine.
type Supervisor struct {
	mu sync.Mutex

	state   State
	reason  EstopReason
	message string
	at      time.Time

	motion MotionDisabler
	axes   []*axis.Engine
	logger *log.Logger

	onEstop []func(reason EstopReason, msg string)
}

// New creates a running supervisor over the coordinator and axes.
func New(motion MotionDisabler, axes []*axis.Engine, logger *log.Logger) *Supervisor {
	return &Supervisor{
		motion: motion,
		axes:   axes,
		logger: logger,
	}
}

// OnEstop registers a callback invoked after an emergency stop latches.
func (s *Supervisor) OnEstop(fn func(reason EstopReason, msg string)) {
	s.mu.Lock()
	s.onEstop = append(s.onEstop, fn)
	s.mu.Unlock()
}

// TriggerEstop latches the emergency stop: synchronized motion is
// disengaged and every axis driver is force-disabled regardless of its
// enable refcount. A second trigger while latched is a no-op.
func (s *Supervisor) TriggerEstop(reason EstopReason, msg string) {
	s.mu.Lock()
	if s.state == StateEstop {
		s.mu.Unlock()
		return
	}
	s.state = StateEstop
	s.reason = reason
	s.message = msg
	s.at = time.Now()
	callbacks := append([]func(EstopReason, string){}, s.onEstop...)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{"reason": string(reason), "detail": msg}).
		Error("EMERGENCY STOP")

	if err := s.motion.SetEnabled(false); err != nil {
		s.logger.WithError(err).Error("disengage during estop")
	}
	for _, a := range s.axes {
		a.ForceDisable()
	}

	for _, fn := range callbacks {
		fn(reason, msg)
	}
}

// Clear unlatches the emergency stop. Refused while motion is engaged.
func (s *Supervisor) Clear() error {
	if s.motion.Enabled() {
		return errors.New(errors.ErrState, "cannot clear estop while motion is engaged")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstop {
		return nil
	}
	s.state = StateRunning
	s.reason = ReasonNone
	s.message = ""
	s.logger.Info("emergency stop cleared")
	return nil
}

// GetState returns the latched state.
func (s *Supervisor) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the latched reason and message.
func (s *Supervisor) Reason() (EstopReason, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.message
}

// IsOperational reports whether motion commands may proceed.
func (s *Supervisor) IsOperational() bool {
	return s.GetState() == StateRunning
}

// CheckIntegrity validates the axis parameters a misconfigured profile
// could smuggle past parsing: non-physical speeds or braking distances,
// and backlash exceeding the travel. Run at startup before any motion.
func CheckIntegrity(axes []*axis.Engine) error {
	for _, a := range axes {
		if !a.Active() {
			continue
		}
		if a.SpeedStart() <= 0 {
			return errors.Newf(errors.ErrConfigValue,
				"axis %s: start speed must be positive", a.Name())
		}
		if a.StepsPerDu() <= 0 {
			return errors.Newf(errors.ErrConfigValue,
				"axis %s: non-physical steps-per-du", a.Name())
		}
		if a.TravelLimitSteps() <= 0 {
			return errors.Newf(errors.ErrConfigValue,
				"axis %s: travel limit must be positive", a.Name())
		}
		if a.DecelerateSteps() <= 0 {
			return errors.Newf(errors.ErrConfigValue,
				"axis %s: braking distance must be positive", a.Name())
		}
		if a.BacklashSteps() < 0 || a.BacklashSteps() > a.TravelLimitSteps() {
			return errors.Newf(errors.ErrConfigValue,
				"axis %s: backlash outside travel", a.Name())
		}
	}
	return nil
}
