// Single-leg trajectory policies
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"

	"goels/pkg/errors"
)

// policy is one operating mode's behavior: checkEnable validates the
// preconditions when the operator engages, tick computes targets once per
// scheduler period. Both run under the coordinator mutex with the common
// guards (enabled, nonzero pitch, zero sync offset) already applied.
type policy interface {
	checkEnable(c *Coordinator) error
	tick(c *Coordinator)
}

func newPolicies() map[Mode]policy {
	return map[Mode]policy{
		ModeNormal:  normalPolicy{},
		ModeAsync:   asyncPolicy{},
		ModeCone:    conePolicy{},
		ModeTurn:    multipassPolicy{shape: turnShape{}},
		ModeFace:    multipassPolicy{shape: faceShape{}},
		ModeCut:     multipassPolicy{shape: cutShape{}},
		ModeThread:  multipassPolicy{shape: threadShape{}},
		ModeEllipse: multipassPolicy{shape: ellipseShape{}},
		ModeGCode:   gcodePolicy{},
		ModeAux:     auxPolicy{},
	}
}

// normalPolicy keeps Z geared to the spindle: tool position tracks
// averaged spindle position through the synchronization formula, pinned
// at the soft limits when set.
type normalPolicy struct{}

func (normalPolicy) checkEnable(c *Coordinator) error { return nil }

func (normalPolicy) tick(c *Coordinator) {
	target := c.syncTarget(c.zAxis, c.spindle.AveragePosition())
	target = c.zAxis.ClampToStops(target)
	c.issueContinuous(c.zAxis, target)
}

// asyncPolicy feeds Z at a fixed rate with the spindle ignored: a virtual
// spindle turning at the configured RPM drives the same formula Normal
// uses, so the feed rate is still pitch per (virtual) revolution.
type asyncPolicy struct{}

func (asyncPolicy) checkEnable(c *Coordinator) error { return nil }

func (asyncPolicy) tick(c *Coordinator) {
	now := c.clock.NowMicros()
	dt := now - c.asyncLastUs
	c.asyncLastUs = now
	if dt <= 0 {
		return
	}
	revs := c.cfg.AsyncRPM / 60 * float64(dt) / 1e6
	c.asyncPos += revs * float64(c.spindle.StepsPerRev())

	target := c.syncTarget(c.zAxis, int64(math.Round(c.asyncPos)))
	target = c.zAxis.ClampToStops(target)
	c.issueContinuous(c.zAxis, target)
}

// conePolicy gears Z to the spindle and X to Z, producing a taper. The
// ratio is diameter-denominated, so the cross slide sees half of it per
// unit of carriage travel; the sign follows external/internal selection.
type conePolicy struct{}

func (conePolicy) checkEnable(c *Coordinator) error {
	if c.zAxis.IsMoving() || c.xAxis.IsMoving() {
		return errors.Newf(errors.ErrState, "cone mode requires both axes at rest")
	}
	return nil
}

func (conePolicy) tick(c *Coordinator) {
	// Retarget only from rest, as at enable: both legs must depart from a
	// settled geometry sample, so a leg still in flight holds off the
	// next target for both.
	if c.zAxis.IsMoving() || c.xAxis.IsMoving() {
		return
	}
	zTarget := c.syncTarget(c.zAxis, c.spindle.AveragePosition())
	zTarget = c.zAxis.ClampToStops(zTarget)
	c.issueContinuous(c.zAxis, zTarget)

	zDu := float64(c.zAxis.ToolPosition()) / c.zAxis.StepsPerDu()
	xDu := -c.coneRatio / 2 * zDu * auxSign(c.auxForward)
	xTarget := c.xAxis.ClampToStops(c.xAxis.DuToSteps(xDu))
	c.issueContinuous(c.xAxis, xTarget)
}

// gcodePolicy performs no tick-time targeting: positions arrive from the
// external planner through ExternalMove and only the axis updates run.
type gcodePolicy struct{}

func (gcodePolicy) checkEnable(c *Coordinator) error { return nil }
func (gcodePolicy) tick(c *Coordinator)              {}

// auxPolicy gears the auxiliary axis to the spindle the way Normal gears
// Z, with the aux direction selecting the sign.
type auxPolicy struct{}

func (auxPolicy) checkEnable(c *Coordinator) error {
	if !c.a1Axis.Active() {
		return errors.Newf(errors.ErrState, "no auxiliary axis fitted")
	}
	return nil
}

func (auxPolicy) tick(c *Coordinator) {
	if !c.a1Axis.Active() {
		return
	}
	target := c.syncTarget(c.a1Axis, c.spindle.AveragePosition())
	if !c.auxForward {
		target = -target
	}
	target = c.a1Axis.ClampToStops(target)
	c.issueContinuous(c.a1Axis, target)
}

func auxSign(forward bool) float64 {
	if forward {
		return 1
	}
	return -1
}
