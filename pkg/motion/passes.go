// Multi-pass operation cycles
//
// Turn, face, cut, thread and ellipse share one phase machine: position
// the depth axis for the pass, feed geared to the spindle, retract to the
// safe depth, rapid back to the start, repeat with more depth. The shapes
// differ only in which axis feeds, which carries depth, and what profile
// the feed leg traces.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"

	"goels/pkg/axis"
	"goels/pkg/errors"
)

// Sub-phases within one pass.
const (
	subCutIn = iota
	subFeed
	subRetract
	subReturn
)

// passShape parameterizes the phase machine for one operation family.
type passShape interface {
	// axes returns the feed axis and the depth axis. They are the same
	// engine for plunge cuts.
	axes(c *Coordinator) (feed, depth *axis.Engine)

	// totalPasses returns the pass count for the whole operation.
	totalPasses(c *Coordinator) int

	// feedTarget returns the feed-axis target in steps for the current
	// spindle displacement since the leg base, clamped to the leg span.
	feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64

	// cutInTarget returns where the depth axis positions before the
	// feed leg starts.
	cutInTarget(g passGeometry) int64

	// name is the operation name used in refusals.
	name() string
}

// passGeometry is the frame for the current pass, derived from the soft
// limits every tick so the operator can nudge stops between passes.
type passGeometry struct {
	feed, depth *axis.Engine

	feedStart, feedEnd   int64
	depthSafe, depthFull int64

	// depthPass is the depth-axis target for the current pass.
	depthPass int64
}

// multipassPolicy runs the shared phase machine over a shape.
type multipassPolicy struct {
	shape passShape
}

func (p multipassPolicy) checkEnable(c *Coordinator) error {
	feed, depth := p.shape.axes(c)
	if !feed.HasBothStops() {
		return errors.MissingLimits(p.shape.name(), feed.Name())
	}
	if !depth.HasBothStops() {
		return errors.MissingLimits(p.shape.name(), depth.Name())
	}
	return nil
}

func (p multipassPolicy) tick(c *Coordinator) {
	// A pitch-sign flip mid-operation inverts the geometry under the
	// tool; abort rather than guess.
	sign := int64(1)
	if c.pitch < 0 {
		sign = -1
	}
	if sign != c.opPitchSign {
		c.logger.Warn("pitch sign changed mid-operation, disabling")
		if err := c.setEnabledLocked(false); err != nil {
			c.fault(err)
		}
		return
	}

	g, ok := p.geometry(c)
	if !ok {
		return
	}

	total := p.shape.totalPasses(c)
	if c.opIndex >= total {
		// Operation complete: park at the safe depth and the feed
		// start, then disengage.
		if !c.rapid(g.depth, g.depthSafe) {
			return
		}
		if !c.rapid(g.feed, g.feedStart) {
			return
		}
		c.logger.WithField("passes", total).Info("operation complete")
		if err := c.setEnabledLocked(false); err != nil {
			c.fault(err)
		}
		return
	}

	switch c.opSubIndex {
	case subCutIn:
		if g.feed != g.depth && !c.rapid(g.feed, g.feedStart) {
			return
		}
		if !c.rapid(g.depth, p.shape.cutInTarget(g)) {
			return
		}
		c.opBaseSpindle = p.legBase(c)
		c.opBaseValid = true
		c.opSubIndex = subFeed

	case subFeed:
		if c.opAdvance {
			c.opAdvance = false
			c.opSubIndex = subRetract
			return
		}
		if !c.opBaseValid {
			c.opBaseSpindle = p.legBase(c)
			c.opBaseValid = true
		}
		// Axis travel direction is encoded in the leg span; the leg
		// progresses with forward spindle rotation only. Thread legs
		// additionally wait here for their phase-aligned base.
		delta := c.spindle.AveragePosition() - c.opBaseSpindle
		if delta < 0 {
			return
		}
		target := p.shape.feedTarget(c, g, delta)
		c.issueContinuous(g.feed, target)
		// Profiled shapes drive the depth axis during the leg; wait
		// for it too before retracting.
		if g.feed.ToolPosition() == g.feedEnd && g.feed.TargetReached(0) &&
			g.depth.TargetReached(0) {
			c.opBaseValid = false
			c.opSubIndex = subRetract
		}

	case subRetract:
		if g.feed == g.depth {
			// Plunge cuts retract along the feed axis itself.
			if !c.rapid(g.feed, g.feedStart) {
				return
			}
			// An advance latched mid-retract was aimed at this pass;
			// drop it so it cannot swallow the next feed leg.
			c.opAdvance = false
			c.opIndex++
			c.opSubIndex = subCutIn
			return
		}
		if !c.rapid(g.depth, g.depthSafe) {
			return
		}
		c.opSubIndex = subReturn

	case subReturn:
		if !c.rapid(g.feed, g.feedStart) {
			return
		}
		c.opAdvance = false
		c.opIndex++
		c.opSubIndex = subCutIn
	}
}

// geometry derives the pass frame from the soft limits. The feed leg runs
// in the pitch direction; the depth progression direction follows the
// external/internal selection.
func (p multipassPolicy) geometry(c *Coordinator) (passGeometry, bool) {
	feed, depth := p.shape.axes(c)
	if !feed.HasBothStops() || !depth.HasBothStops() {
		// Stops were removed mid-operation.
		c.logger.Warn("soft limits lost mid-operation, disabling")
		if err := c.setEnabledLocked(false); err != nil {
			c.fault(err)
		}
		return passGeometry{}, false
	}

	g := passGeometry{feed: feed, depth: depth}

	feedLeft, feedRight := feed.LeftStop().Position(), feed.RightStop().Position()
	if c.opPitchSign > 0 {
		g.feedStart, g.feedEnd = feedRight, feedLeft
	} else {
		g.feedStart, g.feedEnd = feedLeft, feedRight
	}

	depthLeft, depthRight := depth.LeftStop().Position(), depth.RightStop().Position()
	if c.auxForward {
		g.depthSafe, g.depthFull = depthLeft, depthRight
	} else {
		g.depthSafe, g.depthFull = depthRight, depthLeft
	}

	if feed == depth {
		// Plunge cuts run along the depth span itself: start at the
		// safe stop, pass target is the stepped depth.
		g.feedStart, g.feedEnd = g.depthSafe, g.depthFull
	}

	total := p.shape.totalPasses(c)
	pass := c.opIndex + 1
	if pass > total {
		pass = total
	}
	num, den := pass, total
	if _, threaded := p.shape.(threadShape); threaded && c.starts > 1 {
		// Every start is cut at each depth level before deepening.
		num = c.opIndex/c.starts + 1
		if num > c.turnPasses {
			num = c.turnPasses
		}
		den = c.turnPasses
	}
	span := g.depthFull - g.depthSafe
	g.depthPass = g.depthSafe + int64(math.Round(float64(span)*float64(num)/float64(den)))

	if feed == depth {
		g.feedEnd = g.depthPass
	}
	return g, true
}

// legBase returns the spindle reference for the next feed leg. Threading
// legs phase-align so every pass lands in the same helix groove; the
// other shapes start from wherever the spindle is now.
func (p multipassPolicy) legBase(c *Coordinator) int64 {
	avg := c.spindle.AveragePosition()
	if _, threaded := p.shape.(threadShape); !threaded {
		return avg
	}

	rev := c.spindle.StepsPerRev()
	// Next revolution boundary at or after the current position, plus
	// the per-start phase offset for multi-start threads.
	base := ((avg + rev - 1) / rev) * rev
	if avg < 0 {
		base = (avg / rev) * rev
		if base < avg {
			base += rev
		}
	}
	if c.starts > 1 {
		offset := int64(c.opIndex%c.starts) * rev / int64(c.starts)
		base += offset
	}
	return base
}

// feedBySync is the shared synchronized feed leg: advance from the start
// by pitch per spindle revolution, clamped to the leg span.
func feedBySync(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	steps := float64(spindleDelta) / float64(c.spindle.StepsPerRev()) *
		math.Abs(float64(c.pitch)) * float64(c.starts) * g.feed.StepsPerDu()
	advance := int64(math.Round(steps))
	dir := int64(1)
	if g.feedEnd < g.feedStart {
		dir = -1
	}
	target := g.feedStart + dir*advance
	return clampSpan(target, g.feedStart, g.feedEnd)
}

func clampSpan(v, a, b int64) int64 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// turnShape cuts cylinders: feed along Z, depth stepped on X.
type turnShape struct{}

func (turnShape) axes(c *Coordinator) (*axis.Engine, *axis.Engine) { return c.zAxis, c.xAxis }
func (turnShape) totalPasses(c *Coordinator) int                   { return c.turnPasses }
func (turnShape) name() string                                     { return "turn" }

func (turnShape) feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	return feedBySync(c, g, spindleDelta)
}

func (turnShape) cutInTarget(g passGeometry) int64 { return g.depthPass }

// faceShape cuts flat faces: turn with the axis roles exchanged.
type faceShape struct{}

func (faceShape) axes(c *Coordinator) (*axis.Engine, *axis.Engine) { return c.xAxis, c.zAxis }
func (faceShape) totalPasses(c *Coordinator) int                   { return c.turnPasses }
func (faceShape) name() string                                     { return "face" }

func (faceShape) feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	return feedBySync(c, g, spindleDelta)
}

func (faceShape) cutInTarget(g passGeometry) int64 { return g.depthPass }

// cutShape parts off: straight plunge cycles on X with Z stationary.
type cutShape struct{}

func (cutShape) axes(c *Coordinator) (*axis.Engine, *axis.Engine) { return c.xAxis, c.xAxis }
func (cutShape) totalPasses(c *Coordinator) int                   { return c.turnPasses }
func (cutShape) name() string                                     { return "cut" }

func (cutShape) feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	return feedBySync(c, g, spindleDelta)
}

func (cutShape) cutInTarget(g passGeometry) int64 { return g.feedStart }

// threadShape cuts screw threads: turn-shaped passes whose feed legs are
// phase-aligned to the spindle so successive passes deepen one helix.
type threadShape struct{}

func (threadShape) axes(c *Coordinator) (*axis.Engine, *axis.Engine) { return c.zAxis, c.xAxis }
func (threadShape) name() string                                     { return "thread" }

// Multi-start threads cut every start at every depth: passes multiply.
func (threadShape) totalPasses(c *Coordinator) int { return c.turnPasses * c.starts }

func (threadShape) feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	return feedBySync(c, g, spindleDelta)
}

func (threadShape) cutInTarget(g passGeometry) int64 { return g.depthPass }

// ellipseShape sweeps a quarter-ellipse: Z feeds between its stops while
// X follows x(z) = b·(1 − sqrt(1 − (z/a)²)) scaled to the pass depth.
type ellipseShape struct{}

func (ellipseShape) axes(c *Coordinator) (*axis.Engine, *axis.Engine) { return c.zAxis, c.xAxis }
func (ellipseShape) totalPasses(c *Coordinator) int                   { return c.turnPasses }
func (ellipseShape) name() string                                     { return "ellipse" }

func (ellipseShape) feedTarget(c *Coordinator, g passGeometry, spindleDelta int64) int64 {
	zTarget := feedBySync(c, g, spindleDelta)

	span := float64(g.feedEnd - g.feedStart)
	if span != 0 {
		u := float64(zTarget-g.feedStart) / span
		profile := 1 - math.Sqrt(math.Max(0, 1-u*u))
		depthSpan := float64(g.depthPass - g.depthSafe)
		xTarget := g.depthSafe + int64(math.Round(depthSpan*profile))
		c.issueContinuous(g.depth, clampSpan(xTarget, g.depthSafe, g.depthPass))
	}
	return zTarget
}

func (ellipseShape) cutInTarget(g passGeometry) int64 { return g.depthSafe }
