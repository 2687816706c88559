// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"testing"

	"goels/pkg/axis"
)

// run drives the machine: every tick feeds encoder pulses, advances the
// clock past the slowest inter-step delay and runs the coordinator.
func (r *rig) run(ticks int, pulsesPerTick int32) {
	for i := 0; i < ticks; i++ {
		r.counter.AddPulses(pulsesPerTick)
		r.clock.Advance(10_001)
		r.coord.Tick()
	}
}

// runUntil drives the machine until cond holds.
func (r *rig) runUntil(t *testing.T, pulsesPerTick int32, cond func() bool) {
	t.Helper()
	for i := 0; i < 200_000; i++ {
		if cond() {
			return
		}
		r.run(1, pulsesPerTick)
	}
	t.Fatal("condition not reached")
}

// turnRig: feed Z between 0 and 100 steps, depth X stepped from 0 down to
// -40 steps over two passes.
func turnRig(t *testing.T) *rig {
	t.Helper()
	r := newRig(t)
	if err := r.coord.SetOperationMode(ModeTurn); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	if err := r.coord.SetPitch(2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := r.coord.SetTurnPasses(2); err != nil {
		t.Fatalf("SetTurnPasses: %v", err)
	}
	mustSetStops(t, r.z, 100, 0)
	mustSetStops(t, r.x, 0, -40)
	return r
}

func TestTurnRunsSteppedPasses(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	// First pass cuts in to half depth.
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	if got := r.x.ToolPosition(); got != -20 {
		t.Errorf("pass 1 depth = %d, want -20", got)
	}

	// Feed leg runs Z to the far stop, geared to the spindle.
	r.runUntil(t, 8, func() bool {
		return r.coord.OperationIndex() == 1
	})
	if got := r.z.ToolPosition(); got != 0 {
		t.Errorf("z after pass 1 = %d, want returned to 0", got)
	}
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("x after pass 1 = %d, want retracted to 0", got)
	}

	// Second pass reaches full depth, then the operation completes and
	// the system disengages parked at the start corner.
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	if got := r.x.ToolPosition(); got != -40 {
		t.Errorf("pass 2 depth = %d, want -40", got)
	}
	r.runUntil(t, 8, func() bool {
		return !r.coord.Enabled()
	})
	if got := r.z.ToolPosition(); got != 0 {
		t.Errorf("final z = %d, want 0", got)
	}
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("final x = %d, want 0", got)
	}
}

func TestTurnFeedIsGearedToSpindle(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})

	// With the spindle stopped the feed leg must not creep.
	r.run(50, 0)
	if got := r.z.ToolPosition(); got != 0 {
		t.Errorf("z crept to %d with spindle stopped", got)
	}

	// A quarter revolution at 2000 du/rev is 500 du = 200 steps, but the
	// span clamps the leg at 100.
	r.runUntil(t, 8, func() bool {
		return r.z.ToolPosition() == 100 && r.z.PendingSteps() == 0
	})
}

func TestOperatorAdvanceSkipsRestOfPass(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})

	// Feed part of the leg, then advance: the pass retracts and counts
	// without reaching the far stop.
	r.runUntil(t, 4, func() bool {
		return r.z.ToolPosition() >= 10
	})
	r.coord.AdvanceOperation()
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationIndex() == 1
	})
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("x = %d after advance, want retracted to 0", got)
	}
}

func TestAdvanceDuringRetractDoesNotSkipNextFeed(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	r.coord.AdvanceOperation()
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subRetract
	})

	// A second advance while retracting is aimed at the pass already
	// ending; it must not carry over and swallow the next pass's feed
	// leg.
	r.coord.AdvanceOperation()
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationIndex() == 1 &&
			r.coord.OperationSubIndex() == subFeed
	})
	r.run(5, 0)
	if got := r.coord.OperationSubIndex(); got != subFeed {
		t.Errorf("sub-phase = %d after pass rollover, want %d (feed)", got, subFeed)
	}
}

func TestPitchSignFlipAbortsOperation(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})

	if err := r.coord.SetPitch(-2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	r.run(1, 0)
	if r.coord.Enabled() {
		t.Error("still enabled after pitch sign flip")
	}
}

func TestStopsLostMidOperationDisables(t *testing.T) {
	r := turnRig(t)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})

	if err := r.x.SetLeftStop(axis.NoStop()); err != nil {
		t.Fatalf("clear stop: %v", err)
	}
	r.run(1, 0)
	if r.coord.Enabled() {
		t.Error("still enabled after losing a soft limit")
	}
}

func TestFaceExchangesAxisRoles(t *testing.T) {
	r := newRig(t)
	if err := r.coord.SetOperationMode(ModeFace); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	if err := r.coord.SetPitch(2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := r.coord.SetTurnPasses(2); err != nil {
		t.Fatalf("SetTurnPasses: %v", err)
	}
	// X feeds between its stops, Z carries the stepped depth.
	mustSetStops(t, r.x, 100, 0)
	mustSetStops(t, r.z, 0, -40)
	enable(t, r)

	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	if got := r.z.ToolPosition(); got != -20 {
		t.Errorf("pass 1 z depth = %d, want -20", got)
	}
	r.runUntil(t, 8, func() bool {
		return r.coord.OperationIndex() == 1
	})
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("x after pass 1 = %d, want 0", got)
	}
}

func TestCutPlungesBetweenStops(t *testing.T) {
	r := newRig(t)
	if err := r.coord.SetOperationMode(ModeCut); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	if err := r.coord.SetPitch(2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := r.coord.SetTurnPasses(2); err != nil {
		t.Fatalf("SetTurnPasses: %v", err)
	}
	mustSetStops(t, r.x, 0, -40)
	enable(t, r)

	// Pass 1 plunges X from the start stop to half depth, then backs
	// out; Z never moves.
	r.runUntil(t, 8, func() bool {
		return r.x.ToolPosition() == -20
	})
	r.runUntil(t, 8, func() bool {
		return r.coord.OperationIndex() == 1
	})
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("x after pass 1 = %d, want backed out to 0", got)
	}
	if got := r.z.ToolPosition(); got != 0 {
		t.Errorf("z moved to %d during plunge cut", got)
	}
}

func TestThreadPassCountMultipliesStarts(t *testing.T) {
	r := newRig(t)
	r.coord.turnPasses = 3
	r.coord.starts = 2

	if got := (threadShape{}).totalPasses(r.coord); got != 6 {
		t.Errorf("thread passes = %d, want 6", got)
	}
	if got := (turnShape{}).totalPasses(r.coord); got != 3 {
		t.Errorf("turn passes = %d, want 3", got)
	}
}

func TestThreadLegBasePhaseAlignment(t *testing.T) {
	r := newRig(t)
	r.coord.starts = 3
	p := multipassPolicy{shape: threadShape{}}

	// Spindle parked mid-revolution: the leg base is the next
	// revolution boundary plus the per-start phase offset.
	r.counter.AddPulses(1000)
	r.clock.Advance(1000)
	if err := r.tracker.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}

	r.coord.opIndex = 0
	if got := p.legBase(r.coord); got != encoderSteps {
		t.Errorf("start 0 base = %d, want %d", got, encoderSteps)
	}
	r.coord.opIndex = 1
	if got := p.legBase(r.coord); got != encoderSteps+encoderSteps/3 {
		t.Errorf("start 1 base = %d, want %d", got, encoderSteps+encoderSteps/3)
	}
	r.coord.opIndex = 3
	if got := p.legBase(r.coord); got != encoderSteps {
		t.Errorf("start cycles: base = %d, want %d", got, encoderSteps)
	}

	// Non-threading legs start wherever the spindle is.
	turn := multipassPolicy{shape: turnShape{}}
	if got := turn.legBase(r.coord); got != 1000 {
		t.Errorf("turn base = %d, want 1000", got)
	}
}

func TestThreadFeedWaitsForPhase(t *testing.T) {
	r := newRig(t)
	if err := r.coord.SetOperationMode(ModeThread); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	if err := r.coord.SetPitch(2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := r.coord.SetTurnPasses(1); err != nil {
		t.Fatalf("SetTurnPasses: %v", err)
	}
	mustSetStops(t, r.z, 100, 0)
	mustSetStops(t, r.x, 0, -40)
	enable(t, r)

	// Cut in while the spindle creeps, so the leg base lands on the
	// next revolution boundary, well ahead of the current position.
	r.runUntil(t, 3, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	avg := r.tracker.AveragePosition()
	if avg <= 0 || avg >= encoderSteps-200 {
		t.Fatalf("spindle at %d after cut-in, outside usable window", avg)
	}

	// Short of the boundary the feed leg holds.
	r.runUntil(t, 8, func() bool {
		return r.tracker.AveragePosition() >= encoderSteps-100
	})
	if got := r.z.ToolPosition(); got != 0 {
		t.Errorf("z = %d before phase boundary, want 0", got)
	}

	// Past the boundary it engages.
	r.runUntil(t, 8, func() bool {
		return r.z.ToolPosition() > 0
	})
}

func TestEllipseFollowsProfile(t *testing.T) {
	r := newRig(t)
	if err := r.coord.SetOperationMode(ModeEllipse); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	if err := r.coord.SetPitch(2000); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := r.coord.SetTurnPasses(1); err != nil {
		t.Fatalf("SetTurnPasses: %v", err)
	}
	mustSetStops(t, r.z, 100, 0)
	mustSetStops(t, r.x, 0, -40)
	enable(t, r)

	// The ellipse cut-in target is the safe depth: the profile starts
	// flush and deepens along the sweep.
	r.runUntil(t, 0, func() bool {
		return r.coord.OperationSubIndex() == subFeed
	})
	if got := r.x.ToolPosition(); got != 0 {
		t.Errorf("ellipse cut-in depth = %d, want 0", got)
	}

	// Run the sweep to completion: at the far stop the depth axis is at
	// full pass depth.
	r.runUntil(t, 8, func() bool {
		return r.z.ToolPosition() == 100 && r.z.PendingSteps() == 0
	})
	r.runUntil(t, 8, func() bool {
		return r.x.ToolPosition() == -40 || r.coord.OperationSubIndex() != subFeed
	})
	if got := r.x.ToolPosition(); got != -40 {
		t.Errorf("ellipse depth at far stop = %d, want -40", got)
	}
}
