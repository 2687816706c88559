package spindle

import (
	"testing"

	"goels/pkg/hal/simhw"
	"goels/pkg/log"
)

const stepsPerRev = 2880

func newTestTracker(t *testing.T, backlash int64) (*Tracker, *simhw.Clock, *simhw.Counter) {
	t.Helper()
	clock := simhw.NewClock()
	counter := simhw.NewCounter(32000)
	tr := New(Config{StepsPerRev: stepsPerRev, Backlash: backlash}, clock, counter, log.Discard())
	return tr, clock, counter
}

// feed pushes pulses through the counter in chunks small enough to stay
// clear of the wrap threshold, advancing the clock between reads.
func feed(t *testing.T, tr *Tracker, clock *simhw.Clock, counter *simhw.Counter, pulses int64, totalUs int64) {
	t.Helper()
	const chunk = 100
	remaining := pulses
	steps := (abs(pulses) + chunk - 1) / chunk
	if steps == 0 {
		steps = 1
	}
	perStepUs := totalUs / steps
	for remaining != 0 {
		n := int64(chunk)
		if remaining < 0 {
			n = -chunk
			if remaining > n {
				n = remaining
			}
		} else if remaining < n {
			n = remaining
		}
		counter.AddPulses(int32(n))
		clock.Advance(perStepUs)
		if err := tr.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
		remaining -= n
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestPositionAlwaysWrapped(t *testing.T) {
	tr, clock, counter := newTestTracker(t, 0)

	feed(t, tr, clock, counter, 3*stepsPerRev+77, 3_000_000)
	if got := tr.Position(); got != 77 {
		t.Errorf("Position = %d, want 77", got)
	}

	feed(t, tr, clock, counter, -200, 100_000)
	got := tr.Position()
	if got < 0 || got >= stepsPerRev {
		t.Fatalf("Position %d outside [0, %d)", got, stepsPerRev)
	}
	if got != stepsPerRev-123 {
		t.Errorf("Position = %d, want %d", got, stepsPerRev-123)
	}
}

func TestGlobalPositionSurvivesReset(t *testing.T) {
	tr, clock, counter := newTestTracker(t, 0)

	feed(t, tr, clock, counter, 500, 100_000)
	tr.ResetPosition()

	if got := tr.Position(); got != 0 {
		t.Errorf("Position after reset = %d, want 0", got)
	}
	if got := tr.GlobalPosition(); got != 500 {
		t.Errorf("GlobalPosition after reset = %d, want 500", got)
	}
}

func TestRPMOverFullRevolution(t *testing.T) {
	tr, clock, counter := newTestTracker(t, 0)

	// One full revolution in 100ms, then one more pulse to close the
	// window: 600 RPM.
	feed(t, tr, clock, counter, stepsPerRev, 100_000)
	if got := tr.RPM(); got != 0 {
		t.Errorf("RPM before window close = %d, want 0", got)
	}
	counter.AddPulses(1)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if got := tr.RPM(); got != 600 {
		t.Errorf("RPM = %d, want 600", got)
	}
}

func TestBacklashFilter(t *testing.T) {
	const backlash = 10
	tr, clock, counter := newTestTracker(t, backlash)

	feed(t, tr, clock, counter, 100, 10_000)
	if avg := tr.AveragePosition(); avg != 100 {
		t.Fatalf("AveragePosition after forward = %d, want 100", avg)
	}

	// Reversing inside the dead zone leaves the average untouched.
	feed(t, tr, clock, counter, -backlash, 1_000)
	if avg := tr.AveragePosition(); avg != 100 {
		t.Errorf("AveragePosition inside dead zone = %d, want 100", avg)
	}

	// One pulse past the dead zone drags the average along.
	counter.AddPulses(-1)
	clock.Advance(100)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if avg := tr.AveragePosition(); avg != 99 {
		t.Errorf("AveragePosition past dead zone = %d, want 99", avg)
	}
}

func TestCounterClearedBeforeWrap(t *testing.T) {
	clock := simhw.NewClock()
	counter := simhw.NewCounter(1000)
	tr := New(Config{StepsPerRev: stepsPerRev, Backlash: 0}, clock, counter, log.Discard())

	// Clear threshold is WrapLimit/2 = 500. Crossing it must clear the
	// hardware counter without losing pulses.
	counter.AddPulses(499)
	clock.Advance(1000)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if counter.Clears() != 0 {
		t.Fatal("cleared too early")
	}

	counter.AddPulses(2)
	clock.Advance(1000)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if counter.Clears() != 1 {
		t.Error("counter not cleared at threshold")
	}

	counter.AddPulses(10)
	clock.Advance(1000)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if got := tr.GlobalPosition(); got != 511 {
		t.Errorf("GlobalPosition = %d, want 511 (delta continuity across clear)", got)
	}
}

func TestZeroDeltaIsNoOp(t *testing.T) {
	tr, clock, counter := newTestTracker(t, 5)

	feed(t, tr, clock, counter, 50, 10_000)
	before := tr.GlobalPosition()

	clock.Advance(1_000_000)
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if got := tr.GlobalPosition(); got != before {
		t.Errorf("GlobalPosition changed on zero delta: %d -> %d", before, got)
	}
}

func TestSyncOffsetClearedByReset(t *testing.T) {
	tr, _, _ := newTestTracker(t, 0)

	tr.SetSyncOffset(42)
	if got := tr.SyncOffset(); got != 42 {
		t.Fatalf("SyncOffset = %d, want 42", got)
	}
	tr.ResetPosition()
	if got := tr.SyncOffset(); got != 0 {
		t.Errorf("SyncOffset after reset = %d, want 0", got)
	}
}

func TestIsSpinning(t *testing.T) {
	tr, clock, counter := newTestTracker(t, 0)

	feed(t, tr, clock, counter, 10, 1_000)
	if !tr.IsSpinning(100_000) {
		t.Error("expected spinning right after pulses")
	}
	clock.Advance(200_000)
	if tr.IsSpinning(100_000) {
		t.Error("expected not spinning after timeout")
	}
}
