package axis

import (
	"math"
	"testing"

	"goels/pkg/errors"
	"goels/pkg/hal/simhw"
	"goels/pkg/log"
)

// Test axis: 200-step motor on a 500 du leadscrew (0.4 steps/du),
// 25 du backlash = 10 steps.
func testConfig() Config {
	return Config{
		Name:        "z",
		Active:      true,
		MotorSteps:  200,
		LeadscrewDu: 500,
		SpeedStart:  100,
		SpeedManual: 2000,
		Acceleration: 10000,
		NeedsRest:   true,
		MaxTravelMm: 300,
		BacklashDu:  25,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *simhw.Clock, *simhw.Stepper) {
	t.Helper()
	clock := simhw.NewClock()
	stepper := simhw.NewStepper(clock)
	e := New(cfg, stepper, clock, log.Discard())
	return e, clock, stepper
}

// runUntilIdle drives Update with the clock advancing one inter-step delay
// per call until the pending target is consumed.
func runUntilIdle(t *testing.T, e *Engine, clock *simhw.Clock) {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		if e.PendingSteps() == 0 {
			return
		}
		clock.Advance(int64(1_000_000/e.Speed()) + 1)
		e.Update()
	}
	t.Fatal("move did not complete")
}

// stepOnce advances time and calls Update until exactly one step is emitted.
func stepOnce(t *testing.T, e *Engine, clock *simhw.Clock, stepper *simhw.Stepper) {
	t.Helper()
	before := stepper.StepCount()
	for i := 0; i < 1000; i++ {
		clock.Advance(int64(1_000_000/e.Speed()) + 1)
		e.Update()
		if stepper.StepCount() > before {
			return
		}
	}
	t.Fatal("no step emitted")
}

func TestDerivedParameters(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	if e.BacklashSteps() != 10 {
		t.Errorf("backlashSteps = %d, want 10", e.BacklashSteps())
	}
	// 300 mm * 10000 du/mm * 0.4 steps/du
	if e.TravelLimitSteps() != 1_200_000 {
		t.Errorf("travelLimit = %d, want 1200000", e.TravelLimitSteps())
	}
	// Discrete braking distance is close to (v_max^2 - v_0^2) / (2a).
	analytic := (2000.0*2000.0 - 100.0*100.0) / (2 * 10000.0)
	got := float64(e.DecelerateSteps())
	if math.Abs(got-analytic) > analytic*0.1 {
		t.Errorf("decelerateSteps = %v, want within 10%% of %v", got, analytic)
	}
}

func TestMoveAndComplete(t *testing.T) {
	e, clock, stepper := newTestEngine(t, testConfig())

	if err := e.MoveTo(50, false); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	runUntilIdle(t, e, clock)

	if got := e.ToolPosition(); got != 50 {
		t.Errorf("ToolPosition = %d, want 50", got)
	}
	if got := e.MotorPosition(); got != 50 {
		t.Errorf("MotorPosition = %d, want 50", got)
	}
	if got := stepper.StepCount(); got != 50 {
		t.Errorf("StepCount = %d, want 50", got)
	}
}

func TestBacklashAbsorption(t *testing.T) {
	e, clock, stepper := newTestEngine(t, testConfig())
	backlash := e.BacklashSteps()

	if err := e.MoveTo(50, false); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, e, clock)

	if err := e.MoveTo(30, false); err != nil {
		t.Fatal(err)
	}
	// pending = 30 - 50 - backlash: the motor must wind through the
	// dead zone before the tool follows.
	if got := e.PendingSteps(); got != -20-backlash {
		t.Fatalf("PendingSteps = %d, want %d", got, -20-backlash)
	}

	// The first `backlash` backward steps leave the tool untouched.
	for i := int64(0); i < backlash; i++ {
		stepOnce(t, e, clock, stepper)
		if got := e.ToolPosition(); got != 50 {
			t.Fatalf("ToolPosition moved during slack take-up: %d after %d backward steps", got, i+1)
		}
	}
	// The (backlash+1)-th backward step is the first to move the tool.
	stepOnce(t, e, clock, stepper)
	if got := e.ToolPosition(); got != 49 {
		t.Fatalf("ToolPosition = %d after slack consumed, want 49", got)
	}

	runUntilIdle(t, e, clock)
	if got := e.ToolPosition(); got != 30 {
		t.Errorf("final ToolPosition = %d, want 30", got)
	}
	if got := e.MotorPosition(); got != 30-backlash {
		t.Errorf("final MotorPosition = %d, want %d", got, 30-backlash)
	}
}

func TestAccelerationShape(t *testing.T) {
	cfg := testConfig()
	e, clock, stepper := newTestEngine(t, cfg)
	decel := e.DecelerateSteps()

	if err := e.MoveTo(300, false); err != nil {
		t.Fatal(err)
	}

	prev := e.Speed()
	for e.PendingSteps() != 0 {
		stepOnce(t, e, clock, stepper)
		speed := e.Speed()
		if speed < cfg.SpeedStart-1e-9 || speed > cfg.SpeedManual+1e-9 {
			t.Fatalf("speed %v outside [%v, %v]", speed, cfg.SpeedStart, cfg.SpeedManual)
		}
		pending := e.PendingSteps()
		if pending >= decel {
			if speed <= prev {
				t.Fatalf("speed not increasing in acceleration phase: %v -> %v at pending %d", prev, speed, pending)
			}
		} else if pending > 0 {
			atFloor := math.Abs(speed-cfg.SpeedStart) < 1e-9
			if speed > prev && !atFloor {
				t.Fatalf("speed increasing in deceleration phase: %v -> %v at pending %d", prev, speed, pending)
			}
		}
		prev = speed
	}
}

func TestReversalSafety(t *testing.T) {
	cfg := testConfig()
	e, clock, stepper := newTestEngine(t, cfg)

	// Continuous forward move builds up speed.
	if err := e.MoveTo(400, true); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, e, clock)
	if e.Speed() < 3*cfg.SpeedStart {
		t.Fatalf("speed %v did not build up, test premise broken", e.Speed())
	}

	// Reversal: the ramp must restart from the floor. The speed right
	// after the reversal step can exceed the floor only by the single
	// integration increment.
	if err := e.MoveTo(0, true); err != nil {
		t.Fatal(err)
	}
	changesBefore := stepper.DirectionChanges()
	stepOnce(t, e, clock, stepper)

	if stepper.DirectionChanges() != changesBefore+1 {
		t.Fatal("direction line did not change on reversal")
	}
	maxAfterOneStep := cfg.SpeedStart + cfg.Acceleration/cfg.SpeedStart
	if s := e.Speed(); s > maxAfterOneStep {
		t.Errorf("speed %v after reversal step, want <= %v (ramp not reset)", s, maxAfterOneStep)
	}
}

func TestTravelLimitRefused(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	err := e.MoveTo(e.TravelLimitSteps()+1, false)
	if !errors.IsTravelLimit(err) {
		t.Fatalf("expected TRAVEL_LIMIT, got %v", err)
	}
	// Refused outright: nothing moved, nothing pending.
	if e.PendingSteps() != 0 || e.ToolPosition() != 0 {
		t.Error("state changed by refused move")
	}
}

func TestMoveToBusy(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	// Steal the state semaphore to simulate contention.
	<-e.sem
	err := e.MoveTo(10, false)
	e.sem <- struct{}{}

	if !errors.IsBusy(err) {
		t.Fatalf("expected RESOURCE_BUSY, got %v", err)
	}
}

func TestUpdateSkipsOnContention(t *testing.T) {
	e, clock, stepper := newTestEngine(t, testConfig())

	if err := e.MoveTo(10, false); err != nil {
		t.Fatal(err)
	}

	<-e.sem
	clock.Advance(100_000)
	e.Update() // must not block or step
	if stepper.StepCount() != 0 {
		t.Error("Update stepped while lock was held elsewhere")
	}
	e.sem <- struct{}{}

	e.Update()
	if stepper.StepCount() != 1 {
		t.Error("Update did not self-correct on the next tick")
	}
}

func TestEnableRefcount(t *testing.T) {
	e, _, stepper := newTestEngine(t, testConfig())

	const n = 3
	for i := 0; i < n; i++ {
		e.SetEnabled(true)
	}
	for i := 0; i < n-1; i++ {
		e.SetEnabled(false)
	}
	if !stepper.Enabled() {
		t.Fatal("driver disabled before refcount reached zero")
	}
	e.SetEnabled(false)
	if stepper.Enabled() {
		t.Fatal("driver still enabled after refcount reached zero")
	}
	// The line was asserted exactly once for the whole sequence.
	transitions := stepper.EnableTransitions()
	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Errorf("enable line transitions = %v, want [true false]", transitions)
	}
}

func TestEnableSettleDelay(t *testing.T) {
	cfg := testConfig()
	cfg.EnableSettleMs = 100
	e, clock, _ := newTestEngine(t, cfg)

	before := clock.NowMicros()
	e.SetEnabled(true)
	if got := clock.NowMicros() - before; got < 100_000 {
		t.Errorf("first enable settled only %d us, want >= 100000", got)
	}

	// Subsequent enables must not delay again.
	before = clock.NowMicros()
	e.SetEnabled(true)
	if got := clock.NowMicros() - before; got != 0 {
		t.Errorf("repeat enable delayed %d us, want 0", got)
	}
}

func TestEnableIgnoredWithoutNeedsRest(t *testing.T) {
	cfg := testConfig()
	cfg.NeedsRest = false
	e, _, stepper := newTestEngine(t, cfg)

	e.SetEnabled(true)
	if len(stepper.EnableTransitions()) != 0 {
		t.Error("axis without idle-rest touched the enable line")
	}
}

func TestSetOriginShiftsStops(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())

	if err := e.SetLeftStop(StopAt(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetRightStop(StopAt(-100)); err != nil {
		t.Fatal(err)
	}
	if err := e.MoveTo(40, false); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, e, clock)

	if err := e.SetOrigin(); err != nil {
		t.Fatal(err)
	}
	if got := e.ToolPosition(); got != 0 {
		t.Errorf("ToolPosition after SetOrigin = %d, want 0", got)
	}
	// Stops stay at the same physical place.
	if got := e.LeftStop().Position(); got != 60 {
		t.Errorf("left stop = %d, want 60", got)
	}
	if got := e.RightStop().Position(); got != -140 {
		t.Errorf("right stop = %d, want -140", got)
	}
	if got := e.OriginPosition(); got != 40 {
		t.Errorf("origin offset = %d, want 40", got)
	}
}

func TestStopOrdering(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	if err := e.SetRightStop(StopAt(0)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetLeftStop(StopAt(-10)); !errors.IsConfigValue(err) {
		t.Errorf("left below right accepted: %v", err)
	}
	if err := e.SetLeftStop(StopAt(10)); err != nil {
		t.Errorf("valid left stop refused: %v", err)
	}
	if err := e.SetRightStop(StopAt(20)); !errors.IsConfigValue(err) {
		t.Errorf("right above left accepted: %v", err)
	}
}

func TestClampToStops(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	if err := e.SetLeftStop(StopAt(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetRightStop(StopAt(-50)); err != nil {
		t.Fatal(err)
	}
	if got := e.ClampToStops(500); got != 100 {
		t.Errorf("ClampToStops(500) = %d, want 100", got)
	}
	if got := e.ClampToStops(-500); got != -50 {
		t.Errorf("ClampToStops(-500) = %d, want -50", got)
	}
	if got := e.ClampToStops(7); got != 7 {
		t.Errorf("ClampToStops(7) = %d, want 7", got)
	}
}

func TestMoveByDuCarriesFraction(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	// 0.4 steps/du: three 1-du moves accumulate 1.2 steps and must
	// yield exactly one physical step of target motion.
	for i := 0; i < 3; i++ {
		if err := e.MoveByDu(1, false); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.PendingSteps(); got != 1 {
		t.Errorf("PendingSteps after 3 du = %d, want 1", got)
	}
}

func TestStepPacingSlack(t *testing.T) {
	e, clock, stepper := newTestEngine(t, testConfig())

	// Pending stays inside the braking lookahead, so the ramp holds the
	// start speed and the inter-step delay is a constant 10ms.
	if err := e.MoveTo(100, false); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10_001)
	e.Update()
	clock.Advance(10_001)
	e.Update()
	if got := stepper.StepCount(); got != 2 {
		t.Fatalf("StepCount = %d after two ticks, want 2", got)
	}
	if got := e.Speed(); got != 100 {
		t.Fatalf("Speed = %v, want held at 100", got)
	}

	// 10us short of the delay: outside the 5us slack, no pulse yet.
	clock.Advance(9_990)
	e.Update()
	if got := stepper.StepCount(); got != 2 {
		t.Errorf("StepCount = %d, want 2: pulse fired outside the slack", got)
	}
	// 5us short: within the slack the pulse fires on this tick rather
	// than slipping a whole tick.
	clock.Advance(5)
	e.Update()
	if got := stepper.StepCount(); got != 3 {
		t.Errorf("StepCount = %d, want 3: pulse due within the slack did not fire", got)
	}
}

func TestIdleRampDown(t *testing.T) {
	cfg := testConfig()
	e, clock, _ := newTestEngine(t, cfg)

	if err := e.MoveTo(300, true); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, e, clock)
	if e.Speed() <= cfg.SpeedStart {
		t.Fatal("continuous move did not build speed, test premise broken")
	}

	for i := 0; i < 10000 && e.Speed() > cfg.SpeedStart; i++ {
		e.Update()
	}
	if got := e.Speed(); got != cfg.SpeedStart {
		t.Errorf("idle speed = %v, want decay to %v", got, cfg.SpeedStart)
	}
}

func TestPositionDu(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())

	if err := e.MoveTo(400, false); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, e, clock)
	// 400 steps / 0.4 steps/du = 1000 du.
	if got := e.PositionDu(); got != 1000 {
		t.Errorf("PositionDu = %d, want 1000", got)
	}
}

func TestForceDisable(t *testing.T) {
	e, _, stepper := newTestEngine(t, testConfig())

	e.SetEnabled(true)
	e.SetEnabled(true)
	e.ForceDisable()
	if stepper.Enabled() {
		t.Fatal("driver still enabled after ForceDisable")
	}
	// Refcount was zeroed: one enable must re-assert the line.
	e.SetEnabled(true)
	if !stepper.Enabled() {
		t.Error("enable after ForceDisable did not re-assert the line")
	}
}
