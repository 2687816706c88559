// goels-sim runs the controller against a fully simulated machine: a
// scripted spindle feeds the encoder while the axis drivers step into
// recording stubs. It serves the same panel protocol as the real daemon,
// so frontends and panel scripts can be exercised without hardware.
//
// Usage:
//
//	goels-sim [options]
//
// Options:
//
//	-config string   Machine profile file (default: built-in profile)
//	-listen string   Panel listen address (overrides the profile)
//	-rpm float       Simulated spindle speed (default 180)
//	-reverse         Run the simulated spindle backwards
//	-loglevel string Log level: debug, info, warning, error
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goels/pkg/axis"
	"goels/pkg/config"
	"goels/pkg/hal/simhw"
	"goels/pkg/log"
	"goels/pkg/metrics"
	"goels/pkg/motion"
	"goels/pkg/panel"
	"goels/pkg/safety"
	"goels/pkg/settings"
	"goels/pkg/spindle"
)

// defaultProfile is a plausible small lathe: 1440 PPR encoder in
// quadrature, 200-step motors microstepped 4x on 2mm leadscrews.
const defaultProfile = `
[machine]
hardware: sim
tick_interval_us: 1000

[encoder]
steps_per_rev: 2880

[axis z]
motor_steps: 800
leadscrew_du: 20000
speed_start: 1500
speed_manual: 8000
acceleration: 25000
max_travel_mm: 300

[axis x]
motor_steps: 800
leadscrew_du: 20000
speed_start: 1500
speed_manual: 8000
acceleration: 25000
max_travel_mm: 100

[panel]
listen: :8177
`

func main() {
	configFile := flag.String("config", "", "Machine profile file (default: built-in profile)")
	listen := flag.String("listen", "", "Panel listen address (overrides the profile)")
	rpm := flag.Float64("rpm", 180, "Simulated spindle speed")
	reverse := flag.Bool("reverse", false, "Run the simulated spindle backwards")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warning, error")
	flag.Parse()

	logger := log.New("goels-sim")
	logger.SetLevel(log.ParseLevel(*logLevel))
	log.ConfigureFromEnv(logger)

	var mc *config.MachineConfig
	var err error
	if *configFile != "" {
		mc, err = config.LoadMachine(*configFile)
	} else {
		var f *config.File
		if f, err = config.LoadString(defaultProfile); err == nil {
			mc, err = config.MachineFromFile(f)
		}
	}
	if err != nil {
		logger.Error("profile: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		mc.Panel.Listen = *listen
	}
	if mc.Panel.Listen == "" {
		mc.Panel.Listen = ":8177"
	}

	clock := simhw.NewClock()
	counter := simhw.NewCounter(32000)
	tracker := spindle.New(mc.Encoder.Spindle, clock, counter, logger)

	newAxis := func(ap config.AxisProfile) *axis.Engine {
		return axis.New(ap.Engine, simhw.NewStepper(clock), clock, logger)
	}
	z, x, a1 := newAxis(mc.Z), newAxis(mc.X), newAxis(mc.A1)

	coord := motion.New(mc.Motion, tracker, z, x, a1, clock, logger)
	super := safety.New(coord, []*axis.Engine{z, x, a1}, logger)
	if err := safety.CheckIntegrity([]*axis.Engine{z, x, a1}); err != nil {
		logger.Error("integrity check: %v", err)
		os.Exit(1)
	}
	coord.SetFaultHandler(func(err error) {
		super.TriggerEstop(safety.ReasonHardware, err.Error())
	})

	var saver *settings.Autosaver
	if mc.Settings.Path != "" {
		if snap, ok, err := settings.Load(mc.Settings.Path); err == nil && ok {
			if err := settings.Apply(coord, snap); err != nil {
				logger.WithError(err).Warn("saved settings only partially applied")
			}
		}
		saver = settings.NewAutosaver(mc.Settings.Path,
			time.Duration(mc.Settings.AutosaveIntervalMs)*time.Millisecond,
			func() settings.Snapshot { return settings.Capture(coord) }, logger)
		saver.Start()
		defer saver.Stop()
	}

	reg := metrics.NewRegistry()
	tickDur := reg.NewHistogram("goels_tick_duration_seconds",
		"Control tick latency.", metrics.TickBuckets)
	reg.NewGaugeFunc("goels_spindle_rpm", "Measured spindle speed.",
		func() float64 { return float64(tracker.RPM()) })

	srv := panel.New(panel.Config{
		Addr:           mc.Panel.Listen,
		StatusInterval: time.Duration(mc.Panel.StatusIntervalMs) * time.Millisecond,
		Metrics:        reg,
	}, coord, super, logger)
	if saver != nil {
		srv.OnChange(saver.Notify)
	}
	if err := srv.Start(); err != nil {
		logger.Error("panel: %v", err)
		os.Exit(1)
	}
	defer srv.Stop()

	spindleRPM := *rpm
	if *reverse {
		spindleRPM = -spindleRPM
	}
	logger.Info("simulated machine ready: spindle %.0f rpm, panel http://%s", spindleRPM, srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The simulated clock tracks wall time tick by tick; encoder pulses
	// accumulate fractionally so any rpm divides the tick rate cleanly.
	tickUs := mc.TickIntervalUs
	pulsesPerUs := spindleRPM / 60 * float64(mc.Encoder.Spindle.StepsPerRev) / 1e6
	var pulseFrac float64

	ticker := time.NewTicker(time.Duration(tickUs) * time.Microsecond)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			coord.SetEnabled(false)
			return
		case <-report.C:
			st := coord.Snapshot()
			logger.Info("mode=%s enabled=%v rpm=%d pitch=%ddu", st.Mode, st.Enabled, st.SpindleRPM, st.PitchDu)
		case <-ticker.C:
			clock.Advance(tickUs)
			pulseFrac += pulsesPerUs * float64(tickUs)
			if whole := int32(pulseFrac); whole != 0 {
				counter.AddPulses(whole)
				pulseFrac -= float64(whole)
			}
			start := time.Now()
			coord.Tick()
			tickDur.Observe(time.Since(start).Seconds())
		}
	}
}
