// goels is the electronic leadscrew controller daemon. It decodes the
// spindle encoder, gears the axis motors to it according to the active
// operating mode, and serves the operator panel protocol.
//
// Usage:
//
//	goels -config /etc/goels/machine.cfg [options]
//
// Options:
//
//	-config string    Machine profile file (required)
//	-listen string    Panel listen address (overrides the profile)
//	-logfile string   Log file path (default: stdout)
//	-loglevel string  Log level: debug, info, warning, error
//	-realtime         Request SCHED_FIFO and lock memory (default true)
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goels/pkg/axis"
	"goels/pkg/config"
	"goels/pkg/errors"
	"goels/pkg/hal"
	"goels/pkg/hal/periphhw"
	"goels/pkg/log"
	"goels/pkg/metrics"
	"goels/pkg/motion"
	"goels/pkg/panel"
	"goels/pkg/reactor"
	"goels/pkg/safety"
	"goels/pkg/settings"
	"goels/pkg/spindle"
)

// counterWrap sizes the software quadrature accumulator. The tracker
// clears well before this point.
const counterWrap = 1 << 30

// nullStepper backs an inactive axis that has no driver pins.
type nullStepper struct{}

func (nullStepper) Step()             {}
func (nullStepper) SetDirection(bool) {}
func (nullStepper) SetEnabled(bool)   {}

func main() {
	configFile := flag.String("config", "", "Machine profile file (required)")
	listen := flag.String("listen", "", "Panel listen address (overrides the profile)")
	logFile := flag.String("logfile", "", "Log file path (default: stdout)")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warning, error")
	realtime := flag.Bool("realtime", true, "Request SCHED_FIFO and lock memory")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("goels")
	logger.SetLevel(log.ParseLevel(*logLevel))
	log.ConfigureFromEnv(logger)
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}

	mc, err := config.LoadMachine(*configFile)
	if err != nil {
		logger.Error("profile %s: %v", *configFile, err)
		os.Exit(1)
	}
	if *listen != "" {
		mc.Panel.Listen = *listen
	}
	if mc.Hardware != "gpio" {
		logger.Error("profile selects hardware=%s; this daemon drives real GPIO, use goels-sim for a simulated machine", mc.Hardware)
		os.Exit(1)
	}

	logger.Info("goels starting, profile %s", *configFile)

	if err := periphhw.Init(); err != nil {
		logger.Error("hardware init: %v", err)
		os.Exit(1)
	}
	clock := periphhw.NewClock()

	counter, err := periphhw.NewCounter(mc.Encoder.PinA.Name, mc.Encoder.PinB.Name,
		counterWrap, logger)
	if err != nil {
		logger.Error("encoder: %v", err)
		os.Exit(1)
	}
	defer counter.Close()
	tracker := spindle.New(mc.Encoder.Spindle, clock, counter, logger)

	buildAxis := func(ap config.AxisProfile) (*axis.Engine, error) {
		var stepper hal.Stepper = nullStepper{}
		if ap.Engine.Active {
			s, err := periphhw.NewStepper(periphhw.StepperPins{
				Step:      ap.StepPin.Name,
				Dir:       ap.DirPin.Name,
				Enable:    ap.EnablePin.Name,
				InvertDir: ap.DirPin.Invert,
				InvertEna: ap.EnablePin.Invert,
			}, logger)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrHardware, "axis "+ap.Engine.Name)
			}
			stepper = s
		}
		return axis.New(ap.Engine, stepper, clock, logger), nil
	}

	var axes [3]*axis.Engine
	for i, ap := range []config.AxisProfile{mc.Z, mc.X, mc.A1} {
		if axes[i], err = buildAxis(ap); err != nil {
			logger.Error("%v", err)
			os.Exit(1)
		}
	}
	z, x, a1 := axes[0], axes[1], axes[2]

	coord := motion.New(mc.Motion, tracker, z, x, a1, clock, logger)
	super := safety.New(coord, axes[:], logger)
	if err := safety.CheckIntegrity(axes[:]); err != nil {
		logger.Error("integrity check: %v", err)
		os.Exit(1)
	}

	// Faults raised inside the tick escalate to the latched estop.
	coord.SetFaultHandler(func(err error) {
		reason := safety.ReasonHardware
		if errors.IsTravelLimit(err) {
			reason = safety.ReasonTravelLimit
		}
		super.TriggerEstop(reason, err.Error())
	})

	reg := metrics.NewRegistry()
	tickDur := reg.NewHistogram("goels_tick_duration_seconds",
		"Control tick latency.", metrics.TickBuckets)
	ticks := reg.NewCounter("goels_ticks_total", "Control ticks executed.")
	estops := reg.NewCounter("goels_estops_total", "Emergency stops latched.")
	super.OnEstop(func(safety.EstopReason, string) { estops.Inc() })
	reg.NewGaugeFunc("goels_spindle_rpm", "Measured spindle speed.",
		func() float64 { return float64(tracker.RPM()) })
	reg.NewGaugeFunc("goels_enabled", "Coordinator enabled state.", func() float64 {
		if coord.Enabled() {
			return 1
		}
		return 0
	})

	var saver *settings.Autosaver
	if mc.Settings.Path != "" {
		snap, ok, err := settings.Load(mc.Settings.Path)
		if err != nil {
			logger.WithError(err).Warn("saved settings ignored")
		} else if ok {
			if err := settings.Apply(coord, snap); err != nil {
				logger.WithError(err).Warn("saved settings only partially applied")
			} else {
				logger.Info("settings restored from %s", mc.Settings.Path)
			}
		}
		saver = settings.NewAutosaver(mc.Settings.Path,
			time.Duration(mc.Settings.AutosaveIntervalMs)*time.Millisecond,
			func() settings.Snapshot { return settings.Capture(coord) }, logger)
		saver.Start()
		defer saver.Stop()
	}

	var srv *panel.Server
	if mc.Panel.Listen != "" {
		srv = panel.New(panel.Config{
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
	}

	if *realtime {
		setupRealtime(logger)
	}

	r := reactor.New()
	tickUs := mc.TickIntervalUs
	r.RegisterTimer(func(eventUs int64) int64 {
		start := time.Now()
		coord.Tick()
		tickDur.Observe(time.Since(start).Seconds())
		ticks.Inc()
		return eventUs + tickUs
	}, reactor.Now)
	r.Run()

	logger.Info("goels ready, tick %dus, panel %s", tickUs, mc.Panel.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	coord.SetEnabled(false)
	r.End()
	r.Wait()
}
