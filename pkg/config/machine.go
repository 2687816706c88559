// Typed machine profile
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"goels/pkg/axis"
	"goels/pkg/errors"
	"goels/pkg/motion"
	"goels/pkg/spindle"
)

// EncoderConfig is the [encoder] section: the spindle tracker parameters
// plus the quadrature input pins.
type EncoderConfig struct {
	Spindle    spindle.Config
	PinA, PinB Pin
}

// AxisProfile is one [axis <name>] section: the engine parameters plus the
// driver pins.
type AxisProfile struct {
	Engine    axis.Config
	StepPin   Pin
	DirPin    Pin
	EnablePin Pin
}

// PanelConfig is the [panel] section.
type PanelConfig struct {
	Listen           string
	StatusIntervalMs int64
}

// SettingsConfig is the [settings] section.
type SettingsConfig struct {
	Path               string
	AutosaveIntervalMs int64
}

// MachineConfig is the whole typed profile.
type MachineConfig struct {
	// Hardware selects the backend: "sim" or "gpio".
	Hardware string

	// TickIntervalUs is the coordinator tick period.
	TickIntervalUs int64

	Encoder  EncoderConfig
	Z, X, A1 AxisProfile
	Motion   motion.Config
	Panel    PanelConfig
	Settings SettingsConfig
}

// LoadMachine loads and types a profile file.
func LoadMachine(path string) (*MachineConfig, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return MachineFromFile(f)
}

// MachineFromFile types a parsed profile. [machine], [encoder], [axis z]
// and [axis x] are required; [axis a1], [motion], [panel] and [settings]
// are optional.
func MachineFromFile(f *File) (*MachineConfig, error) {
	mc := &MachineConfig{}

	machine, err := f.Section("machine")
	if err != nil {
		return nil, err
	}
	if mc.Hardware, err = machine.GetChoice("hardware", []string{"sim", "gpio"}, "sim"); err != nil {
		return nil, err
	}
	if mc.TickIntervalUs, err = machine.GetIntInRange("tick_interval_us", 100, 100_000, 1000); err != nil {
		return nil, err
	}

	if err := loadEncoder(f, &mc.Encoder); err != nil {
		return nil, err
	}

	if err := loadAxis(f, "z", true, &mc.Z); err != nil {
		return nil, err
	}
	if err := loadAxis(f, "x", true, &mc.X); err != nil {
		return nil, err
	}
	if err := loadAxis(f, "a1", false, &mc.A1); err != nil {
		return nil, err
	}

	if err := loadMotion(f, &mc.Motion); err != nil {
		return nil, err
	}
	if err := loadPanel(f, &mc.Panel); err != nil {
		return nil, err
	}
	if err := loadSettings(f, &mc.Settings); err != nil {
		return nil, err
	}
	return mc, nil
}

func loadEncoder(f *File, ec *EncoderConfig) error {
	s, err := f.Section("encoder")
	if err != nil {
		return err
	}
	if ec.Spindle.StepsPerRev, err = s.GetIntInRange("steps_per_rev", 1, 1_000_000); err != nil {
		return err
	}
	if ec.Spindle.Backlash, err = s.GetIntInRange("backlash", 0, ec.Spindle.StepsPerRev, 0); err != nil {
		return err
	}
	clearAt, err := s.GetIntInRange("clear_threshold", 0, 1<<30, 0)
	if err != nil {
		return err
	}
	ec.Spindle.ClearThreshold = int32(clearAt)
	if ec.PinA, err = s.GetPin("pin_a", Pin{}); err != nil {
		return err
	}
	if ec.PinB, err = s.GetPin("pin_b", Pin{}); err != nil {
		return err
	}
	return nil
}

func loadAxis(f *File, name string, required bool, ap *AxisProfile) error {
	s := f.SectionOptional("axis " + name)
	if s == nil {
		if required {
			return errors.Newf(errors.ErrConfigValue, "section [axis %s] must be specified", name)
		}
		ap.Engine.Name = name
		return nil
	}

	cfg := &ap.Engine
	cfg.Name = name
	var err error
	if cfg.Active, err = s.GetBool("active", true); err != nil {
		return err
	}
	if cfg.Rotational, err = s.GetBool("rotational", false); err != nil {
		return err
	}
	if cfg.MotorSteps, err = s.GetFloatInRange("motor_steps", 1, 10_000_000); err != nil {
		return err
	}
	if cfg.LeadscrewDu, err = s.GetFloatInRange("leadscrew_du", 1, 10_000_000); err != nil {
		return err
	}
	if cfg.SpeedStart, err = s.GetFloatInRange("speed_start", 1, 1e6); err != nil {
		return err
	}
	if cfg.SpeedManual, err = s.GetFloatInRange("speed_manual", 1, 1e7); err != nil {
		return err
	}
	if cfg.Acceleration, err = s.GetFloatInRange("acceleration", 1, 1e8); err != nil {
		return err
	}
	if cfg.Invert, err = s.GetBool("invert", false); err != nil {
		return err
	}
	if cfg.NeedsRest, err = s.GetBool("needs_rest", false); err != nil {
		return err
	}
	if cfg.MaxTravelMm, err = s.GetIntInRange("max_travel_mm", 1, 100_000); err != nil {
		return err
	}
	if cfg.BacklashDu, err = s.GetIntInRange("backlash_du", 0, 1_000_000, 0); err != nil {
		return err
	}
	if cfg.EnableSettleMs, err = s.GetIntInRange("enable_settle_ms", 0, 10_000, 0); err != nil {
		return err
	}
	if cfg.DirSetupUs, err = s.GetIntInRange("dir_setup_us", 0, 10_000, 0); err != nil {
		return err
	}

	if ap.StepPin, err = s.GetPin("step_pin", Pin{}); err != nil {
		return err
	}
	if ap.DirPin, err = s.GetPin("dir_pin", Pin{}); err != nil {
		return err
	}
	if ap.EnablePin, err = s.GetPin("enable_pin", Pin{}); err != nil {
		return err
	}
	return nil
}

func loadMotion(f *File, mo *motion.Config) error {
	s := f.SectionOptional("motion")
	if s == nil {
		return nil
	}
	var err error
	if mo.PitchMaxDu, err = s.GetIntInRange("pitch_max_du", 1, 10_000_000, 254_000); err != nil {
		return err
	}
	starts, err := s.GetIntInRange("starts_max", 1, 100, 10)
	if err != nil {
		return err
	}
	mo.StartsMax = int(starts)
	passes, err := s.GetIntInRange("passes_max", 1, 10_000, 300)
	if err != nil {
		return err
	}
	mo.PassesMax = int(passes)
	if mo.AsyncRPM, err = s.GetFloatInRange("async_rpm", 1, 10_000, 120); err != nil {
		return err
	}
	return nil
}

func loadPanel(f *File, pc *PanelConfig) error {
	s := f.SectionOptional("panel")
	if s == nil {
		return nil
	}
	var err error
	if pc.Listen, err = s.Get("listen", ""); err != nil {
		return err
	}
	if pc.StatusIntervalMs, err = s.GetIntInRange("status_interval_ms", 10, 60_000, 250); err != nil {
		return err
	}
	return nil
}

func loadSettings(f *File, sc *SettingsConfig) error {
	s := f.SectionOptional("settings")
	if s == nil {
		return nil
	}
	var err error
	if sc.Path, err = s.Get("path", ""); err != nil {
		return err
	}
	if sc.AutosaveIntervalMs, err = s.GetIntInRange("autosave_interval_ms", 100, 3_600_000, 5000); err != nil {
		return err
	}
	return nil
}
