// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strings"
	"testing"
)

const machineProfile = `
[machine]
hardware: sim
tick_interval_us: 500

[encoder]
steps_per_rev: 2880
backlash: 3
pin_a: ^GPIO23
pin_b: ^GPIO24

[axis z]
motor_steps: 800
leadscrew_du: 20000
speed_start: 600
speed_manual: 8000
acceleration: 24000
needs_rest: true
max_travel_mm: 500
backlash_du: 65
step_pin: GPIO17
dir_pin: !GPIO27
enable_pin: !GPIO22

[axis x]
motor_steps: 800
leadscrew_du: 10000
speed_start: 600
speed_manual: 6000
acceleration: 20000
max_travel_mm: 150

[motion]
async_rpm: 90

[panel]
listen: 127.0.0.1:7125
status_interval_ms: 100

[settings]
path: /var/lib/goels/settings.yaml
`

func TestMachineFromFile(t *testing.T) {
	f, err := LoadString(machineProfile)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	mc, err := MachineFromFile(f)
	if err != nil {
		t.Fatalf("MachineFromFile: %v", err)
	}

	if mc.Hardware != "sim" || mc.TickIntervalUs != 500 {
		t.Errorf("machine = %q %d", mc.Hardware, mc.TickIntervalUs)
	}
	if mc.Encoder.Spindle.StepsPerRev != 2880 || mc.Encoder.Spindle.Backlash != 3 {
		t.Errorf("encoder = %+v", mc.Encoder.Spindle)
	}
	if mc.Encoder.PinA.Name != "GPIO23" || mc.Encoder.PinA.Pull != 1 {
		t.Errorf("pin_a = %+v", mc.Encoder.PinA)
	}

	z := mc.Z.Engine
	if z.Name != "z" || !z.Active || !z.NeedsRest || z.BacklashDu != 65 {
		t.Errorf("z = %+v", z)
	}
	if mc.Z.DirPin.Name != "GPIO27" || !mc.Z.DirPin.Invert {
		t.Errorf("z dir_pin = %+v", mc.Z.DirPin)
	}

	// A1 absent: inactive placeholder with its name set.
	if mc.A1.Engine.Active || mc.A1.Engine.Name != "a1" {
		t.Errorf("a1 = %+v", mc.A1.Engine)
	}

	// Defaults flow in for the optional sections.
	if mc.Motion.AsyncRPM != 90 || mc.Motion.PitchMaxDu != 254_000 {
		t.Errorf("motion = %+v", mc.Motion)
	}
	if mc.Panel.Listen != "127.0.0.1:7125" || mc.Panel.StatusIntervalMs != 100 {
		t.Errorf("panel = %+v", mc.Panel)
	}
	if mc.Settings.AutosaveIntervalMs != 5000 {
		t.Errorf("settings = %+v", mc.Settings)
	}
}

func TestMachineRequiresCoreSections(t *testing.T) {
	f, err := LoadString("[machine]\nhardware: sim\n")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if _, err := MachineFromFile(f); err == nil {
		t.Fatal("profile without encoder/axes accepted")
	}
}

func TestMachineRejectsMissingAxisOption(t *testing.T) {
	// Drop a required option from [axis x].
	broken := strings.Replace(machineProfile, "max_travel_mm: 150\n", "", 1)
	f, err := LoadString(broken)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if _, err := MachineFromFile(f); err == nil {
		t.Fatal("profile with incomplete axis accepted")
	}
}
