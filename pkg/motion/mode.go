// Operating modes of the motion coordinator
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"goels/pkg/errors"
)

// Mode identifies an operating mode of the coordinator.
type Mode int

const (
	// ModeNormal is the basic electronic-leadscrew mode: the Z axis
	// tracks spindle phase at the configured pitch.
	ModeNormal Mode = iota

	// ModeAsync feeds the Z axis at the configured pitch against a
	// virtual spindle, independent of the real spindle.
	ModeAsync

	// ModeCone drives X as a fixed ratio of Z for taper turning.
	ModeCone

	// ModeTurn runs automatic longitudinal roughing passes.
	ModeTurn

	// ModeFace runs automatic facing passes (X feeds, Z steps depth).
	ModeFace

	// ModeCut runs grooving plunge cycles on X.
	ModeCut

	// ModeThread runs multi-pass threading with phase-aligned passes.
	ModeThread

	// ModeEllipse turns an elliptical profile in passes.
	ModeEllipse

	// ModeGCode accepts externally supplied targets through the same
	// axis contract.
	ModeGCode

	// ModeAux synchronizes the auxiliary A1 axis to the spindle.
	ModeAux
)

var modeNames = map[Mode]string{
	ModeNormal:  "normal",
	ModeAsync:   "async",
	ModeCone:    "cone",
	ModeTurn:    "turn",
	ModeFace:    "face",
	ModeCut:     "cut",
	ModeThread:  "thread",
	ModeEllipse: "ellipse",
	ModeGCode:   "gcode",
	ModeAux:     "aux",
}

// String returns the mode's configuration name.
func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode parses a configuration name into a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeNormal, errors.Newf(errors.ErrConfigValue, "unknown mode %q", s)
}

// Modes returns all modes in declaration order.
func Modes() []Mode {
	return []Mode{
		ModeNormal, ModeAsync, ModeCone, ModeTurn, ModeFace,
		ModeCut, ModeThread, ModeEllipse, ModeGCode, ModeAux,
	}
}
