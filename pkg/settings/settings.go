// Package settings persists the operator state across restarts: operating
// mode, pitch, starts, pass parameters and the per-axis soft limits, as a
// yaml snapshot on disk.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package settings

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"goels/pkg/axis"
	"goels/pkg/errors"
	"goels/pkg/motion"
)

// AxisState is the persisted state of one axis.
type AxisState struct {
	Name         string `yaml:"name"`
	LeftStopSet  bool   `yaml:"left_stop_set"`
	LeftStop     int64  `yaml:"left_stop"`
	RightStopSet bool   `yaml:"right_stop_set"`
	RightStop    int64  `yaml:"right_stop"`

	// OriginSteps is recorded for diagnostics only. It is not restored:
	// the physical position at power-on is unknown, so stale origins
	// would lie about where the tool is.
	OriginSteps int64 `yaml:"origin_steps"`
}

// Snapshot is the persisted operator state.
type Snapshot struct {
	Mode       string      `yaml:"mode"`
	PitchDu    int64       `yaml:"pitch_du"`
	Starts     int         `yaml:"starts"`
	ConeRatio  float64     `yaml:"cone_ratio"`
	TurnPasses int         `yaml:"turn_passes"`
	AuxForward bool        `yaml:"aux_forward"`
	Axes       []AxisState `yaml:"axes"`
}

// Capture reads the coordinator state into a Snapshot.
func Capture(c *motion.Coordinator) Snapshot {
	s := Snapshot{
		Mode:       c.Mode().String(),
		PitchDu:    c.Pitch(),
		Starts:     c.Starts(),
		ConeRatio:  c.ConeRatio(),
		TurnPasses: c.TurnPasses(),
		AuxForward: c.AuxDirection(),
	}
	for _, a := range c.Axes() {
		if !a.Active() {
			continue
		}
		left, right := a.LeftStop(), a.RightStop()
		s.Axes = append(s.Axes, AxisState{
			Name:         a.Name(),
			LeftStopSet:  left.IsSet(),
			LeftStop:     left.Position(),
			RightStopSet: right.IsSet(),
			RightStop:    right.Position(),
			OriginSteps:  a.OriginPosition(),
		})
	}
	return s
}

// Apply pushes a Snapshot into the coordinator. Meant for startup, before
// motion is engaged; parameters outside the running profile's bounds are
// an error.
func Apply(c *motion.Coordinator, s Snapshot) error {
	if s.Mode != "" {
		mode, err := motion.ParseMode(s.Mode)
		if err != nil {
			return err
		}
		if err := c.SetOperationMode(mode); err != nil {
			return err
		}
	}
	if err := c.SetPitch(s.PitchDu); err != nil {
		return err
	}
	if s.Starts > 0 {
		if err := c.SetStarts(s.Starts); err != nil {
			return err
		}
	}
	if s.ConeRatio != 0 {
		if err := c.SetConeRatio(s.ConeRatio); err != nil {
			return err
		}
	}
	if s.TurnPasses > 0 {
		if err := c.SetTurnPasses(s.TurnPasses); err != nil {
			return err
		}
	}
	c.SetAuxDirection(s.AuxForward)

	for _, as := range s.Axes {
		a := c.AxisByName(as.Name)
		if a == nil {
			return errors.Newf(errors.ErrConfigValue,
				"settings reference unknown axis %q", as.Name)
		}
		left, right := axis.NoStop(), axis.NoStop()
		if as.LeftStopSet {
			left = axis.StopAt(as.LeftStop)
		}
		if as.RightStopSet {
			right = axis.StopAt(as.RightStop)
		}
		// Clear both before setting so an old pair can't conflict with
		// the ordering check.
		if err := a.SetRightStop(axis.NoStop()); err != nil {
			return err
		}
		if err := a.SetLeftStop(left); err != nil {
			return err
		}
		if err := a.SetRightStop(right); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a Snapshot from path. A missing file returns ok=false with no
// error: first boot has nothing to restore.
func Load(path string) (Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, errors.Wrap(err, errors.ErrState, "read settings")
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, errors.Wrap(err, errors.ErrState, "parse settings")
	}
	return s, true, nil
}

// Save writes a Snapshot to path atomically (temp file and rename).
func Save(path string, s Snapshot) error {
	data, err := yaml.Marshal(&s)
	if err != nil {
		return errors.Wrap(err, errors.ErrState, "encode settings")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrState, "create settings dir")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrState, "write settings")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.ErrState, "replace settings")
	}
	return nil
}
