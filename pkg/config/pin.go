// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strings"

	"goels/pkg/errors"
)

// Pin is a parsed pin specification: an optional `!` invert prefix and an
// optional `^` (pull-up) or `~` (pull-down) prefix before the pin name,
// e.g. "GPIO17", "!GPIO27", "^GPIO22".
type Pin struct {
	Name   string
	Invert bool
	Pull   int // 1 pull-up, -1 pull-down, 0 floating
}

// ParsePin parses a pin specification string.
func ParsePin(desc string) (Pin, error) {
	d := strings.TrimSpace(desc)
	var p Pin
	for len(d) > 0 {
		switch d[0] {
		case '^':
			p.Pull = 1
		case '~':
			p.Pull = -1
		case '!':
			p.Invert = true
		default:
			if strings.ContainsAny(d, "^~!:") {
				return Pin{}, errors.Newf(errors.ErrConfigValue, "invalid pin specification %q", desc)
			}
			p.Name = d
			return p, nil
		}
		d = strings.TrimSpace(d[1:])
	}
	return Pin{}, errors.Newf(errors.ErrConfigValue, "empty pin specification %q", desc)
}

// GetPin returns a pin option.
func (s *Section) GetPin(option string, fallback ...Pin) (Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return Pin{}, s.missing(option)
	}
	p, err := ParsePin(v)
	if err != nil {
		return Pin{}, s.invalid(option, v, "pin specification")
	}
	return p, nil
}
