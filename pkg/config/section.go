// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strconv"
	"strings"
	"sync"

	"goels/pkg/errors"
)

// Section is one [section] of the profile. Getters take an optional
// fallback; with no fallback a missing option is an error. Every read is
// recorded for unused-option reporting.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	return &Section{
		name:     name,
		options:  options,
		accessed: make(map[string]struct{}),
	}
}

// Name returns the section name.
func (s *Section) Name() string { return s.name }

// HasOption reports whether the option is present.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

func (s *Section) lookup(option string) (string, bool) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[strings.ToLower(option)]
	return v, ok
}

func (s *Section) missing(option string) error {
	return errors.Newf(errors.ErrConfigValue, "[%s] %s must be specified", s.name, option)
}

func (s *Section) invalid(option, value, want string) error {
	return errors.Newf(errors.ErrConfigValue, "[%s] %s: invalid value %q, expected %s",
		s.name, option, value, want)
}

func (s *Section) unusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unused []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			unused = append(unused, opt)
		}
	}
	return unused
}

// Get returns a string option.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", s.missing(option)
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, fallback ...int64) (int64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, s.missing(option)
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, s.invalid(option, v, "integer")
	}
	return i, nil
}

// GetIntInRange returns an integer option bounds-checked to [min, max].
func (s *Section) GetIntInRange(option string, min, max int64, fallback ...int64) (int64, error) {
	i, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if i < min || i > max {
		return 0, errors.ConfigValue("["+s.name+"] "+option, i, min, max)
	}
	return i, nil
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, s.missing(option)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, s.invalid(option, v, "number")
	}
	return f, nil
}

// GetFloatInRange returns a float option bounds-checked to [min, max].
func (s *Section) GetFloatInRange(option string, min, max float64, fallback ...float64) (float64, error) {
	f, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if f < min || f > max {
		return 0, errors.ConfigValue("["+s.name+"] "+option, f, min, max)
	}
	return f, nil
}

// GetBool returns a boolean option. Accepts 1/true/yes/on and
// 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, s.missing(option)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, s.invalid(option, v, "boolean")
}

// GetChoice returns a string option restricted to the given choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", s.invalid(option, v, "one of "+strings.Join(choices, "/"))
}
