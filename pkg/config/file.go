// Package config parses the machine profile: an ini-style file with
// [section] headers, key: value options, comments and [include] directives.
// Option reads are tracked so unknown leftovers can be reported.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"goels/pkg/errors"
)

// File is a parsed profile.
type File struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// Load reads and parses a profile, following [include path] directives
// relative to the including file. Include cycles are an error.
func Load(path string) (*File, error) {
	f := &File{sections: make(map[string]*Section)}
	if err := f.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadString parses a profile from memory. Includes are not allowed.
func LoadString(data string) (*File, error) {
	f := &File{sections: make(map[string]*Section)}
	if err := f.parse(strings.NewReader(data), "", nil); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigValue, "invalid profile path")
	}
	if visited[abs] {
		return errors.Newf(errors.ErrConfigValue, "recursive include of %s", path)
	}
	visited[abs] = true
	defer delete(visited, abs)

	r, err := os.Open(abs)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigValue, "open profile")
	}
	defer r.Close()
	return f.parse(r, filepath.Dir(abs), visited)
}

func (f *File) parse(r interface{ Read([]byte) (int, error) }, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string

	flush := func() {
		if section != "" {
			f.addSection(section, options)
		}
	}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}

		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			header := strings.TrimSpace(text[1 : len(text)-1])
			if header == "" {
				return errors.Newf(errors.ErrConfigValue, "empty section header at line %d", line)
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				flush()
				section, options = "", nil
				if err := f.include(strings.TrimSpace(spec), dir, visited); err != nil {
					return err
				}
				continue
			}
			flush()
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			return errors.Newf(errors.ErrConfigValue, "option outside any section at line %d", line)
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			key, value, ok = strings.Cut(text, "=")
		}
		if !ok || strings.TrimSpace(key) == "" {
			return errors.Newf(errors.ErrConfigValue, "malformed option at line %d", line)
		}
		options[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfigValue, "read profile")
	}
	return nil
}

func (f *File) include(spec, dir string, visited map[string]bool) error {
	if visited == nil {
		return errors.New(errors.ErrConfigValue, "includes not allowed in inline profiles")
	}
	if spec == "" {
		return errors.New(errors.ErrConfigValue, "empty include")
	}
	pattern := filepath.Join(dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigValue, "invalid include pattern")
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return errors.Newf(errors.ErrConfigValue, "include file does not exist: %s", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := f.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection merges options into an existing section of the same name, so
// later includes can override earlier values.
func (f *File) addSection(name string, options map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.sections[name]; ok {
		for k, v := range options {
			existing.options[k] = v
		}
		return
	}
	f.sections[name] = newSection(name, options)
	f.order = append(f.order, name)
}

// Section returns the named section, or a MISSING-style error.
func (f *File) Section(name string) (*Section, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sections[name]
	if !ok {
		return nil, errors.Newf(errors.ErrConfigValue, "section [%s] not found", name)
	}
	return s, nil
}

// SectionOptional returns the named section or nil.
func (f *File) SectionOptional(name string) *Section {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sections[name]
}

// HasSection reports whether the named section exists.
func (f *File) HasSection(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.sections[name]
	return ok
}

// SectionNames returns all section names in file order.
func (f *File) SectionNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.order))
	copy(names, f.order)
	return names
}

// UnusedOptions returns "[section] option" strings for every option never
// read through a getter. Used at startup to flag typos in the profile.
func (f *File) UnusedOptions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var unused []string
	for _, name := range f.order {
		for _, opt := range f.sections[name].unusedOptions() {
			unused = append(unused, "["+name+"] "+opt)
		}
	}
	sort.Strings(unused)
	return unused
}
