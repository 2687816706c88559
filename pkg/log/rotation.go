// Log file rotation for the goels controller daemon
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RotatingFileWriter implements io.Writer with size-based file rotation.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSizeMB is the maximum size in megabytes before rotation.
	// Default is 10.
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default is 5.
	MaxBackups int
}

// NewRotatingFileWriter opens (or creates) the log file for appending.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log: filename is required")
	}
	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: unable to open %s: %w", w.filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: unable to stat %s: %w", w.filename, err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write appends to the log file, rotating first if the size limit is hit.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate renames the current file to <name>.1, shifting older backups up
// and dropping any beyond maxBackups.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	for i := w.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.filename, i)
		dst := fmt.Sprintf("%s.%d", w.filename, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if err := os.Rename(w.filename, w.filename+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.removeExcessBackups()
	return w.open()
}

func (w *RotatingFileWriter) removeExcessBackups() {
	pattern := w.filename + ".*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	type backup struct {
		path string
		num  int
	}
	var backups []backup
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, w.filename+".")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: m, num: n})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].num < backups[j].num })
	for _, b := range backups {
		if b.num > w.maxBackups {
			os.Remove(b.path)
		}
	}
}
