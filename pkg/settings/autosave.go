// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package settings

import (
	"sync"
	"time"

	"goels/pkg/log"
)

// Autosaver debounce-writes snapshots: state changes mark it dirty, and a
// background loop persists at most once per interval. A final save runs on
// Stop so the freshest state lands on disk at shutdown.
type Autosaver struct {
	path     string
	interval time.Duration
	capture  func() Snapshot
	logger   *log.Logger

	mu    sync.Mutex
	dirty bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewAutosaver creates a stopped autosaver. capture is called from the
// autosave goroutine.
func NewAutosaver(path string, interval time.Duration, capture func() Snapshot, logger *log.Logger) *Autosaver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Autosaver{
		path:     path,
		interval: interval,
		capture:  capture,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify marks the state dirty. Cheap; call on every operator change.
func (a *Autosaver) Notify() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// Start launches the autosave loop.
func (a *Autosaver) Start() {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				a.flush()
				return
			}
		}
	}()
}

// Stop ends the loop after a final flush and waits for it to finish.
func (a *Autosaver) Stop() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}

func (a *Autosaver) flush() {
	a.mu.Lock()
	dirty := a.dirty
	a.dirty = false
	a.mu.Unlock()
	if !dirty {
		return
	}
	if err := Save(a.path, a.capture()); err != nil {
		a.logger.WithError(err).Error("settings autosave")
		return
	}
	a.logger.Debug("settings saved")
}
