// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build !linux

package main

import "goels/pkg/log"

// Realtime scheduling is only wired up on Linux targets.
func setupRealtime(logger *log.Logger) {
	logger.Warn("realtime scheduling not supported on this platform")
}
