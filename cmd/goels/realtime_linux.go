// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package main

import (
	"golang.org/x/sys/unix"

	"goels/pkg/log"
)

// rtPriority is the SCHED_FIFO priority for the tick loop. High enough
// to preempt ordinary system load, below kernel IRQ threads.
const rtPriority = 50

// setupRealtime locks the process image in memory and moves it to the
// FIFO scheduling class so step timing does not suffer from paging or
// ordinary CFS preemption. Both calls need CAP_SYS_NICE/CAP_IPC_LOCK;
// failure is logged and the daemon carries on with best-effort timing.
func setupRealtime(logger *log.Logger) {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		logger.Warn("mlockall failed, continuing without locked memory: %v", err)
	}

	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		logger.Warn("SCHED_FIFO unavailable, continuing with normal scheduling: %v", err)
		return
	}
	logger.Info("realtime scheduling active, FIFO priority %d", rtPriority)
}
