// Unified error handling for the goels controller
//
// Every failure that crosses a package boundary is a *CoreError carrying a
// category code, so callers can react to the category (retry on busy,
// escalate a travel-limit refusal to the safety supervisor) without parsing
// message strings.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
)

// Code represents the category of error.
type Code string

const (
	// ErrConfigValue reports a setter or config option outside its
	// declared bounds. The previous value is retained.
	ErrConfigValue Code = "CONFIG_VALUE"

	// ErrBusy reports a bounded-wait lock acquisition timeout. The
	// operation was skipped and retries naturally on the next tick.
	ErrBusy Code = "RESOURCE_BUSY"

	// ErrTravelLimit reports a commanded travel beyond the mechanical
	// ceiling. The move was refused outright, not clamped.
	ErrTravelLimit Code = "TRAVEL_LIMIT"

	// ErrMissingLimits reports an attempt to enable a multi-pass mode
	// without the soft limits it requires.
	ErrMissingLimits Code = "MISSING_LIMITS"

	// ErrDesync reports a pitch-sign flip mid-operation or a nonzero
	// sync offset during synchronized motion.
	ErrDesync Code = "DESYNC"

	// ErrHardware reports a hardware capability failure (counter read,
	// GPIO setup).
	ErrHardware Code = "HARDWARE"

	// ErrState reports an operation invalid in the current mode or
	// enable state.
	ErrState Code = "STATE"
)

// CoreError is the unified error type of the motion core.
type CoreError struct {
	// Code is the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Axis names the axis involved, if any ("z", "x", "a1").
	Axis string

	// Err wraps the underlying error.
	Err error

	// Context provides additional key-value context.
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Axis != "" {
		return fmt.Sprintf("[%s] axis %s: %s", e.Code, e.Axis, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// SetAxis sets the axis name.
func (e *CoreError) SetAxis(axis string) *CoreError {
	e.Axis = axis
	return e
}

// SetContext adds a context value.
func (e *CoreError) SetContext(key string, value interface{}) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new CoreError.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a new CoreError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and message.
func Wrap(err error, code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// CodeOf returns the category of err, or "" if err is not a CoreError.
func CodeOf(err error) Code {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsBusy reports whether err is a RESOURCE_BUSY error.
func IsBusy(err error) bool { return CodeOf(err) == ErrBusy }

// IsTravelLimit reports whether err is a TRAVEL_LIMIT error.
func IsTravelLimit(err error) bool { return CodeOf(err) == ErrTravelLimit }

// IsMissingLimits reports whether err is a MISSING_LIMITS error.
func IsMissingLimits(err error) bool { return CodeOf(err) == ErrMissingLimits }

// IsConfigValue reports whether err is a CONFIG_VALUE error.
func IsConfigValue(err error) bool { return CodeOf(err) == ErrConfigValue }

// Busy creates a RESOURCE_BUSY error for the named operation.
func Busy(operation string) *CoreError {
	return Newf(ErrBusy, "%s skipped: state lock busy", operation)
}

// TravelLimit creates a TRAVEL_LIMIT error.
func TravelLimit(axis string, travel, limit int64) *CoreError {
	return Newf(ErrTravelLimit, "commanded travel %d steps exceeds ceiling %d", travel, limit).
		SetAxis(axis)
}

// MissingLimits creates a MISSING_LIMITS error.
func MissingLimits(mode string, axis string) *CoreError {
	return Newf(ErrMissingLimits, "mode %s requires both soft limits on axis %s", mode, axis).
		SetAxis(axis)
}

// ConfigValue creates a CONFIG_VALUE error for an out-of-bounds setting.
func ConfigValue(name string, value, min, max interface{}) *CoreError {
	return Newf(ErrConfigValue, "%s = %v outside [%v, %v]", name, value, min, max)
}

// Desync creates a DESYNC error.
func Desync(reason string) *CoreError {
	return New(ErrDesync, reason)
}
