package convq

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every rejection of bad input at submission time.
var ErrValidation = errors.New("convq: validation failed")

// ErrUnsupportedFormat is returned when the requested output format is not registered.
var ErrUnsupportedFormat = errors.New("convq: unsupported format")

// ErrInvalidOption is returned for unknown or out-of-range conversion options.
var ErrInvalidOption = errors.New("convq: invalid option")

// ErrInvalidPageExpression is returned when a page selection cannot be parsed.
var ErrInvalidPageExpression = errors.New("convq: invalid page expression")

// ErrCapacityExceeded is returned by Submit when the pending backlog is full.
var ErrCapacityExceeded = errors.New("convq: capacity exceeded")

// ErrNotFound is returned for unknown task ids and for tasks already reclaimed.
var ErrNotFound = errors.New("convq: task not found")

// ErrAlreadyTerminal is returned when cancelling a task that already finished.
var ErrAlreadyTerminal = errors.New("convq: task already terminal")

// ErrDuplicateTaskID is returned by Store.Create when the id already exists.
var ErrDuplicateTaskID = errors.New("convq: duplicate task id")

// ErrConversionFailure wraps errors reported by a conversion function.
var ErrConversionFailure = errors.New("convq: conversion failed")

// ErrResultUnavailable is returned when a completed task's artifact bytes are gone.
var ErrResultUnavailable = errors.New("convq: result unavailable")

// ErrNotReady is returned when downloading the result of a task that has not completed.
var ErrNotReady = errors.New("convq: result not ready")

// ErrUnknownStatus is returned when parsing an invalid status string.
var ErrUnknownStatus = errors.New("convq: unknown status")

// ErrInvalidTransition is returned when a status change is not an edge of the task state machine.
var ErrInvalidTransition = errors.New("convq: invalid status transition")

// ErrPageOutOfRange is returned when a page selection exceeds the document's page count.
var ErrPageOutOfRange = errors.New("convq: page out of range")

// ErrEngineStopped is returned by Submit when the engine is not running.
var ErrEngineStopped = errors.New("convq: engine not running")

// ErrInputTooLarge is returned when a staged input exceeds the configured size limit.
var ErrInputTooLarge = errors.New("convq: input too large")

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "convq: validation failed: " + e.Reason
	}
	return fmt.Sprintf("convq: validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match both ErrValidation and the specific cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// PageExpressionError carries the offending token of a page selection.
type PageExpressionError struct {
	Token  string
	Reason string
}

func (e *PageExpressionError) Error() string {
	return fmt.Sprintf("convq: invalid page expression: token %q: %s", e.Token, e.Reason)
}

func (e *PageExpressionError) Unwrap() []error {
	return []error{ErrValidation, ErrInvalidPageExpression}
}

func invalidOption(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidOption}
}
