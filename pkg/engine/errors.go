// Package engine implements the play orchestrator: it sequences tasks over
// the resolved host set, drives block/rescue/always control flow, defers and
// deduplicates handlers, and enforces the cross-host failure gate.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run error for propagation policy.
type ErrorClass string

const (
	// ErrorClassLoad indicates an inventory or playbook structure error.
	// Fatal to the whole run, never per-host; aborts before any host begins.
	ErrorClassLoad ErrorClass = "load"

	// ErrorClassRender indicates a template or variable resolution failure.
	// Local to one task, never retried automatically.
	ErrorClassRender ErrorClass = "render"

	// ErrorClassTask indicates a predicate-classified task failure. May be
	// ignored, rescued, or propagated.
	ErrorClassTask ErrorClass = "task"

	// ErrorClassUnreachable indicates a connection-level failure. Halts the
	// host unless explicitly ignored.
	ErrorClassUnreachable ErrorClass = "unreachable"

	// ErrorClassTimeout indicates a task or play deadline expiry.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassVault indicates a vault decryption failure, fatal to
	// whichever variable resolution needed the secret.
	ErrorClassVault ErrorClass = "vault"
)

// RunError is a classified error with host and task context.
type RunError struct {
	// Class is the error classification.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// Host is the host the error belongs to, if per-host.
	Host string

	// Task is the task being executed when the error occurred.
	Task string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Host != "" {
		msg += fmt.Sprintf(" (host=%s", e.Host)
		if e.Task != "" {
			msg += fmt.Sprintf(", task=%s", e.Task)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements class-based equality for errors.Is.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewLoadError creates a load-time error.
func NewLoadError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassLoad, Message: message, Err: err}
}

// NewRenderError creates a render error.
func NewRenderError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassRender, Message: message, Err: err}
}

// NewTaskError creates a task failure error.
func NewTaskError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassTask, Message: message, Err: err}
}

// NewUnreachableError creates an unreachable-host error.
func NewUnreachableError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassUnreachable, Message: message, Err: err}
}

// NewTimeoutError creates a deadline-expiry error.
func NewTimeoutError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewVaultError creates a vault error.
func NewVaultError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassVault, Message: message, Err: err}
}

// WithHost adds host context to the error.
func (e *RunError) WithHost(host string) *RunError {
	e.Host = host
	return e
}

// WithTask adds task context to the error.
func (e *RunError) WithTask(task string) *RunError {
	e.Task = task
	return e
}

// IsLoadError reports whether err is a load-time error.
func IsLoadError(err error) bool {
	var e *RunError
	return errors.As(err, &e) && e.Class == ErrorClassLoad
}

// IsUnreachable reports whether err is an unreachable-host error.
func IsUnreachable(err error) bool {
	var e *RunError
	return errors.As(err, &e) && e.Class == ErrorClassUnreachable
}
