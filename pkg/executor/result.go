package executor

import (
	"time"
)

// Result is the per (task, host) outcome.
type Result struct {
	// Host is the target host name.
	Host string

	// Task is the task display name.
	Task string

	// Action is the action identifier.
	Action string

	// Skipped reports a false guard predicate; the task had no side effects.
	Skipped bool

	// Failed reports the evaluated failure state, after failed_when.
	Failed bool

	// Ignored reports a failed result carried past by ignore_errors. The
	// result stays marked failed for downstream "is failed" checks but does
	// not halt the host.
	Ignored bool

	// Unreachable reports a connection-level failure.
	Unreachable bool

	// Changed reports the evaluated change state, after changed_when.
	Changed bool

	// RC is the command exit code.
	RC int

	// Stdout and Stderr are the captured command output.
	Stdout string
	Stderr string

	// Msg is a human-readable outcome message.
	Msg string

	// Attempts is the number of attempts made (1 unless retried).
	Attempts int

	// Data carries action-specific output fields (stat results, etc.).
	Data map[string]interface{}

	// Facts are variables the action promotes to the host's fact layer.
	Facts map[string]interface{}

	// StartedAt and Duration record execution timing.
	StartedAt time.Time
	Duration  time.Duration
}

// Status returns the result's classification for events and metrics.
func (r *Result) Status() string {
	switch {
	case r.Unreachable:
		return "unreachable"
	case r.Skipped:
		return "skipped"
	case r.Failed:
		return "failed"
	case r.Changed:
		return "changed"
	default:
		return "ok"
	}
}

// AsVars returns the registered-variable form of the result, the mapping a
// register: clause binds and downstream predicates inspect.
func (r *Result) AsVars() map[string]interface{} {
	m := map[string]interface{}{
		"rc":          r.RC,
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"msg":         r.Msg,
		"changed":     r.Changed,
		"failed":      r.Failed,
		"skipped":     r.Skipped,
		"unreachable": r.Unreachable,
		"attempts":    r.Attempts,
	}
	for k, v := range r.Data {
		m[k] = v
	}
	return m
}
