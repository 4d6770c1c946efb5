package transport

import (
	"fmt"
	"time"
)

// UnreachableError reports a connection-level failure: the host could not be
// reached or refused authentication. Distinct from in-command failures, which
// are reported through RawResult.ExitCode, because the two drive different
// orchestrator policies.
type UnreachableError struct {
	// Host is the inventory host name.
	Host string

	// Err is the underlying connection error.
	Err error
}

// Error implements the error interface.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a command exceeding its per-call timeout. The process
// receives a best-effort termination before this is returned.
type TimeoutError struct {
	// Host is the inventory host name.
	Host string

	// Command is the command that timed out.
	Command string

	// Timeout is the limit that expired.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command on host %s exceeded %s timeout", e.Host, e.Timeout)
}
