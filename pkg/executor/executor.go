// Package executor runs one task against one host: it evaluates the guard
// predicate, renders parameters from the variable store, dispatches to the
// connection transport, and applies the failure and change predicates.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/transport"
	"github.com/tideway/tideway/pkg/vars"
)

// transportFree lists actions that never touch the connection transport.
var transportFree = map[string]bool{
	"set_fact": true,
	"debug":    true,
}

// NeedsTransport reports whether an action requires a live connection.
func NeedsTransport(action string) bool {
	return !transportFree[action]
}

// Executor runs tasks against hosts. One Executor serves all hosts of a run;
// it holds no per-host state.
type Executor struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// Check enables dry-run mode: no action runs in its mutating form.
	Check bool
}

// New creates a task executor.
func New(log *telemetry.Logger, metrics *telemetry.Metrics, check bool) *Executor {
	return &Executor{
		log:     log.NewComponentLogger("executor"),
		metrics: metrics,
		Check:   check,
	}
}

// Run executes one task on one host and returns its Result. The store is the
// host's scope stack; conn may be nil for transport-free actions.
//
// The guard predicate is evaluated first: a false guard returns a skipped
// result with no side effects and no transport call. Parameter rendering
// failures and undefined variable references fail the task before any
// transport call and are never retried. With a retry policy, the transport
// attempt repeats until the until-predicate holds or attempts are exhausted;
// the final result reflects the last attempt plus the attempt counter.
func (e *Executor) Run(ctx context.Context, task *playbook.Task, host string, store *vars.Store, conn transport.Transport) *Result {
	result := &Result{
		Host:      host,
		Task:      task.DisplayName(),
		Action:    task.Action,
		StartedAt: time.Now(),
		Attempts:  1,
	}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		e.metrics.RecordTask(task.Action, result.Status(), result.Duration)
	}()

	log := e.log.WithHost(host).WithTask(result.Task)

	action, ok := actions[task.Action]
	if !ok {
		result.Failed = true
		result.Msg = fmt.Sprintf("unknown action %q", task.Action)
		return result
	}

	if expr := task.WhenExpr(); expr != "" {
		pass, err := store.Eval(expr)
		if err != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("guard evaluation failed: %v", err)
			return result
		}
		if !pass {
			result.Skipped = true
			result.Msg = "conditional result was false"
			log.Debug("task skipped by guard")
			return result
		}
	}

	maxAttempts := 1
	if task.Until != "" {
		maxAttempts = task.Retries + 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			e.metrics.RecordRetry()
			if !sleep(ctx, task.Delay.AsDuration()) {
				result.Failed = true
				result.Msg = "cancelled while waiting to retry"
				return result
			}
		}

		// Rendering failures abort immediately: a RenderError is local and
		// never retried.
		params, err := store.RenderParams(task.Params)
		if err != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("parameter rendering failed: %v", err)
			return result
		}

		out, err := action(ctx, conn, params, task.Timeout.AsDuration(), e.Check)
		if err != nil {
			e.applyTransportError(result, err)
			if result.Unreachable {
				return result
			}
		} else {
			e.applyOutcome(result, task, store, out)
		}

		if task.Until == "" {
			break
		}

		done, evalErr := e.evalUntil(task, store, result)
		if evalErr != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("until evaluation failed: %v", evalErr)
			return result
		}
		if done {
			break
		}
		if attempt == maxAttempts {
			// Exhausted the retry budget without the predicate holding.
			result.Failed = true
			if result.Msg == "" {
				result.Msg = fmt.Sprintf("until predicate still false after %d attempts", attempt)
			}
		}
	}

	if result.Failed && task.IgnoreErrors {
		result.Ignored = true
	}
	if result.Unreachable && task.IgnoreUnreachable {
		result.Ignored = true
	}

	log.Debugf("task finished: status=%s rc=%d attempts=%d", result.Status(), result.RC, result.Attempts)
	return result
}

// applyOutcome folds an action outcome into the result and applies the
// failure and change predicates.
func (e *Executor) applyOutcome(result *Result, task *playbook.Task, store *vars.Store, out *outcome) {
	result.RC = out.RC
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.Msg = out.Msg
	result.Data = out.Data
	result.Facts = out.Facts

	if out.SkippedInCheck {
		result.Skipped = true
		result.Failed = false
		result.Changed = false
		return
	}

	// Default failure rule: rc != 0, or the action flagged its own failure.
	// A failed_when predicate takes precedence in both directions.
	result.Failed = out.Failed || out.RC != 0
	if task.FailedWhen != nil {
		failed, err := e.evalPredicate(*task.FailedWhen, store, result)
		if err != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("failed_when evaluation failed: %v", err)
			return
		}
		result.Failed = failed
	}

	result.Changed = out.Changed && !result.Failed
	if task.ChangedWhen != nil {
		changed, err := e.evalPredicate(*task.ChangedWhen, store, result)
		if err != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("changed_when evaluation failed: %v", err)
			return
		}
		result.Changed = changed
	}
}

// applyTransportError classifies a transport error into the result.
func (e *Executor) applyTransportError(result *Result, err error) {
	switch err.(type) {
	case *transport.UnreachableError:
		result.Unreachable = true
		result.Failed = true
	case *transport.TimeoutError:
		result.Failed = true
	default:
		result.Failed = true
	}
	result.Msg = err.Error()
}

// evalPredicate evaluates a failed_when/changed_when expression with the
// populated result fields in scope.
func (e *Executor) evalPredicate(expr string, store *vars.Store, result *Result) (bool, error) {
	scoped := store.Clone()
	scoped.SetAll(vars.ScopeRegistered, result.AsVars())
	return scoped.Eval(expr)
}

// evalUntil evaluates the until-predicate with the attempt's result bound to
// the task's register name (and the raw fields in scope).
func (e *Executor) evalUntil(task *playbook.Task, store *vars.Store, result *Result) (bool, error) {
	scoped := store.Clone()
	scoped.SetAll(vars.ScopeRegistered, result.AsVars())
	if task.Register != "" {
		scoped.Set(vars.ScopeRegistered, task.Register, result.AsVars())
	}
	return scoped.Eval(task.Until)
}

// sleep waits for d, returning false if the context is cancelled first.
// Retries sleep synchronously within the host's stream without blocking
// other hosts.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
