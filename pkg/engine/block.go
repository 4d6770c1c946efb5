package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/tideway/tideway/pkg/executor"
	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/transport"
	"github.com/tideway/tideway/pkg/vars"
)

// FlushHandlersAction is the pseudo-action that flushes pending handlers
// mid-play instead of dispatching to a transport.
const FlushHandlersAction = "flush_handlers"

// runNodes walks a task list in order, running each task as one batch across
// the subset before moving to the next. A sticky play halt stops the walk.
func (e *Engine) runNodes(ctx context.Context, ps *playState, nodes []*playbook.Node, subset []*hostState, inheritedTags []string) {
	for _, node := range nodes {
		if ps.halted {
			return
		}
		switch {
		case node.Block != nil:
			e.runBlock(ctx, ps, node.Block, active(subset), inheritedTags)
		case node.Task != nil:
			e.runTaskBatch(ctx, ps, node.Task, active(subset), inheritedTags)
		}
	}
}

// runBlock executes a block's body over the subset, runs rescue over the
// hosts that failed inside it, and runs always over every entrant that is
// still reachable. Rescued hosts rejoin the active set.
func (e *Engine) runBlock(ctx context.Context, ps *playState, block *playbook.Block, subset []*hostState, inheritedTags []string) {
	tags := append(append([]string{}, inheritedTags...), block.Tags...)
	if !e.tagsSelected(tags) && len(findTagged(block, e.opts.Tags)) == 0 {
		return
	}

	// Block guard: a false guard skips the whole block; a guard that cannot
	// be evaluated fails the host, same as a task-level guard error.
	entrants := subset
	if expr := block.WhenExpr(); expr != "" {
		name := block.Name
		if name == "" {
			name = "block"
		}
		entrants = make([]*hostState, 0, len(subset))
		for _, h := range subset {
			pass, err := h.store.Eval(expr)
			if err != nil {
				rerr := NewRenderError("block guard evaluation failed", err).WithHost(h.host)
				e.applyResult(ps, nil, h, &executor.Result{
					Host:     h.host,
					Task:     name,
					Failed:   true,
					Msg:      rerr.Error(),
					Attempts: 1,
				})
				h.failedInBlock = true
				continue
			}
			if pass {
				entrants = append(entrants, h)
			} else {
				h.skipped++
			}
		}
	}
	if len(entrants) == 0 {
		return
	}

	snaps := make([]map[string]interface{}, len(entrants))
	for i, h := range entrants {
		snaps[i] = h.store.SnapshotScope(vars.ScopeBlock)
		h.store.SetAll(vars.ScopeBlock, block.Vars)
	}
	defer func() {
		for i, h := range entrants {
			h.store.RestoreScope(vars.ScopeBlock, snaps[i])
		}
	}()

	e.runNodes(ctx, ps, block.Body, entrants, tags)

	failed := []*hostState{}
	for _, h := range entrants {
		if h.status == StatusFailed {
			failed = append(failed, h)
		}
	}

	if len(block.Rescue) > 0 && len(failed) > 0 && !ps.halted {
		for _, h := range failed {
			h.status = StatusActive
			h.store.Set(vars.ScopeRegistered, "failed_task", h.lastFailure.Task)
			h.store.Set(vars.ScopeRegistered, "failed_result", h.lastFailure.AsVars())
		}
		e.runNodes(ctx, ps, block.Rescue, failed, tags)
		for _, h := range failed {
			h.store.Delete(vars.ScopeRegistered, "failed_task")
			h.store.Delete(vars.ScopeRegistered, "failed_result")
			if h.status == StatusActive {
				h.rescued++
				h.failedInBlock = false
			}
		}
	}

	if len(block.Always) > 0 && !ps.halted {
		// Failed hosts still run always; unreachable hosts never do.
		lifted := []*hostState{}
		for _, h := range entrants {
			if h.status == StatusFailed {
				h.status = StatusActive
				lifted = append(lifted, h)
			}
		}
		e.runNodes(ctx, ps, block.Always, active(entrants), tags)
		for _, h := range lifted {
			if h.status == StatusActive {
				h.status = StatusFailed
			}
		}
	}

	for _, h := range entrants {
		if h.status == StatusFailed {
			h.failedInBlock = true
		}
	}
}

// runTaskBatch executes one task across the active subset, bounded by the
// play's fork count. The failure gate is consulted before the batch starts.
func (e *Engine) runTaskBatch(ctx context.Context, ps *playState, task *playbook.Task, subset []*hostState, inheritedTags []string) {
	if e.checkGate(ps) {
		return
	}
	tags := append(append([]string{}, inheritedTags...), task.Tags...)
	if !e.tagsSelected(tags) {
		return
	}
	if task.Action == FlushHandlersAction {
		e.flushHandlers(ctx, ps, active(subset))
		return
	}

	hosts := active(subset)
	if len(hosts) == 0 {
		return
	}

	e.publish(telemetry.Event{
		Type:  telemetry.EventTypeTaskStarted,
		Play:  ps.play.DisplayName(),
		Task:  task.DisplayName(),
		Level: telemetry.EventLevelInfo,
	})

	var wg sync.WaitGroup
	sem := make(chan struct{}, ps.forks)
	for _, h := range hosts {
		wg.Add(1)
		go func(h *hostState) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.runTaskOnHost(ctx, ps, task, h)
		}(h)
	}
	wg.Wait()
}

// runTaskOnHost runs a single task on one host and folds the result into the
// host's state. Only this goroutine touches h during the batch.
func (e *Engine) runTaskOnHost(ctx context.Context, ps *playState, task *playbook.Task, h *hostState) {
	log := e.log.WithRunID(e.runID).WithHost(h.host).WithTask(task.DisplayName())

	snap := h.store.SnapshotScope(vars.ScopeTask)
	h.store.SetAll(vars.ScopeTask, task.Vars)
	defer h.store.RestoreScope(vars.ScopeTask, snap)

	var result *executor.Result
	var conn transport.Transport
	if executor.NeedsTransport(task.Action) {
		var err error
		conn, err = e.connection(ctx, ps, h)
		if err != nil {
			var rerr *RunError
			if errors.As(err, &rerr) {
				err = rerr.WithTask(task.DisplayName())
			}
			result = &executor.Result{
				Host:     h.host,
				Task:     task.DisplayName(),
				Action:   task.Action,
				Msg:      err.Error(),
				Attempts: 1,
			}
			if IsUnreachable(err) {
				result.Unreachable = true
				result.Ignored = task.IgnoreUnreachable
			} else {
				result.Failed = true
				result.Ignored = task.IgnoreErrors
			}
		}
	}
	if result == nil {
		result = e.exec.Run(ctx, task, h.host, h.store, conn)
	}

	if task.Register != "" {
		h.store.Set(vars.ScopeRegistered, task.Register, result.AsVars())
	}
	if len(result.Facts) > 0 {
		h.store.SetAll(vars.ScopeHost, result.Facts)
		e.recordFacts(h.host, result.Facts)
	}

	e.applyResult(ps, task, h, result)
	log.Debugf("result: %s", result.Status())
}

// applyResult updates host status, counters, handler notifications, and
// events from a task result.
func (e *Engine) applyResult(ps *playState, task *playbook.Task, h *hostState, result *executor.Result) {
	ev := telemetry.Event{
		Play:    ps.play.DisplayName(),
		Host:    h.host,
		Task:    result.Task,
		Changed: result.Changed,
		Failed:  result.Failed,
		Skipped: result.Skipped,
		Message: result.Msg,
		Level:   telemetry.EventLevelInfo,
	}

	switch {
	case result.Unreachable && !result.Ignored:
		h.unreachable++
		h.status = StatusUnreachable
		h.lastFailure = result
		e.metrics.RecordHostUnreachable()
		ev.Type = telemetry.EventTypeHostUnreachable
		ev.Level = telemetry.EventLevelError

	case result.Unreachable:
		h.ignored++
		ev.Type = telemetry.EventTypeTaskCompleted
		ev.Level = telemetry.EventLevelWarning

	case result.Skipped:
		h.skipped++
		ev.Type = telemetry.EventTypeTaskSkipped

	case result.Failed && !result.Ignored:
		h.failed++
		h.status = StatusFailed
		h.lastFailure = result
		e.metrics.RecordHostFailed()
		e.log.WithRunID(e.runID).
			WithError(NewTaskError(result.Msg, nil).WithHost(h.host).WithTask(result.Task)).
			Warn("task failed")
		ev.Type = telemetry.EventTypeTaskFailed
		ev.Level = telemetry.EventLevelError

	case result.Failed:
		h.ignored++
		ev.Type = telemetry.EventTypeTaskCompleted
		ev.Level = telemetry.EventLevelWarning

	default:
		h.ok++
		if result.Changed {
			h.changed++
			e.notifyHandlers(ps, task, h)
		}
		ev.Type = telemetry.EventTypeTaskCompleted
	}

	e.publish(ev)
}

// tagsSelected applies the run's tag filters to a task's effective tag set.
func (e *Engine) tagsSelected(tags []string) bool {
	for _, t := range tags {
		for _, skip := range e.opts.SkipTags {
			if t == skip {
				return false
			}
		}
	}
	if len(e.opts.Tags) == 0 {
		return true
	}
	for _, t := range tags {
		if t == "always" {
			return true
		}
		for _, want := range e.opts.Tags {
			if t == want {
				return true
			}
		}
	}
	return false
}

// findTagged reports the nodes inside a block that carry one of the wanted
// tags, so an unselected block still descends when a nested task matches.
func findTagged(block *playbook.Block, want []string) []*playbook.Node {
	if len(want) == 0 {
		return nil
	}
	var out []*playbook.Node
	var walk func(nodes []*playbook.Node)
	walk = func(nodes []*playbook.Node) {
		for _, n := range nodes {
			switch {
			case n.Task != nil:
				for _, t := range n.Task.Tags {
					for _, w := range want {
						if t == w || t == "always" {
							out = append(out, n)
						}
					}
				}
			case n.Block != nil:
				for _, t := range n.Block.Tags {
					for _, w := range want {
						if t == w || t == "always" {
							out = append(out, n)
						}
					}
				}
				walk(n.Block.Body)
				walk(n.Block.Rescue)
				walk(n.Block.Always)
			}
		}
	}
	walk(block.Body)
	walk(block.Rescue)
	walk(block.Always)
	return out
}

func active(subset []*hostState) []*hostState {
	out := make([]*hostState, 0, len(subset))
	for _, h := range subset {
		if h.status == StatusActive {
			out = append(out, h)
		}
	}
	return out
}
