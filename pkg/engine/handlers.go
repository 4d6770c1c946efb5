package engine

import (
	"context"
	"sync"

	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
)

// notifyHandlers records the task's notifications on the host. Notifications
// deduplicate: a handler runs at most once per flush no matter how many
// changed tasks notified it.
func (e *Engine) notifyHandlers(ps *playState, task *playbook.Task, h *hostState) {
	for _, name := range task.Notify {
		idx, ok := ps.handlerIdx[name]
		if !ok {
			// Validation rejects unknown handler names at load time.
			continue
		}
		h.notify(idx)
		e.publish(telemetry.Event{
			Type:    telemetry.EventTypeHandlerNotified,
			Play:    ps.play.DisplayName(),
			Host:    h.host,
			Task:    name,
			Level:   telemetry.EventLevelInfo,
			Message: "notified by " + task.DisplayName(),
		})
	}
}

// flushHandlers runs every pending handler for the given hosts, in handler
// definition order across the whole subset. A handler failure fails its host
// the same way a task failure does.
func (e *Engine) flushHandlers(ctx context.Context, ps *playState, subset []*hostState) {
	pendingByHost := map[string][]int{}
	for _, h := range subset {
		if idxs := h.drainPending(); len(idxs) > 0 {
			pendingByHost[h.host] = idxs
		}
	}
	if len(pendingByHost) == 0 {
		return
	}

	for idx := range ps.handlers {
		hosts := []*hostState{}
		for _, h := range subset {
			if !containsInt(pendingByHost[h.host], idx) {
				continue
			}
			if !h.flushable(ps.play.ForceHandlers) {
				continue
			}
			hosts = append(hosts, h)
		}
		if len(hosts) == 0 {
			continue
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, ps.forks)
		for _, h := range hosts {
			wg.Add(1)
			go func(h *hostState) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				e.runHandlerOnHost(ctx, ps, idx, h)
			}(h)
		}
		wg.Wait()
	}
}

func (e *Engine) runHandlerOnHost(ctx context.Context, ps *playState, idx int, h *hostState) {
	handler := ps.handlers[idx]
	wasFailed := h.status == StatusFailed

	// Forced flushes run handlers on failed hosts without reactivating them.
	if wasFailed {
		h.status = StatusActive
	}
	e.runTaskOnHost(ctx, ps, handler, h)
	if wasFailed && h.status == StatusActive {
		h.status = StatusFailed
	}

	e.metrics.RecordHandlerFlushed()
	e.publish(telemetry.Event{
		Type:  telemetry.EventTypeHandlerFlushed,
		Play:  ps.play.DisplayName(),
		Host:  h.host,
		Task:  handler.DisplayName(),
		Level: telemetry.EventLevelInfo,
	})
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
