package engine

import (
	"sort"
	"time"

	"github.com/tideway/tideway/pkg/executor"
	"github.com/tideway/tideway/pkg/vars"
)

// HostStatus is the lifecycle state of a host within a play.
type HostStatus string

const (
	// StatusActive means the host is still receiving tasks.
	StatusActive HostStatus = "active"

	// StatusFailed means a task failed and was not rescued or ignored.
	// The host receives no further tasks except forced handler flushes.
	StatusFailed HostStatus = "failed"

	// StatusUnreachable means the transport failed. Terminal: no rescue,
	// no handlers, no further tasks.
	StatusUnreachable HostStatus = "unreachable"

	// StatusDone means the host completed every task in the play.
	StatusDone HostStatus = "done"

	// StatusAborted means the run halted before the host finished, either
	// by the failure gate or by a play timeout.
	StatusAborted HostStatus = "aborted"
)

// hostState carries the per-host execution context for one play.
type hostState struct {
	host   string
	status HostStatus
	store  *vars.Store

	// pending holds indexes into the play handler list, deduplicated.
	pending map[int]struct{}

	// lastFailure is the result of the most recent unrescued task failure,
	// exposed to rescue sections as error-context variables.
	lastFailure *executor.Result

	// failedInBlock records that the host's unrescued failure happened
	// inside a block. Such hosts are excluded from forced handler flushes.
	failedInBlock bool

	// counters for the recap
	ok          int
	changed     int
	failed      int
	skipped     int
	ignored     int
	unreachable int
	rescued     int
}

func newHostState(host string, store *vars.Store) *hostState {
	return &hostState{
		host:    host,
		status:  StatusActive,
		store:   store,
		pending: map[int]struct{}{},
	}
}

func (h *hostState) notify(idx int) {
	h.pending[idx] = struct{}{}
}

// flushable reports whether the host may receive a handler flush. Failed
// hosts qualify only under force_handlers, and only when the failure did not
// happen inside a block.
func (h *hostState) flushable(forced bool) bool {
	if h.status == StatusActive {
		return true
	}
	return forced && h.status == StatusFailed && !h.failedInBlock
}

// drainPending returns the pending handler indexes in definition order and
// clears the set.
func (h *hostState) drainPending() []int {
	if len(h.pending) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(h.pending))
	for i := range h.pending {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	h.pending = map[int]struct{}{}
	return idxs
}

// HostReport is the per-host summary of a run.
type HostReport struct {
	Host        string `json:"host"`
	Status      string `json:"status"`
	OK          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Ignored     int    `json:"ignored"`
	Unreachable int    `json:"unreachable"`
	Rescued     int    `json:"rescued"`

	// FailedTask and Failure identify the first unrecovered failure for a
	// host that ended failed or unreachable.
	FailedTask string `json:"failed_task,omitempty"`
	Failure    string `json:"failure,omitempty"`
}

// Report summarizes a whole run across plays.
type Report struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Halted   bool          `json:"halted"`
	Hosts    []HostReport  `json:"hosts"`
}

// Failed reports whether any host ended in a non-success state.
func (r *Report) Failed() bool {
	if r.Halted {
		return true
	}
	for _, h := range r.Hosts {
		switch HostStatus(h.Status) {
		case StatusFailed, StatusUnreachable, StatusAborted:
			return true
		}
	}
	return false
}
