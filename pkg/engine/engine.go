package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tideway/tideway/pkg/executor"
	"github.com/tideway/tideway/pkg/inventory"
	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/transport"
	"github.com/tideway/tideway/pkg/vars"
	"github.com/tideway/tideway/pkg/vault"
)

// DefaultForks is the per-batch concurrency bound when neither the play nor
// the caller sets one.
const DefaultForks = 5

// Options configures a run.
type Options struct {
	// Check enables check mode: actions report what would change without
	// touching the hosts.
	Check bool

	// Limit further restricts each play's host pattern.
	Limit string

	// Tags selects only tasks carrying at least one of these tags.
	Tags []string

	// SkipTags excludes tasks carrying any of these tags.
	SkipTags []string

	// ExtraVars are highest-precedence variables applied to every host.
	ExtraVars map[string]interface{}

	// Forks bounds per-batch concurrency when a play does not set its own.
	Forks int

	// FactStore, when set, persists gathered facts across runs.
	FactStore FactStore
}

// Engine orchestrates playbook runs.
type Engine struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	vault   *vault.Vault
	exec    *executor.Executor
	opts    Options

	runID string

	// failedHosts are hosts that ended a play failed or unreachable. They
	// are excluded from every later play of the run.
	failedHosts map[string]HostStatus

	// facts holds per-host facts promoted across plays within the run.
	mu         sync.Mutex
	facts      map[string]map[string]interface{}
	dirtyFacts map[string]struct{}
}

// New creates an engine.
func New(log *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher, v *vault.Vault, opts Options) *Engine {
	if opts.Forks <= 0 {
		opts.Forks = DefaultForks
	}
	return &Engine{
		log:         log.NewComponentLogger("engine"),
		metrics:     metrics,
		events:      events,
		vault:       v,
		exec:        executor.New(log, metrics, opts.Check),
		opts:        opts,
		failedHosts: map[string]HostStatus{},
		facts:       map[string]map[string]interface{}{},
		dirtyFacts:  map[string]struct{}{},
	}
}

// playState is the mutable per-play execution context.
type playState struct {
	play       *playbook.Play
	hosts      []*hostState
	handlers   []*playbook.Task
	handlerIdx map[string]int
	forks      int
	halted     bool

	mu    sync.Mutex
	conns map[string]transport.Transport
}

func (ps *playState) host(statuses ...HostStatus) []*hostState {
	out := make([]*hostState, 0, len(ps.hosts))
	for _, h := range ps.hosts {
		for _, st := range statuses {
			if h.status == st {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Run executes every play in the playbook against the inventory and returns
// the per-host report. A load-classified error aborts before any host runs.
func (e *Engine) Run(ctx context.Context, pb *playbook.Playbook, inv *inventory.Inventory) (*Report, error) {
	e.runID = uuid.New().String()
	e.failedHosts = map[string]HostStatus{}
	log := e.log.WithRunID(e.runID)
	started := time.Now()

	report := &Report{RunID: e.runID, Started: started}
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("run started: %s", pb.Source),
	})

	reports := map[string]*HostReport{}
	order := []string{}
	for _, play := range pb.Plays {
		ps, err := e.runPlay(ctx, pb, play, inv)
		if err != nil {
			return nil, err
		}
		if ps.halted {
			report.Halted = true
		}
		for _, h := range ps.hosts {
			r, ok := reports[h.host]
			if !ok {
				r = &HostReport{Host: h.host}
				reports[h.host] = r
				order = append(order, h.host)
			}
			r.Status = string(h.status)
			r.OK += h.ok
			r.Changed += h.changed
			r.Failed += h.failed
			r.Skipped += h.skipped
			r.Ignored += h.ignored
			r.Unreachable += h.unreachable
			r.Rescued += h.rescued
			if r.FailedTask == "" && h.lastFailure != nil {
				switch h.status {
				case StatusFailed, StatusUnreachable:
					r.FailedTask = h.lastFailure.Task
					r.Failure = h.lastFailure.Msg
				}
			}
		}
		if report.Halted {
			break
		}
	}

	for _, name := range order {
		report.Hosts = append(report.Hosts, *reports[name])
	}
	report.Duration = time.Since(started)

	e.persistFacts(ctx)

	status := "ok"
	if report.Failed() {
		status = "failed"
	}
	e.metrics.RecordRunCompleted(status, report.Duration)
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("run %s in %s", status, report.Duration.Round(time.Millisecond)),
	})
	log.Infof("run %s: %d hosts, %s", status, len(report.Hosts), report.Duration.Round(time.Millisecond))
	return report, nil
}

func (e *Engine) runPlay(ctx context.Context, pb *playbook.Playbook, play *playbook.Play, inv *inventory.Inventory) (*playState, error) {
	log := e.log.WithRunID(e.runID).WithPlay(play.DisplayName())

	hosts, err := e.targetHosts(play, inv)
	if err != nil {
		return nil, err
	}
	if len(e.failedHosts) > 0 {
		kept := hosts[:0]
		for _, h := range hosts {
			if _, down := e.failedHosts[h.Name]; !down {
				kept = append(kept, h)
			}
		}
		hosts = kept
	}
	log.Infof("play %q: %d hosts", play.DisplayName(), len(hosts))

	ps := &playState{
		play:       play,
		handlers:   play.Handlers,
		handlerIdx: map[string]int{},
		forks:      e.opts.Forks,
		conns:      map[string]transport.Transport{},
	}
	if play.Forks > 0 {
		ps.forks = play.Forks
	}
	for i, h := range play.Handlers {
		ps.handlerIdx[h.DisplayName()] = i
	}
	defer ps.closeConns()

	playVars, err := e.playVars(pb, play)
	if err != nil {
		return nil, err
	}
	for _, host := range hosts {
		store := vars.NewStore()
		store.SetAll(vars.ScopeGroup, inv.GroupVars(host))
		store.SetAll(vars.ScopeHost, host.Vars)
		store.SetAll(vars.ScopeHost, e.seedFacts(ctx, host.Name))
		store.Set(vars.ScopeHost, "inventory_hostname", host.Name)
		store.SetAll(vars.ScopePlay, playVars)
		store.SetAll(vars.ScopeExtra, e.opts.ExtraVars)
		ps.hosts = append(ps.hosts, newHostState(host.Name, store))
	}
	e.metrics.SetHostsTargeted(len(ps.hosts))
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypePlayStarted,
		Play:    play.DisplayName(),
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("%d hosts targeted", len(ps.hosts)),
	})

	if play.Timeout.AsDuration() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, play.Timeout.AsDuration())
		defer cancel()
	}

	if play.GatherFacts {
		gather := &playbook.Task{Name: "gather facts", Action: "setup"}
		e.runTaskBatch(ctx, ps, gather, ps.host(StatusActive), nil)
	}

	for _, section := range [][]*playbook.Node{play.PreTasks, play.Tasks, play.PostTasks} {
		e.runNodes(ctx, ps, section, ps.host(StatusActive), nil)
		if ps.halted {
			break
		}
	}

	if play.Timeout.AsDuration() > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		terr := NewTimeoutError(fmt.Sprintf("play exceeded %s", play.Timeout.AsDuration()), ctx.Err())
		for _, h := range ps.host(StatusActive) {
			h.status = StatusFailed
			h.failed++
			h.lastFailure = &executor.Result{Task: play.DisplayName(), Failed: true, Msg: terr.Error()}
		}
		log.WithError(terr).Warn("play timed out")
	}

	if !ps.halted {
		flushable := ps.host(StatusActive)
		if play.ForceHandlers {
			for _, h := range ps.host(StatusFailed) {
				if h.flushable(true) {
					flushable = append(flushable, h)
				}
			}
		}
		e.flushHandlers(ctx, ps, flushable)
	}

	for _, h := range ps.hosts {
		switch h.status {
		case StatusActive:
			if ps.halted {
				h.status = StatusAborted
			} else {
				h.status = StatusDone
			}
		case StatusFailed, StatusUnreachable:
			e.failedHosts[h.host] = h.status
		}
	}

	if !ps.halted {
		// The gate publishes the halted event itself.
		e.publish(telemetry.Event{
			Type:  telemetry.EventTypePlayCompleted,
			Play:  play.DisplayName(),
			Level: telemetry.EventLevelInfo,
		})
	}
	return ps, nil
}

// targetHosts resolves the play pattern, applies the run limit, and orders
// the result per the play's order strategy.
func (e *Engine) targetHosts(play *playbook.Play, inv *inventory.Inventory) ([]*inventory.Host, error) {
	hosts, err := inv.ResolvePattern(play.Hosts)
	if err != nil {
		return nil, NewLoadError(fmt.Sprintf("resolving host pattern %q", play.Hosts), err)
	}
	if e.opts.Limit != "" {
		limited, err := inv.ResolvePattern(e.opts.Limit)
		if err != nil {
			return nil, NewLoadError(fmt.Sprintf("resolving limit %q", e.opts.Limit), err)
		}
		allow := map[string]bool{}
		for _, h := range limited {
			allow[h.Name] = true
		}
		kept := hosts[:0]
		for _, h := range hosts {
			if allow[h.Name] {
				kept = append(kept, h)
			}
		}
		hosts = kept
	}
	switch play.Order {
	case "", "inventory":
	case "sorted":
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	case "shuffle":
		rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
	}
	return hosts, nil
}

// playVars merges the play's inline vars with its var_files, later files
// overriding earlier ones and inline vars lowest. File paths are resolved
// relative to the playbook.
func (e *Engine) playVars(pb *playbook.Playbook, play *playbook.Play) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	for k, v := range play.Vars {
		merged[k] = v
	}
	dir := filepath.Dir(pb.Source)
	for _, f := range play.VarFiles {
		path := f
		if !filepath.IsAbs(path) && pb.Source != "" {
			path = filepath.Join(dir, f)
		}
		fileVars, err := vault.LoadVarsFile(path, e.vault)
		if err != nil {
			if vault.IsVaultError(err) {
				return nil, NewVaultError(fmt.Sprintf("decrypting var file %s", f), err)
			}
			return nil, NewLoadError(fmt.Sprintf("loading var file %s", f), err)
		}
		for k, v := range fileVars {
			merged[k] = v
		}
	}
	return merged, nil
}

// checkGate recomputes the failed-host fraction and halts the play when it
// crosses the threshold. The halt is sticky.
func (e *Engine) checkGate(ps *playState) bool {
	if ps.halted {
		return true
	}
	total := len(ps.hosts)
	if total == 0 {
		return false
	}
	bad := 0
	for _, h := range ps.hosts {
		if h.status == StatusFailed || h.status == StatusUnreachable {
			bad++
		}
	}
	halt := false
	if ps.play.AnyErrorsFatal && bad > 0 {
		halt = true
	}
	if mfp := ps.play.MaxFailPercentage; mfp != nil {
		if float64(bad)/float64(total)*100 > *mfp {
			halt = true
		}
	}
	if halt {
		ps.halted = true
		e.log.WithRunID(e.runID).WithPlay(ps.play.DisplayName()).
			Warnf("halting play: %d/%d hosts failed", bad, total)
		e.publish(telemetry.Event{
			Type:    telemetry.EventTypePlayHalted,
			Play:    ps.play.DisplayName(),
			Level:   telemetry.EventLevelError,
			Message: fmt.Sprintf("%d of %d hosts failed", bad, total),
		})
	}
	return ps.halted
}

// connection returns the host's transport, dialing on first use.
func (e *Engine) connection(ctx context.Context, ps *playState, h *hostState) (transport.Transport, error) {
	ps.mu.Lock()
	conn, ok := ps.conns[h.host]
	ps.mu.Unlock()
	if ok {
		return conn, nil
	}

	settings, err := transport.SettingsFromVars(h.host, connectionVars(h.store))
	if err != nil {
		// Bad connection variables are a resolution problem, not a network one.
		return nil, NewRenderError("invalid connection settings", err).WithHost(h.host)
	}
	conn, err = transport.Connect(ctx, settings)
	if err != nil {
		return nil, NewUnreachableError("connecting", err).WithHost(h.host)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.conns[h.host]; ok {
		conn.Close()
		return existing, nil
	}
	ps.conns[h.host] = conn
	return conn, nil
}

// connectionVars extracts the transport configuration keys from the host's
// effective variables.
func connectionVars(store *vars.Store) map[string]interface{} {
	keys := []string{
		"connection", "address", "port", "user", "password",
		"private_key", "known_hosts", "connect_timeout",
	}
	out := map[string]interface{}{}
	for _, k := range keys {
		if v := store.Resolve(k); !vars.IsUndefined(v) {
			out[k] = v
		}
	}
	return out
}

func (ps *playState) closeConns() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		c.Close()
	}
	ps.conns = map[string]transport.Transport{}
}

func (e *Engine) publish(ev telemetry.Event) {
	if e.events == nil {
		return
	}
	ev.RunID = e.runID
	e.events.Publish(ev)
}
