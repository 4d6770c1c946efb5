package engine

import (
	"context"

	"github.com/tideway/tideway/pkg/vars"
)

// FactStore persists gathered facts across runs. Implementations must be
// safe for concurrent use.
type FactStore interface {
	// Save stores the facts for a host, replacing any previous entry.
	Save(ctx context.Context, host string, facts map[string]interface{}) error

	// Load returns the stored facts for a host, or nil when none exist.
	Load(ctx context.Context, host string) (map[string]interface{}, error)

	// Close releases the store.
	Close() error
}

// recordFacts merges newly gathered facts into the engine's cross-play fact
// map so later plays targeting the same host see them.
func (e *Engine) recordFacts(host string, facts map[string]interface{}) {
	if len(facts) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Facts accumulate: nested mappings deep-merge instead of clobbering
	// what an earlier play gathered.
	e.facts[host] = vars.Combine(e.facts[host], facts)
	e.dirtyFacts[host] = struct{}{}
}

// seedFacts returns the promoted facts for a host, loading from the fact
// store on first access when one is configured.
func (e *Engine) seedFacts(ctx context.Context, host string) map[string]interface{} {
	e.mu.Lock()
	if m, ok := e.facts[host]; ok {
		e.mu.Unlock()
		return m
	}
	e.mu.Unlock()

	if e.opts.FactStore == nil {
		return nil
	}
	m, err := e.opts.FactStore.Load(ctx, host)
	if err != nil {
		e.log.WithHost(host).WithError(err).Warn("fact cache load failed")
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == nil {
		m = map[string]interface{}{}
	}
	e.facts[host] = m
	return m
}

// persistFacts writes every host's updated facts to the fact store.
func (e *Engine) persistFacts(ctx context.Context) {
	if e.opts.FactStore == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for host := range e.dirtyFacts {
		if err := e.opts.FactStore.Save(ctx, host, e.facts[host]); err != nil {
			e.log.WithHost(host).WithError(err).Warn("fact cache save failed")
		}
	}
	e.dirtyFacts = map[string]struct{}{}
}
