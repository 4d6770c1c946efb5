// Package vars implements the layered variable store: a fixed-size ordered
// array of named scopes resolved by a single linear scan from highest
// precedence to lowest.
//
// Mapping-typed variables shadow by shallow override in every scope
// combination; deep merging never happens implicitly and is only available
// through MergeAll or the explicit Combine operation. Lists are never
// auto-concatenated.
package vars

import (
	"fmt"
	"strings"
)

// Scope identifies one precedence layer. Higher values take precedence.
type Scope int

// Precedence layers, lowest to highest. ScopeExtra is always highest and is
// never shadowed.
const (
	ScopeRoleDefaults Scope = iota
	ScopeGroup
	ScopeHost
	ScopePlay
	ScopeRoleVars
	ScopeBlock
	ScopeTask
	ScopeRegistered
	ScopeExtra

	numScopes
)

// String returns the layer name.
func (s Scope) String() string {
	switch s {
	case ScopeRoleDefaults:
		return "role_defaults"
	case ScopeGroup:
		return "group"
	case ScopeHost:
		return "host"
	case ScopePlay:
		return "play"
	case ScopeRoleVars:
		return "role_vars"
	case ScopeBlock:
		return "block"
	case ScopeTask:
		return "task"
	case ScopeRegistered:
		return "registered"
	case ScopeExtra:
		return "extra"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// undefinedType is the sentinel type for undefined lookups. It is distinct
// from nil so a variable explicitly set to null still counts as defined.
type undefinedType struct{}

// Undefined is returned by Resolve for names not present in any layer.
var Undefined = undefinedType{}

// IsUndefined reports whether a resolved value is the undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedType)
	return ok
}

// UndefinedVariableError reports a template or expression referencing a
// variable not defined in any layer, with no inline default supplied.
type UndefinedVariableError struct {
	// Name is the unresolved variable reference.
	Name string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q", e.Name)
}

// Store is a layered key-value store. A Store is host-scoped during a play:
// each host's execution path owns its Store and no other goroutine writes it.
type Store struct {
	layers [numScopes]map[string]interface{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.layers {
		s.layers[i] = make(map[string]interface{})
	}
	return s
}

// Clone returns a copy of the store. Layer maps are copied one level deep;
// values are shared.
func (s *Store) Clone() *Store {
	c := NewStore()
	for i := range s.layers {
		for k, v := range s.layers[i] {
			c.layers[i][k] = v
		}
	}
	return c
}

// Set assigns a single variable in the given scope, shadowing any value of
// the same name in that scope.
func (s *Store) Set(scope Scope, name string, value interface{}) {
	s.layers[scope][name] = value
}

// SetAll assigns every variable in vars to the given scope with shallow
// override: a mapping value replaces an existing mapping wholesale.
func (s *Store) SetAll(scope Scope, vars map[string]interface{}) {
	for k, v := range vars {
		s.layers[scope][k] = v
	}
}

// MergeAll assigns every variable in vars to the given scope, deep-merging
// mapping values into an existing mapping of the same name within the scope.
// This is the explicit opt-in path; SetAll is the default.
func (s *Store) MergeAll(scope Scope, vars map[string]interface{}) {
	for k, v := range vars {
		newMap, newOK := v.(map[string]interface{})
		oldMap, oldOK := s.layers[scope][k].(map[string]interface{})
		if newOK && oldOK {
			s.layers[scope][k] = Combine(oldMap, newMap)
			continue
		}
		s.layers[scope][k] = v
	}
}

// SnapshotScope returns a copy of one layer, for restoring block-scoped
// variables when leaving a nested block.
func (s *Store) SnapshotScope(scope Scope) map[string]interface{} {
	snap := make(map[string]interface{}, len(s.layers[scope]))
	for k, v := range s.layers[scope] {
		snap[k] = v
	}
	return snap
}

// RestoreScope replaces one layer with a previously taken snapshot.
func (s *Store) RestoreScope(scope Scope, snap map[string]interface{}) {
	s.layers[scope] = snap
}

// Delete removes a single name from a scope.
func (s *Store) Delete(scope Scope, name string) {
	delete(s.layers[scope], name)
}

// Resolve looks up a name across every layer, highest precedence first, and
// returns the value from the first layer that defines it. Names may be dotted
// paths (e.g. "result.rc") navigating into mapping values. Returns the
// Undefined sentinel when no layer defines the name.
func (s *Store) Resolve(name string) interface{} {
	head := name
	var rest string
	if i := strings.IndexByte(name, '.'); i >= 0 {
		head, rest = name[:i], name[i+1:]
	}

	for scope := numScopes - 1; scope >= 0; scope-- {
		v, ok := s.layers[scope][head]
		if !ok {
			continue
		}
		if rest == "" {
			return v
		}
		return navigate(v, rest)
	}
	return Undefined
}

// Defined reports whether a name resolves in any layer.
func (s *Store) Defined(name string) bool {
	return !IsUndefined(s.Resolve(name))
}

// navigate walks a dotted path into nested mappings.
func navigate(v interface{}, path string) interface{} {
	for _, part := range strings.Split(path, ".") {
		switch m := v.(type) {
		case map[string]interface{}:
			next, ok := m[part]
			if !ok {
				return Undefined
			}
			v = next
		case map[interface{}]interface{}:
			next, ok := m[part]
			if !ok {
				return Undefined
			}
			v = next
		default:
			return Undefined
		}
	}
	return v
}
