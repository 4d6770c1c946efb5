package inventory

import (
	"fmt"
	"strings"
)

// CyclicGroupError reports a cycle in the group parent/child graph.
// Group membership must form a DAG; a cycle is fatal at load time.
type CyclicGroupError struct {
	// Cycle is the group names along the detected cycle, in walk order.
	Cycle []string
}

// Error implements the error interface.
func (e *CyclicGroupError) Error() string {
	return fmt.Sprintf("cyclic group membership: %s", strings.Join(e.Cycle, " -> "))
}

// DuplicateHostConflictError reports two inventory definitions assigning
// incompatible connection identities to the same host name. Only raised when
// the inventory is loaded in strict-duplicates mode; the default policy is
// last-wins.
type DuplicateHostConflictError struct {
	// Host is the conflicting host name.
	Host string

	// Key is the connection variable that differs.
	Key string

	// Previous is the value from the earlier definition.
	Previous interface{}

	// Conflicting is the value from the later definition.
	Conflicting interface{}
}

// Error implements the error interface.
func (e *DuplicateHostConflictError) Error() string {
	return fmt.Sprintf("host %q defined twice with conflicting %s: %v vs %v",
		e.Host, e.Key, e.Previous, e.Conflicting)
}

// UnknownGroupError reports a child reference to a group that is never
// defined in the inventory.
type UnknownGroupError struct {
	// Group is the referencing group.
	Group string

	// Child is the undefined child group name.
	Child string
}

// Error implements the error interface.
func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("group %q references undefined child group %q", e.Group, e.Child)
}
