// Package inventory resolves host and group declarations into a set of target
// hosts with merged variables.
//
// Groups form a DAG via parent/child edges; cycles are rejected at load time.
// A host's effective group variables are resolved by walking parent groups
// before child groups (child overrides parent), with later-declared groups
// winning on conflicts between unrelated groups. The implicit "all" group
// contains every host and sits below every other group in precedence.
package inventory

import (
	"sort"
)

// GroupAll is the implicit group containing every host.
const GroupAll = "all"

// Connection identity variables. Two definitions of the same host conflict
// only if they disagree on one of these.
var connectionIdentityKeys = []string{"address", "port", "user", "connection"}

// Host represents one machine in the inventory.
type Host struct {
	// Name is the inventory host name.
	Name string

	// Vars is the host's private variable overlay.
	Vars map[string]interface{}

	// Groups are the names of groups this host is a direct member of.
	Groups []string

	// order is the host's declaration index, used for stable ordering.
	order int
}

// Address returns the connection address for the host, falling back to the
// host name when no explicit address variable is set.
func (h *Host) Address() string {
	if v, ok := h.Vars["address"].(string); ok && v != "" {
		return v
	}
	return h.Name
}

// Group is a named set of hosts plus a variable overlay. Groups are stored in
// an arena indexed by integer id; parent/child edges are index lists.
type Group struct {
	// Name is the group name.
	Name string

	// Vars is the group's variable overlay.
	Vars map[string]interface{}

	// Hosts are the names of direct member hosts, in declaration order.
	Hosts []string

	// id is the group's arena index.
	id int

	// children and parents are arena indices of adjacent groups.
	children []int
	parents  []int

	// depth is the longest parent chain above this group. Used as the
	// primary precedence key: deeper (more specific) groups override
	// shallower ones.
	depth int
}

// Inventory is the resolved result of loading host/group declarations.
type Inventory struct {
	hosts     map[string]*Host
	hostOrder []string

	groups     []*Group
	groupIndex map[string]int
}

// Hosts returns all hosts in declaration order.
func (inv *Inventory) Hosts() []*Host {
	out := make([]*Host, 0, len(inv.hostOrder))
	for _, name := range inv.hostOrder {
		out = append(out, inv.hosts[name])
	}
	return out
}

// Host returns the named host, or nil if it does not exist.
func (inv *Inventory) Host(name string) *Host {
	return inv.hosts[name]
}

// Group returns the named group, or nil if it does not exist.
func (inv *Inventory) Group(name string) *Group {
	idx, ok := inv.groupIndex[name]
	if !ok {
		return nil
	}
	return inv.groups[idx]
}

// GroupNames returns all group names in declaration order, including the
// implicit "all" group.
func (inv *Inventory) GroupNames() []string {
	names := make([]string, 0, len(inv.groups))
	for _, g := range inv.groups {
		names = append(names, g.Name)
	}
	return names
}

// GroupVars returns the effective group-layer variables for a host: the
// merge of every group the host belongs to (directly or via children),
// parents applied before children, later-declared groups winning ties.
func (inv *Inventory) GroupVars(host *Host) map[string]interface{} {
	memberOf := inv.groupClosure(host)

	// Order: depth ascending (parents first), then declaration order so the
	// later-declared group wins on conflict between unrelated groups.
	sort.SliceStable(memberOf, func(i, j int) bool {
		a, b := inv.groups[memberOf[i]], inv.groups[memberOf[j]]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.id < b.id
	})

	merged := make(map[string]interface{})
	for _, idx := range memberOf {
		for k, v := range inv.groups[idx].Vars {
			merged[k] = v
		}
	}
	return merged
}

// groupClosure returns the arena indices of every group the host is a member
// of, directly or through a parent chain.
func (inv *Inventory) groupClosure(host *Host) []int {
	seen := make(map[int]bool)
	var walk func(idx int)
	walk = func(idx int) {
		if seen[idx] {
			return
		}
		seen[idx] = true
		for _, p := range inv.groups[idx].parents {
			walk(p)
		}
	}

	for _, name := range host.Groups {
		if idx, ok := inv.groupIndex[name]; ok {
			walk(idx)
		}
	}
	// Every host is a member of "all".
	walk(inv.groupIndex[GroupAll])

	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	return out
}

// hostsInGroup returns the names of all hosts in the group, including hosts
// of child groups, in declaration order.
func (inv *Inventory) hostsInGroup(idx int) []string {
	seen := make(map[string]bool)
	var names []string

	var walk func(i int)
	walk = func(i int) {
		g := inv.groups[i]
		for _, h := range g.Hosts {
			if !seen[h] {
				seen[h] = true
				names = append(names, h)
			}
		}
		for _, c := range g.children {
			walk(c)
		}
	}
	walk(idx)

	sort.SliceStable(names, func(i, j int) bool {
		return inv.hosts[names[i]].order < inv.hosts[names[j]].order
	})
	return names
}

// detectCycles runs a depth-first search over child edges and returns a
// CyclicGroupError for the first cycle found.
func (inv *Inventory) detectCycles() error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(inv.groups))

	var path []string
	var visit func(idx int) error
	visit = func(idx int) error {
		switch state[idx] {
		case done:
			return nil
		case inStack:
			// Trim the path down to where the cycle starts.
			name := inv.groups[idx].Name
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return &CyclicGroupError{Cycle: cycle}
		}

		state[idx] = inStack
		path = append(path, inv.groups[idx].Name)
		for _, c := range inv.groups[idx].children {
			if err := visit(c); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[idx] = done
		return nil
	}

	for i := range inv.groups {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// computeDepths assigns each group its longest parent-chain length. Must be
// called after cycle detection.
func (inv *Inventory) computeDepths() {
	memo := make([]int, len(inv.groups))
	for i := range memo {
		memo[i] = -1
	}

	var depth func(idx int) int
	depth = func(idx int) int {
		if memo[idx] >= 0 {
			return memo[idx]
		}
		d := 0
		for _, p := range inv.groups[idx].parents {
			if pd := depth(p) + 1; pd > d {
				d = pd
			}
		}
		memo[idx] = d
		return d
	}

	for i := range inv.groups {
		inv.groups[i].depth = depth(i)
	}
}
