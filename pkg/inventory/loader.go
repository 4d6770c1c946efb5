package inventory

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// LoadOptions controls inventory loading behavior.
type LoadOptions struct {
	// StrictDuplicates makes conflicting redefinitions of a host's
	// connection identity a DuplicateHostConflictError instead of applying
	// the default last-wins policy.
	StrictDuplicates bool
}

// LoadFile loads an inventory from a YAML file.
func LoadFile(path string, opts LoadOptions) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return Load(data, opts)
}

// Load parses raw inventory YAML. The document is a mapping of group name to
// {hosts, vars, children}; declaration order is significant and preserved for
// host ordering and group precedence tie-breaks.
func Load(data []byte, opts LoadOptions) (*Inventory, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	inv := &Inventory{
		hosts:      make(map[string]*Host),
		groupIndex: make(map[string]int),
	}

	// The implicit "all" group is always arena index 0.
	inv.addGroup(GroupAll)

	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("inventory root must be a mapping of group definitions")
		}
		if err := inv.loadGroups(root, opts); err != nil {
			return nil, err
		}
	}

	// Parentless groups hang off "all" so every host reachable through the
	// group graph is reachable from the implicit root.
	for i := 1; i < len(inv.groups); i++ {
		if len(inv.groups[i].parents) == 0 {
			inv.link(0, i)
		}
	}

	if err := inv.detectCycles(); err != nil {
		return nil, err
	}
	inv.computeDepths()

	return inv, nil
}

// loadGroups walks the root mapping node, one group definition per key.
func (inv *Inventory) loadGroups(root *yaml.Node, opts LoadOptions) error {
	type pendingEdge struct {
		parent string
		child  string
	}
	var edges []pendingEdge

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		name := keyNode.Value

		idx, exists := inv.groupIndex[name]
		if !exists {
			idx = inv.addGroup(name)
		}
		group := inv.groups[idx]

		if valNode.Kind == 0 || valNode.Tag == "!!null" {
			continue
		}
		if valNode.Kind != yaml.MappingNode {
			return fmt.Errorf("group %q must be a mapping", name)
		}

		for j := 0; j+1 < len(valNode.Content); j += 2 {
			field, fieldVal := valNode.Content[j], valNode.Content[j+1]
			switch field.Value {
			case "hosts":
				if err := inv.loadHosts(name, group, fieldVal, opts); err != nil {
					return err
				}
			case "vars":
				if err := fieldVal.Decode(&group.Vars); err != nil {
					return fmt.Errorf("group %q vars: %w", name, err)
				}
			case "children":
				var children []string
				if err := fieldVal.Decode(&children); err != nil {
					return fmt.Errorf("group %q children: %w", name, err)
				}
				for _, c := range children {
					edges = append(edges, pendingEdge{parent: name, child: c})
				}
			default:
				return fmt.Errorf("group %q: unknown field %q", name, field.Value)
			}
		}
	}

	// Resolve child edges after every group key has been seen, so forward
	// references work. A child that is never defined as a group is an error.
	for _, e := range edges {
		cIdx, ok := inv.groupIndex[e.child]
		if !ok {
			return &UnknownGroupError{Group: e.parent, Child: e.child}
		}
		inv.link(inv.groupIndex[e.parent], cIdx)
	}

	return nil
}

// loadHosts parses a group's hosts mapping: host name to optional var overlay.
func (inv *Inventory) loadHosts(groupName string, group *Group, node *yaml.Node, opts LoadOptions) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("group %q hosts must be a mapping", groupName)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		nameNode, varsNode := node.Content[i], node.Content[i+1]
		hostName := nameNode.Value

		var hostVars map[string]interface{}
		if varsNode.Kind == yaml.MappingNode {
			if err := varsNode.Decode(&hostVars); err != nil {
				return fmt.Errorf("host %q vars: %w", hostName, err)
			}
		}

		host, exists := inv.hosts[hostName]
		if !exists {
			host = &Host{
				Name:  hostName,
				Vars:  make(map[string]interface{}),
				order: len(inv.hostOrder),
			}
			inv.hosts[hostName] = host
			inv.hostOrder = append(inv.hostOrder, hostName)
		}

		for k, v := range hostVars {
			if prev, ok := host.Vars[k]; ok && opts.StrictDuplicates && isConnectionIdentity(k) && !reflect.DeepEqual(prev, v) {
				return &DuplicateHostConflictError{
					Host:        hostName,
					Key:         k,
					Previous:    prev,
					Conflicting: v,
				}
			}
			// Last-wins: later definitions override earlier ones.
			host.Vars[k] = v
		}

		host.Groups = appendUnique(host.Groups, groupName)
		group.Hosts = appendUnique(group.Hosts, hostName)
	}

	return nil
}

// addGroup appends a new group to the arena and returns its index.
func (inv *Inventory) addGroup(name string) int {
	idx := len(inv.groups)
	inv.groups = append(inv.groups, &Group{
		Name: name,
		Vars: make(map[string]interface{}),
		id:   idx,
	})
	inv.groupIndex[name] = idx
	return idx
}

// link records a parent/child edge between two arena indices.
func (inv *Inventory) link(parent, child int) {
	p, c := inv.groups[parent], inv.groups[child]
	for _, existing := range p.children {
		if existing == child {
			return
		}
	}
	p.children = append(p.children, child)
	c.parents = append(c.parents, parent)
}

// isConnectionIdentity reports whether a variable participates in the
// duplicate-host conflict check.
func isConnectionIdentity(key string) bool {
	for _, k := range connectionIdentityKeys {
		if k == key {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
