package inventory

import (
	"fmt"
	"path"
	"strings"
)

// ResolvePattern resolves a host-pattern expression against the inventory and
// returns an ordered, de-duplicated host list in declaration order.
//
// A pattern is a colon-separated sequence of terms. A bare term selects the
// union of matching hosts; a term prefixed with "&" intersects the selection
// so far; a term prefixed with "!" subtracts from it. Terms match host names,
// group names, or shell-style wildcards against both.
//
//	web                  all hosts in group web
//	web:db               union of web and db
//	web:&staging         hosts in web that are also in staging
//	web:!h3              web without h3
//	app-*                hosts or groups whose name matches the glob
func (inv *Inventory) ResolvePattern(pattern string) ([]*Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty host pattern")
	}

	selected := make(map[string]bool)
	first := true

	for _, term := range strings.Split(pattern, ":") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		switch {
		case strings.HasPrefix(term, "&"):
			matched, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			for name := range selected {
				if !matched[name] {
					delete(selected, name)
				}
			}
		case strings.HasPrefix(term, "!"):
			matched, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			for name := range matched {
				delete(selected, name)
			}
		default:
			matched, err := inv.matchTerm(term)
			if err != nil {
				return nil, err
			}
			for name := range matched {
				selected[name] = true
			}
		}
		first = false
	}

	if first {
		return nil, fmt.Errorf("host pattern %q has no terms", pattern)
	}

	var hosts []*Host
	for _, name := range inv.hostOrder {
		if selected[name] {
			hosts = append(hosts, inv.hosts[name])
		}
	}
	return hosts, nil
}

// matchTerm resolves one pattern term to a set of host names.
func (inv *Inventory) matchTerm(term string) (map[string]bool, error) {
	matched := make(map[string]bool)

	if term == GroupAll || term == "*" {
		for _, name := range inv.hostOrder {
			matched[name] = true
		}
		return matched, nil
	}

	wildcard := strings.ContainsAny(term, "*?[")

	if !wildcard {
		if idx, ok := inv.groupIndex[term]; ok {
			for _, name := range inv.hostsInGroup(idx) {
				matched[name] = true
			}
			return matched, nil
		}
		if _, ok := inv.hosts[term]; ok {
			matched[term] = true
			return matched, nil
		}
		return nil, fmt.Errorf("pattern term %q matches no host or group", term)
	}

	for name, idx := range inv.groupIndex {
		if ok, err := path.Match(term, name); err != nil {
			return nil, fmt.Errorf("invalid pattern term %q: %w", term, err)
		} else if ok {
			for _, h := range inv.hostsInGroup(idx) {
				matched[h] = true
			}
		}
	}
	for _, name := range inv.hostOrder {
		if ok, _ := path.Match(term, name); ok {
			matched[name] = true
		}
	}

	return matched, nil
}
