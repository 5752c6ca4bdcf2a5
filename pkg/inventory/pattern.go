package inventory

import (
	"path"
	"strings"
)

// HostsMatching resolves a host pattern to an ordered, de-duplicated host
// list. Patterns are colon- or comma-separated terms applied left to right:
//
//	web            hosts in group "web" (or the host named "web")
//	web,db         union
//	web:&staging   intersection
//	web:!db        exclusion
//	all / *        every declared host
//
// Bare terms support shell-style wildcards against host and group names.
// Order follows first declaration in the inventory.
func (m *Manager) HostsMatching(pattern string) []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()

	included := map[string]bool{}
	excluded := map[string]bool{}
	restricted := false
	var restrict map[string]bool

	for _, term := range splitPattern(pattern) {
		switch {
		case strings.HasPrefix(term, "!"):
			for _, n := range m.matchTermLocked(term[1:]) {
				excluded[n] = true
			}
		case strings.HasPrefix(term, "&"):
			set := map[string]bool{}
			for _, n := range m.matchTermLocked(term[1:]) {
				set[n] = true
			}
			if restricted {
				for n := range restrict {
					if !set[n] {
						delete(restrict, n)
					}
				}
			} else {
				restricted = true
				restrict = set
			}
		default:
			for _, n := range m.matchTermLocked(term) {
				included[n] = true
			}
		}
	}

	out := make([]*Host, 0, len(included))
	for _, n := range m.hostOrder {
		if !included[n] || excluded[n] {
			continue
		}
		if restricted && !restrict[n] {
			continue
		}
		out = append(out, m.hosts[n])
	}
	return out
}

// splitPattern splits on ":" and "," but keeps the ":&"/":!" operator with
// its term.
func splitPattern(pattern string) []string {
	raw := strings.FieldsFunc(pattern, func(r rune) bool {
		return r == ':' || r == ','
	})
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// matchTermLocked resolves one pattern term to host names in declaration
// order. Caller must hold at least the read lock.
func (m *Manager) matchTermLocked(term string) []string {
	if term == GroupAll || term == "*" {
		return append([]string(nil), m.hostOrder...)
	}

	seen := map[string]bool{}
	var out []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}

	for _, gn := range m.groupOrder {
		if ok, _ := path.Match(term, gn); ok || gn == term {
			for _, hn := range m.expandGroupLocked(gn, map[string]bool{}) {
				add(hn)
			}
		}
	}
	for _, hn := range m.hostOrder {
		if ok, _ := path.Match(term, hn); ok || hn == term {
			add(hn)
		}
	}
	return out
}

// expandGroupLocked returns the member hosts of a group including all
// descendant groups.
func (m *Manager) expandGroupLocked(name string, seen map[string]bool) []string {
	if seen[name] {
		return nil
	}
	seen[name] = true

	g, ok := m.groups[name]
	if !ok {
		return nil
	}
	out := append([]string(nil), g.Hosts...)
	for _, c := range g.Children {
		out = append(out, m.expandGroupLocked(c, seen)...)
	}
	return out
}
