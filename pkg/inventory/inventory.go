// Package inventory owns the host and group model targeted by playbooks:
// host/group definitions, the group hierarchy, variable storage, and the
// variable-precedence merge used by the templating engine.
package inventory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Reserved group names created implicitly by the Manager.
const (
	GroupAll       = "all"
	GroupUngrouped = "ungrouped"
)

// Host represents a single managed host.
type Host struct {
	// Name is the unique inventory hostname.
	Name string `json:"name"`

	// Port is the optional connection port (0 means transport default).
	Port int `json:"port,omitempty"`

	// Vars are host-scoped variables.
	Vars map[string]interface{} `json:"vars,omitempty"`

	// Groups lists group memberships in assignment order. Order matters:
	// it is the tie-breaker for same-depth group variable conflicts.
	Groups []string `json:"groups"`
}

// Group represents a named collection of hosts. Groups form a DAG: a group
// may have multiple parents and multiple children.
type Group struct {
	// Name is the unique group name.
	Name string `json:"name"`

	// Vars are group-scoped variables.
	Vars map[string]interface{} `json:"vars,omitempty"`

	// Hosts lists member host names in assignment order.
	Hosts []string `json:"hosts"`

	// Children lists child group names in declaration order.
	Children []string `json:"children,omitempty"`

	// Parents lists parent group names in declaration order.
	Parents []string `json:"parents,omitempty"`
}

// Error represents an inventory consistency fault (dangling references,
// hierarchy cycles, conflicting host definitions).
type Error struct {
	// Op is the operation that failed (e.g. "link", "add_host").
	Op string

	// Message is the human-readable error message.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("inventory %s: %s", e.Op, e.Message)
}

func newError(op, format string, args ...interface{}) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Manager is the in-memory inventory store. Reads are safe under concurrent
// host workers; writes (dynamic add_host/group_by directives, fact updates)
// are serialized behind a single writer lock.
type Manager struct {
	mu sync.RWMutex

	hosts  map[string]*Host
	groups map[string]*Group

	// hostOrder and groupOrder preserve first-declaration order for
	// deterministic pattern resolution and reporting.
	hostOrder  []string
	groupOrder []string

	// facts are runtime host variables set by set_fact, add_host and module
	// registration. They sit between host vars and play vars in precedence.
	facts map[string]map[string]interface{}
}

// NewManager creates an empty inventory with the implicit "all" and
// "ungrouped" groups.
func NewManager() *Manager {
	m := &Manager{
		hosts:  make(map[string]*Host),
		groups: make(map[string]*Group),
		facts:  make(map[string]map[string]interface{}),
	}
	m.ensureGroup(GroupAll)
	m.ensureGroup(GroupUngrouped)
	return m
}

// ensureGroup returns the named group, creating it if needed.
// Caller must hold the write lock (or be single-threaded setup code).
func (m *Manager) ensureGroup(name string) *Group {
	if g, ok := m.groups[name]; ok {
		return g
	}
	g := &Group{Name: name, Vars: make(map[string]interface{})}
	m.groups[name] = g
	m.groupOrder = append(m.groupOrder, name)
	return g
}

// AddHost adds a host or merges variables into an existing one. Adding an
// existing host with a conflicting non-zero port is an error; merging
// variables is expected behavior for dynamic in-play host addition.
func (m *Manager) AddHost(name string, vars map[string]interface{}, port int) (*Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addHostLocked(name, vars, port)
}

func (m *Manager) addHostLocked(name string, vars map[string]interface{}, port int) (*Host, error) {
	if name == "" {
		return nil, newError("add_host", "host name is required")
	}

	h, ok := m.hosts[name]
	if !ok {
		h = &Host{Name: name, Port: port, Vars: make(map[string]interface{})}
		m.hosts[name] = h
		m.hostOrder = append(m.hostOrder, name)
		m.assignLocked(h, GroupAll)
		m.assignLocked(h, GroupUngrouped)
	} else if port != 0 {
		if h.Port != 0 && h.Port != port {
			return nil, newError("add_host", "host %q already declared with port %d (got %d)", name, h.Port, port)
		}
		h.Port = port
	}

	for k, v := range vars {
		h.Vars[k] = v
	}
	return h, nil
}

// AddGroup adds a group or merges variables into an existing one.
func (m *Manager) AddGroup(name string, vars map[string]interface{}) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addGroupLocked(name, vars)
}

func (m *Manager) addGroupLocked(name string, vars map[string]interface{}) (*Group, error) {
	if name == "" {
		return nil, newError("add_group", "group name is required")
	}
	g := m.ensureGroup(name)
	for k, v := range vars {
		g.Vars[k] = v
	}
	return g, nil
}

// Link makes child a child of parent. Both groups must already exist, and
// the link must not introduce a cycle into the hierarchy.
func (m *Manager) Link(child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(child, parent)
}

func (m *Manager) linkLocked(child, parent string) error {
	cg, ok := m.groups[child]
	if !ok {
		return newError("link", "unknown child group %q", child)
	}
	pg, ok := m.groups[parent]
	if !ok {
		return newError("link", "unknown parent group %q", parent)
	}
	if child == parent {
		return newError("link", "group %q cannot be its own parent", child)
	}
	if m.reachable(child, parent) {
		return newError("link", "linking %q under %q introduces a cycle", child, parent)
	}
	if !contains(pg.Children, child) {
		pg.Children = append(pg.Children, child)
	}
	if !contains(cg.Parents, parent) {
		cg.Parents = append(cg.Parents, parent)
	}
	return nil
}

// reachable reports whether target can be reached from start by walking
// child edges. Caller must hold at least the read lock.
func (m *Manager) reachable(start, target string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		if g, ok := m.groups[n]; ok {
			stack = append(stack, g.Children...)
		}
	}
	return false
}

// Assign adds a host to a group, creating the group if needed. Assignment to
// any non-implicit group removes the host from "ungrouped".
func (m *Manager) Assign(host, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[host]
	if !ok {
		return newError("assign", "unknown host %q", host)
	}
	m.assignLocked(h, group)
	return nil
}

func (m *Manager) assignLocked(h *Host, group string) {
	g := m.ensureGroup(group)
	if !contains(g.Hosts, h.Name) {
		g.Hosts = append(g.Hosts, h.Name)
	}
	if !contains(h.Groups, group) {
		h.Groups = append(h.Groups, group)
	}
	if group != GroupAll && group != GroupUngrouped {
		m.removeFromUngroupedLocked(h)
	}
}

func (m *Manager) removeFromUngroupedLocked(h *Host) {
	ug := m.groups[GroupUngrouped]
	ug.Hosts = remove(ug.Hosts, h.Name)
	h.Groups = remove(h.Groups, GroupUngrouped)
}

// SetFacts merges runtime facts for a host. The scheduler is the sole caller;
// within a run only the host's own worker mutates its facts.
func (m *Manager) SetFacts(host string, facts map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.facts[host]
	if !ok {
		f = make(map[string]interface{})
		m.facts[host] = f
	}
	for k, v := range facts {
		f[k] = v
	}
}

// ClearFacts drops all runtime facts for a host.
func (m *Manager) ClearFacts(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts, host)
}

// Host returns the named host, or nil.
func (m *Manager) Host(name string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[name]
}

// Group returns the named group, or nil.
func (m *Manager) Group(name string) *Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[name]
}

// Hosts returns all hosts in first-declaration order.
func (m *Manager) Hosts() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Host, 0, len(m.hostOrder))
	for _, n := range m.hostOrder {
		out = append(out, m.hosts[n])
	}
	return out
}

// Groups returns all groups in first-declaration order.
func (m *Manager) Groups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Group, 0, len(m.groupOrder))
	for _, n := range m.groupOrder {
		out = append(out, m.groups[n])
	}
	return out
}

// VarsFor merges all variable tiers for a host, lowest to highest precedence:
// group vars walked parents-before-children by hierarchy depth (at equal
// depth the group declared later in the inventory wins), then host vars,
// then runtime facts. Play and task vars are layered on top by the caller.
// Computed variables (inventory_hostname and friends) are synthesized here,
// never stored.
func (m *Manager) VarsFor(name string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merged := make(map[string]interface{})
	h, ok := m.hosts[name]
	if !ok {
		return merged
	}

	for _, g := range m.groupsByDepth(h) {
		for k, v := range g.Vars {
			merged[k] = v
		}
	}
	for k, v := range h.Vars {
		merged[k] = v
	}
	for k, v := range m.facts[name] {
		merged[k] = v
	}

	merged["inventory_hostname"] = h.Name
	merged["inventory_hostname_short"] = shortName(h.Name)
	if h.Port != 0 {
		merged["inventory_port"] = h.Port
	}
	groups := make([]interface{}, 0, len(h.Groups))
	for _, g := range h.Groups {
		groups = append(groups, g)
	}
	merged["group_names"] = groups
	return merged
}

// groupsByDepth returns every group the host belongs to (directly or via
// ancestors), ordered ancestors-first. Depth is the longest child-distance
// from the host; ties are broken by inventory declaration order so that the
// later-declared group wins when its vars are applied last.
func (m *Manager) groupsByDepth(h *Host) []*Group {
	depth := map[string]int{}

	var walk func(name string, d int)
	walk = func(name string, d int) {
		if prev, ok := depth[name]; ok && prev >= d {
			return
		}
		depth[name] = d
		g, ok := m.groups[name]
		if !ok {
			return
		}
		for _, p := range g.Parents {
			walk(p, d+1)
		}
	}
	for _, g := range h.Groups {
		walk(g, 1)
	}
	// "all" is the root tier regardless of explicit links.
	depth[GroupAll] = 1 << 20

	declIndex := map[string]int{}
	for i, n := range m.groupOrder {
		declIndex[n] = i
	}

	names := make([]string, 0, len(depth))
	for n := range depth {
		names = append(names, n)
	}
	sort.SliceStable(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] > depth[names[j]]
		}
		return declIndex[names[i]] < declIndex[names[j]]
	})

	out := make([]*Group, 0, len(names))
	for _, n := range names {
		if g, ok := m.groups[n]; ok {
			out = append(out, g)
		}
	}
	return out
}

func shortName(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func remove(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
