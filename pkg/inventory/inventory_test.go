package inventory

import (
	"reflect"
	"testing"
)

func buildTestInventory(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()

	mustAddHost := func(name string, vars map[string]interface{}, port int) {
		t.Helper()
		if _, err := m.AddHost(name, vars, port); err != nil {
			t.Fatalf("AddHost(%s): %v", name, err)
		}
	}
	mustAddHost("web1.example.com", map[string]interface{}{"role": "frontend"}, 0)
	mustAddHost("web2.example.com", nil, 2222)
	mustAddHost("db1.example.com", nil, 0)
	mustAddHost("lonely.example.com", nil, 0)

	for _, g := range []struct {
		name string
		vars map[string]interface{}
	}{
		{"web", map[string]interface{}{"http_port": 80, "tier": "web"}},
		{"db", map[string]interface{}{"tier": "db"}},
		{"prod", map[string]interface{}{"env": "prod", "tier": "any"}},
	} {
		if _, err := m.AddGroup(g.name, g.vars); err != nil {
			t.Fatalf("AddGroup(%s): %v", g.name, err)
		}
	}

	for _, a := range []struct{ host, group string }{
		{"web1.example.com", "web"},
		{"web2.example.com", "web"},
		{"db1.example.com", "db"},
	} {
		if err := m.Assign(a.host, a.group); err != nil {
			t.Fatalf("Assign(%s, %s): %v", a.host, a.group, err)
		}
	}

	for _, l := range []struct{ child, parent string }{
		{"web", "prod"},
		{"db", "prod"},
	} {
		if err := m.Link(l.child, l.parent); err != nil {
			t.Fatalf("Link(%s, %s): %v", l.child, l.parent, err)
		}
	}
	return m
}

func TestVarsForPrecedence(t *testing.T) {
	m := buildTestInventory(t)

	vars := m.VarsFor("web1.example.com")

	// Child group beats parent group.
	if got := vars["tier"]; got != "web" {
		t.Errorf("tier = %v, want web (child group wins over parent)", got)
	}
	// Parent vars still visible when not overridden.
	if got := vars["env"]; got != "prod" {
		t.Errorf("env = %v, want prod", got)
	}
	// Host var beats everything group-level.
	if got := vars["role"]; got != "frontend" {
		t.Errorf("role = %v, want frontend", got)
	}

	// Facts beat host vars.
	m.SetFacts("web1.example.com", map[string]interface{}{"role": "degraded"})
	vars = m.VarsFor("web1.example.com")
	if got := vars["role"]; got != "degraded" {
		t.Errorf("role after SetFacts = %v, want degraded", got)
	}
}

func TestVarsForComputed(t *testing.T) {
	m := buildTestInventory(t)

	vars := m.VarsFor("web2.example.com")
	if got := vars["inventory_hostname"]; got != "web2.example.com" {
		t.Errorf("inventory_hostname = %v", got)
	}
	if got := vars["inventory_hostname_short"]; got != "web2" {
		t.Errorf("inventory_hostname_short = %v", got)
	}
	if got := vars["inventory_port"]; got != 2222 {
		t.Errorf("inventory_port = %v, want 2222", got)
	}
}

func TestSameDepthDeclarationOrderWins(t *testing.T) {
	m := NewManager()
	if _, err := m.AddHost("h1", nil, 0); err != nil {
		t.Fatal(err)
	}
	// Two groups at the same depth define the same variable.
	if _, err := m.AddGroup("alpha", map[string]interface{}{"color": "red"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddGroup("beta", map[string]interface{}{"color": "blue"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Assign("h1", "alpha"); err != nil {
		t.Fatal(err)
	}
	if err := m.Assign("h1", "beta"); err != nil {
		t.Fatal(err)
	}

	if got := m.VarsFor("h1")["color"]; got != "blue" {
		t.Errorf("color = %v, want blue (later-declared group wins)", got)
	}
}

func TestHostsMatching(t *testing.T) {
	m := buildTestInventory(t)

	tests := []struct {
		pattern string
		want    []string
	}{
		{"all", []string{"web1.example.com", "web2.example.com", "db1.example.com", "lonely.example.com"}},
		{"web", []string{"web1.example.com", "web2.example.com"}},
		{"prod", []string{"web1.example.com", "web2.example.com", "db1.example.com"}},
		{"web,db", []string{"web1.example.com", "web2.example.com", "db1.example.com"}},
		{"prod:!db", []string{"web1.example.com", "web2.example.com"}},
		{"all:&web", []string{"web1.example.com", "web2.example.com"}},
		{"web1.example.com", []string{"web1.example.com"}},
		{"web*", []string{"web1.example.com", "web2.example.com"}},
		{"ungrouped", []string{"lonely.example.com"}},
		{"nosuchgroup", nil},
	}

	for _, tt := range tests {
		var got []string
		for _, h := range m.HostsMatching(tt.pattern) {
			got = append(got, h.Name)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("HostsMatching(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}

func TestHostsMatchingAllUnique(t *testing.T) {
	m := buildTestInventory(t)

	seen := map[string]int{}
	for _, h := range m.HostsMatching("all") {
		seen[h.Name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("host %s returned %d times by all", name, n)
		}
	}
	if len(seen) != 4 {
		t.Errorf("all matched %d hosts, want 4", len(seen))
	}
}

func TestLinkErrors(t *testing.T) {
	m := buildTestInventory(t)

	if err := m.Link("web", "nosuch"); err == nil {
		t.Error("linking under unknown parent should fail")
	}
	// prod -> web exists, so web -> prod would be a cycle.
	if err := m.Link("prod", "web"); err == nil {
		t.Error("cycle introduction should fail")
	}
	if err := m.Link("web", "web"); err == nil {
		t.Error("self-link should fail")
	}
}

func TestAddHostMerge(t *testing.T) {
	m := NewManager()
	if _, err := m.AddHost("h1", map[string]interface{}{"a": 1}, 22); err != nil {
		t.Fatal(err)
	}

	// Re-adding merges vars, new values override.
	if _, err := m.AddHost("h1", map[string]interface{}{"a": 2, "b": 3}, 0); err != nil {
		t.Fatal(err)
	}
	h := m.Host("h1")
	if h.Vars["a"] != 2 || h.Vars["b"] != 3 {
		t.Errorf("merged vars = %v", h.Vars)
	}
	if h.Port != 22 {
		t.Errorf("port = %d, want preserved 22", h.Port)
	}

	// Conflicting port is rejected.
	if _, err := m.AddHost("h1", nil, 2200); err == nil {
		t.Error("conflicting port should fail")
	}
}

func TestUngroupedMembership(t *testing.T) {
	m := NewManager()
	if _, err := m.AddHost("h1", nil, 0); err != nil {
		t.Fatal(err)
	}
	if got := m.HostsMatching("ungrouped"); len(got) != 1 {
		t.Fatalf("ungrouped = %d hosts, want 1", len(got))
	}
	if _, err := m.AddGroup("web", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Assign("h1", "web"); err != nil {
		t.Fatal(err)
	}
	if got := m.HostsMatching("ungrouped"); len(got) != 0 {
		t.Errorf("host assigned to a group should leave ungrouped, got %d", len(got))
	}
}
