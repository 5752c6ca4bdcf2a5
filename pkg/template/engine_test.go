package template

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testVars() map[string]interface{} {
	return map[string]interface{}{
		"name":  "web1",
		"port":  8080,
		"debug": true,
		"empty": "",
		"tags":  []interface{}{"a", "b", "a"},
		"cmd_result": map[string]interface{}{
			"stdout": "5",
			"rc":     0,
		},
	}
}

func TestTemplateStringInterpolation(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		in   string
		want interface{}
	}{
		{"plain text", "plain text"},
		{"{{ name }}", "web1"},
		{"{{ port }}", int64(8080)},
		{"{{ debug }}", true},
		{"host={{ name }}:{{ port }}", "host=web1:8080"},
		{"{{ port + 1 }}", int64(8081)},
		{"{{ cmd_result.stdout }}", "5"},
		{"{{ cmd_result['rc'] }}", int64(0)},
		{"{{ tags[1] }}", "b"},
		{"{{ 'a' in tags }}", true},
		{"{{ name | upper }}", "WEB1"},
		{"{{ empty | default('fallback') }}", "fallback"},
		{"{{ tags | unique | join(',') }}", "a,b"},
		{"{{ 'x,y,z' | split(',') | last }}", "z"},
		{"{{ name if debug else 'off' }}", "web1"},
	}

	for _, tt := range tests {
		got, err := e.TemplateString(tt.in, testVars())
		if err != nil {
			t.Errorf("TemplateString(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("TemplateString(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestTemplateStringIdempotent(t *testing.T) {
	e := NewEngine()

	resolved, err := e.TemplateString("host={{ name }}", testVars())
	if err != nil {
		t.Fatal(err)
	}
	again, err := e.TemplateString(resolved.(string), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != resolved {
		t.Errorf("re-templating resolved string changed it: %v -> %v", resolved, again)
	}
}

func TestTemplateStringErrors(t *testing.T) {
	e := NewEngine()

	for _, in := range []string{
		"{{ undefined_var }}",
		"{{ name ",         // unterminated marker
		"{{ 1 + }}",        // syntax error
		"{{ x | 3no(1) }}", // malformed filter
	} {
		_, err := e.TemplateString(in, testVars())
		if err == nil {
			t.Errorf("TemplateString(%q) should fail", in)
			continue
		}
		var terr *Error
		if !errors.As(err, &terr) {
			t.Errorf("TemplateString(%q) error is %T, want *template.Error", in, err)
		}
	}
}

func TestTemplateValueNested(t *testing.T) {
	e := NewEngine()

	in := map[string]interface{}{
		"cmd":   "echo {{ name }}",
		"count": 3,
		"list":  []interface{}{"{{ port }}", "static"},
	}
	got, err := e.TemplateValue(in, testVars())
	if err != nil {
		t.Fatal(err)
	}
	m := got.(map[string]interface{})
	if m["cmd"] != "echo web1" {
		t.Errorf("cmd = %v", m["cmd"])
	}
	if m["count"] != 3 {
		t.Errorf("count = %v", m["count"])
	}
	list := m["list"].([]interface{})
	if list[0] != int64(8080) || list[1] != "static" {
		t.Errorf("list = %v", list)
	}
}

func TestEvaluateWhen(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		conds []string
		want  bool
	}{
		{nil, true},
		{[]string{"true"}, true},
		{[]string{"false"}, false},
		{[]string{"debug"}, true},
		{[]string{"empty"}, false},
		{[]string{"port == 8080"}, true},
		{[]string{"port > 9000"}, false},
		{[]string{"port == 8080", "debug"}, true},
		{[]string{"port == 8080", "not debug"}, false},
		{[]string{"cmd_result.rc == 0"}, true},
		{[]string{"name == 'web1' and debug"}, true},
		{[]string{"{{ debug }}"}, true},
	}

	for _, tt := range tests {
		got, err := e.EvaluateWhen(tt.conds, testVars())
		if err != nil {
			t.Errorf("EvaluateWhen(%v): %v", tt.conds, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateWhen(%v) = %v, want %v", tt.conds, got, tt.want)
		}
	}
}

func TestRewritePipes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"x", "x"},
		{"x | upper", "upper(x)"},
		{"x | default('n/a')", "default(x, 'n/a')"},
		{"x | split(',') | last", "last(split(x, ','))"},
		{"'a|b' | upper", "upper('a|b')"},
		{"(a | b)", "(a | b)"}, // inside parens, untouched
	}
	for _, tt := range tests {
		got, err := rewritePipes(tt.in)
		if err != nil {
			t.Errorf("rewritePipes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("rewritePipes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupEnv(t *testing.T) {
	e := NewEngine()
	t.Setenv("OPSRIG_TEST_VAR", "from-env")

	got, err := e.Evaluate(`lookup('env', 'OPSRIG_TEST_VAR')`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-env" {
		t.Errorf("env lookup = %v", got)
	}

	got, err = e.Evaluate(`lookup('env', 'OPSRIG_UNSET_VAR', default='dflt')`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "dflt" {
		t.Errorf("env default = %v", got)
	}

	// Unset without default never fails, returns None.
	got, err = e.Evaluate(`lookup('env', 'OPSRIG_UNSET_VAR')`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("unset env = %v, want nil", got)
	}
}

func TestLookupFileAndLines(t *testing.T) {
	e := NewEngine()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := e.Evaluate(`lookup('file', path)`, map[string]interface{}{"path": path})
	if err != nil {
		t.Fatal(err)
	}
	if got != "one\ntwo\ntwo" {
		t.Errorf("file lookup = %q", got)
	}

	got, err = e.Evaluate(`lookup('lines', path)`, map[string]interface{}{"path": path})
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{"one", "two", "two"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lines lookup = %v, want %v (ordered, not deduplicated)", got, want)
	}

	if _, err := e.Evaluate(`lookup('file', '/nonexistent/nope')`, nil); err == nil {
		t.Error("file lookup on unreadable path should fail")
	}
}

func TestLookupFirstFoundAndGlob(t *testing.T) {
	e := NewEngine()
	dir := t.TempDir()
	path := filepath.Join(dir, "found.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	vars := map[string]interface{}{
		"candidates": []interface{}{"/nonexistent/a", path, "/nonexistent/b"},
		"pattern":    filepath.Join(dir, "*.txt"),
	}

	got, err := e.Evaluate(`lookup('first_found', candidates)`, vars)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("first_found = %v, want %v", got, path)
	}

	if _, err := e.Evaluate(`lookup('first_found', '/no/a', '/no/b')`, nil); err == nil {
		t.Error("first_found with no existing candidate should fail")
	}

	globbed, err := e.Evaluate(`lookup('fileglob', pattern)`, vars)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(globbed, []interface{}{path}) {
		t.Errorf("fileglob = %v", globbed)
	}
}

func TestLookupDictItemsPipe(t *testing.T) {
	e := NewEngine()
	vars := map[string]interface{}{
		"m": map[string]interface{}{"b": 2, "a": 1},
	}

	got, err := e.Evaluate(`lookup('dict', m)`, vars)
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{
		map[string]interface{}{"key": "a", "value": int64(1)},
		map[string]interface{}{"key": "b", "value": int64(2)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dict lookup = %#v", got)
	}

	got, err = e.Evaluate(`lookup('items', 1, 'two', 3)`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []interface{}{int64(1), "two", int64(3)}) {
		t.Errorf("items lookup = %v", got)
	}

	got, err = e.Evaluate(`lookup('pipe', 'echo hello')`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("pipe lookup = %q", got)
	}
}

func TestLookupUnknown(t *testing.T) {
	e := NewEngine()
	_, err := e.Evaluate(`lookup('no_such_plugin')`, nil)
	if err == nil {
		t.Fatal("unknown lookup should fail")
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Errorf("error is %T, want *template.Error", err)
	}
}
