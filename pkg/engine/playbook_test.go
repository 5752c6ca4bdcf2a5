package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/opsrig/opsrig/pkg/modules"
)

func mustParse(t *testing.T, src string) *Playbook {
	t.Helper()
	pb, err := ParsePlaybook("test.yml", []byte(src))
	if err != nil {
		t.Fatalf("ParsePlaybook: %v", err)
	}
	return pb
}

func TestParsePlaybook(t *testing.T) {
	pb := mustParse(t, `
- name: configure web
  hosts: web
  serial: 2
  vars:
    app_port: 8080
  tasks:
    - name: install config
      copy:
        src: app.conf
        dest: /etc/app.conf
      notify: restart app
    - name: check service
      command: systemctl status app
      register: svc
      ignore_errors: true
      when: app_port == 8080
  handlers:
    - name: restart app
      command: systemctl restart app
`)
	if len(pb.Plays) != 1 {
		t.Fatalf("plays = %d", len(pb.Plays))
	}
	play := pb.Plays[0]
	if play.Name != "configure web" || play.Hosts != "web" || play.Serial != 2 {
		t.Errorf("play = %+v", play)
	}
	if len(play.Tasks) != 2 || len(play.Handlers) != 1 {
		t.Fatalf("tasks = %d handlers = %d", len(play.Tasks), len(play.Handlers))
	}

	first := play.Tasks[0]
	if first.Module != "copy" {
		t.Errorf("module = %q", first.Module)
	}
	if first.Args["dest"] != "/etc/app.conf" {
		t.Errorf("args = %v", first.Args)
	}
	if len(first.Notify) != 1 || first.Notify[0] != "restart app" {
		t.Errorf("notify = %v", first.Notify)
	}

	second := play.Tasks[1]
	if second.Module != "command" {
		t.Errorf("module = %q", second.Module)
	}
	if second.Args[modules.RawArg] != "systemctl status app" {
		t.Errorf("free-form args = %v", second.Args)
	}
	if second.Register != "svc" || !second.IgnoreErrors {
		t.Errorf("task = %+v", second)
	}
	if len(second.When) != 1 || second.When[0] != "app_port == 8080" {
		t.Errorf("when = %v", second.When)
	}
}

func TestParsePlaybookDefaults(t *testing.T) {
	pb := mustParse(t, `
- hosts: all
  tasks:
    - ping:
`)
	play := pb.Plays[0]
	if play.Name != "all" {
		t.Errorf("play name should default to the pattern, got %q", play.Name)
	}
	if !play.GatherFacts {
		t.Error("gather_facts should default to true")
	}
	task := play.Tasks[0]
	if task.Name != "ping" || task.Module != "ping" {
		t.Errorf("task = %+v", task)
	}
	if len(task.Args) != 0 {
		t.Errorf("args = %v", task.Args)
	}
}

func TestParsePlaybookErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"not a list", `hosts: all`, "must be a list"},
		{"missing hosts", "- tasks:\n    - ping:\n", "missing hosts"},
		{"no module", "- hosts: all\n  tasks:\n    - name: empty\n", "no module"},
		{"two modules", "- hosts: all\n  tasks:\n    - ping:\n      command: ls\n", "multiple modules"},
		{"unknown play key", "- hosts: all\n  bogus: 1\n", "unknown play keyword"},
		{"unnamed handler", "- hosts: all\n  handlers:\n    - ping:\n", "handlers must be named"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlaybook("test.yml", []byte(tc.src))
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error type = %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestParsePlaybookUnsupportedFeatures(t *testing.T) {
	cases := []struct {
		name    string
		src     string
		feature string
	}{
		{"block", "- hosts: all\n  tasks:\n    - block:\n        - ping:\n", "block"},
		{"roles", "- hosts: all\n  roles:\n    - common\n", "roles"},
		{"until", "- hosts: all\n  tasks:\n    - command: ls\n      until: done\n", "until"},
		{"delegate_to", "- hosts: all\n  tasks:\n    - ping:\n      delegate_to: h2\n", "delegate_to"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlaybook("test.yml", []byte(tc.src))
			var uerr *UnsupportedFeatureError
			if !errors.As(err, &uerr) {
				t.Fatalf("error = %v, want UnsupportedFeatureError", err)
			}
			if uerr.Feature != tc.feature {
				t.Errorf("feature = %q, want %q", uerr.Feature, tc.feature)
			}
		})
	}
}

func TestBatches(t *testing.T) {
	hosts := testHosts(t, 5)
	got := batches(hosts, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("batch sizes = %v", batchSizes(got))
	}
	if len(batches(hosts, 0)) != 1 {
		t.Error("serial 0 should produce one batch")
	}
	if len(batches(hosts, 10)) != 1 {
		t.Error("serial beyond host count should produce one batch")
	}
}
