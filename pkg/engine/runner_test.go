package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/inventory"
	"github.com/opsrig/opsrig/pkg/template"
)

// fakeConn scripts command responses per host and records what ran.
type fakeConn struct {
	mu       sync.Mutex
	host     string
	outputs  map[string]connection.RunResult // command substring -> result
	failConn bool
	commands []string
}

func (c *fakeConn) Connect(context.Context) error {
	if c.failConn {
		return &connection.TransportError{Op: "connect", Host: c.host, Err: fmt.Errorf("no route")}
	}
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Run(_ context.Context, command string, _ connection.RunOptions) (*connection.RunResult, error) {
	c.mu.Lock()
	c.commands = append(c.commands, command)
	c.mu.Unlock()
	for substr, res := range c.outputs {
		if strings.Contains(command, substr) {
			out := res
			return &out, nil
		}
	}
	return &connection.RunResult{RC: 0, Stdout: "ok\n"}, nil
}

func (c *fakeConn) Stat(context.Context, string) (*connection.FileInfo, error) {
	return &connection.FileInfo{Exists: false}, nil
}
func (c *fakeConn) Get(context.Context, string, string) error { return nil }
func (c *fakeConn) Put(context.Context, string, string) error { return nil }

func (c *fakeConn) ran(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cmd := range c.commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// testRig wires an inventory, real template engine and fake transports.
type testRig struct {
	inv   *inventory.Manager
	conns map[string]*fakeConn
}

func newRig(t *testing.T, hosts ...string) *testRig {
	t.Helper()
	rig := &testRig{inv: inventory.NewManager(), conns: make(map[string]*fakeConn)}
	for _, h := range hosts {
		if _, err := rig.inv.AddHost(h, nil, 0); err != nil {
			t.Fatal(err)
		}
		rig.conns[h] = &fakeConn{host: h, outputs: map[string]connection.RunResult{}}
	}
	return rig
}

func (rig *testRig) factory(host string, _ int, _ map[string]interface{}) (connection.Connection, error) {
	return rig.conns[host], nil
}

func (rig *testRig) runner(opts Options) *Runner {
	return NewRunner(rig.inv, template.NewEngine(), rig.factory, opts)
}

func (rig *testRig) run(t *testing.T, opts Options, playbook string) *RunResult {
	t.Helper()
	pb, err := ParsePlaybook("test.yml", []byte(playbook))
	if err != nil {
		t.Fatal(err)
	}
	res, err := rig.runner(opts).Run(context.Background(), pb)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func testHosts(t *testing.T, n int) []*inventory.Host {
	t.Helper()
	m := inventory.NewManager()
	for i := 0; i < n; i++ {
		if _, err := m.AddHost(fmt.Sprintf("h%d", i), nil, 0); err != nil {
			t.Fatal(err)
		}
	}
	return m.Hosts()
}

func batchSizes(b [][]*inventory.Host) []int {
	sizes := make([]int, len(b))
	for i, batch := range b {
		sizes[i] = len(batch)
	}
	return sizes
}

func TestRunPingTwoHosts(t *testing.T) {
	rig := newRig(t, "h1", "h2")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: reachability
      ping:
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	for _, h := range []string{"h1", "h2"} {
		s := res.Summary[h]
		if s == nil || s.OK != 1 || s.Changed != 0 {
			t.Errorf("%s summary = %+v", h, s)
		}
	}
}

func TestRunHostIsolation(t *testing.T) {
	rig := newRig(t, "good", "bad")
	rig.conns["bad"].outputs["exit 1"] = connection.RunResult{RC: 1, Stderr: "boom"}

	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: may fail
      command: exit 1 marker
    - name: after failure
      command: touch /tmp/after
`)
	if !res.Failed() {
		t.Fatal("run should report failure")
	}
	if res.Summary["bad"].Failed != 1 {
		t.Errorf("bad summary = %+v", res.Summary["bad"])
	}
	// The failed host must not run later tasks; the healthy one must.
	if rig.conns["bad"].ran("/tmp/after") != 0 {
		t.Error("failed host ran a later task")
	}
	if rig.conns["good"].ran("/tmp/after") != 1 {
		t.Error("healthy host skipped a later task")
	}
	if res.Summary["good"].OK != 2 {
		t.Errorf("good summary = %+v", res.Summary["good"])
	}
}

func TestRunUnreachableHost(t *testing.T) {
	rig := newRig(t, "h1", "h2")
	rig.conns["h2"].failConn = true

	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - ping:
`)
	if res.Summary["h2"].Unreachable != 1 {
		t.Errorf("h2 summary = %+v", res.Summary["h2"])
	}
	if res.Summary["h1"].OK != 1 {
		t.Errorf("h1 summary = %+v", res.Summary["h1"])
	}
	if !res.Failed() {
		t.Error("unreachable host should fail the run")
	}
}

func TestRunWhenSkipsWithoutTransport(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  vars:
    enabled: false
  tasks:
    - name: guarded
      command: rm -rf /tmp/guarded
      when: enabled
`)
	if rig.conns["h1"].ran("guarded") != 0 {
		t.Error("skipped task touched the transport")
	}
	if res.Summary["h1"].Skipped != 1 {
		t.Errorf("summary = %+v", res.Summary["h1"])
	}
}

func TestRunLoopAggregation(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: greet
      command: echo {{ item }}
      loop:
        - alpha
        - beta
        - gamma
      register: greetings
    - name: inspect
      assert:
        that:
          - greetings.changed
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if got := rig.conns["h1"].ran("echo"); got != 3 {
		t.Errorf("loop ran %d times, want 3", got)
	}
	// Find the loop task result and check per-item aggregation.
	var loopRes *TaskResult
	for _, tr := range res.Plays[0].Tasks {
		if tr.Task == "greet" {
			loopRes = tr
		}
	}
	if loopRes == nil {
		t.Fatal("loop task result missing")
	}
	items, _ := loopRes.Result.Results["results"].([]interface{})
	if len(items) != 3 {
		t.Errorf("per-item results = %d, want 3", len(items))
	}
}

func TestRunRegisterAndChangedWhen(t *testing.T) {
	rig := newRig(t, "h1")
	rig.conns["h1"].outputs["status"] = connection.RunResult{RC: 0, Stdout: "unchanged\n"}

	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: probe
      command: status probe
      register: probe
      changed_when: "'changed' in probe.stdout and 'unchanged' not in probe.stdout"
    - name: assert probe visible
      assert:
        that:
          - probe.rc == 0
          - not probe.changed
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if res.Summary["h1"].Changed != 0 {
		t.Errorf("changed_when override ignored: %+v", res.Summary["h1"])
	}
}

func TestRunIgnoreErrors(t *testing.T) {
	rig := newRig(t, "h1")
	rig.conns["h1"].outputs["exit 3"] = connection.RunResult{RC: 3}

	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: tolerated
      command: exit 3
      ignore_errors: true
    - name: continues
      ping:
`)
	if res.Failed() {
		t.Fatalf("ignored error failed the run: %+v", res.Summary)
	}
	s := res.Summary["h1"]
	if s.Ignored != 1 || s.OK != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunHandlersFlushOncePerPlay(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: change one
      command: touch /tmp/one
      notify: restart app
    - name: change two
      command: touch /tmp/two
      notify: restart app
  handlers:
    - name: restart app
      command: systemctl restart app
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if got := rig.conns["h1"].ran("systemctl restart app"); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestRunHandlerNotFiredWithoutChange(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: no change
      ping:
      notify: restart app
  handlers:
    - name: restart app
      command: systemctl restart app
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if got := rig.conns["h1"].ran("systemctl restart app"); got != 0 {
		t.Errorf("handler ran %d times, want 0", got)
	}
}

func TestRunMetaFlushHandlers(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: change
      command: touch /tmp/one
      notify: restart app
    - name: flush now
      meta: flush_handlers
    - name: after flush
      command: verify-after-flush
  handlers:
    - name: restart app
      command: systemctl restart app
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	conn := rig.conns["h1"]
	if conn.ran("systemctl restart app") != 1 {
		t.Fatal("handler did not run at flush point")
	}
	// The handler must have run before the task after the flush.
	var flushIdx, afterIdx int
	for i, cmd := range conn.commands {
		if strings.Contains(cmd, "systemctl restart app") {
			flushIdx = i
		}
		if strings.Contains(cmd, "verify-after-flush") {
			afterIdx = i
		}
	}
	if flushIdx > afterIdx {
		t.Errorf("handler ran at %d, after task at %d", flushIdx, afterIdx)
	}
}

func TestRunCheckMode(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{Check: true}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: dangerous
      command: rm -rf /important
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if rig.conns["h1"].ran("rm -rf") != 0 {
		t.Error("check mode executed a command")
	}
	if res.Summary["h1"].Changed != 1 {
		t.Errorf("check mode should predict the change: %+v", res.Summary["h1"])
	}
	if !res.Check {
		t.Error("result should record check mode")
	}
}

func TestRunSetFactVisibleToLaterTask(t *testing.T) {
	rig := newRig(t, "h1")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: remember
      set_fact:
        app_state: ready
    - name: verify
      assert:
        that:
          - app_state == 'ready'
`)
	if res.Failed() {
		t.Fatalf("set_fact not visible: %+v", res.Summary)
	}
}

func TestRunSerialBatches(t *testing.T) {
	rig := newRig(t, "h1", "h2", "h3")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  serial: 1
  tasks:
    - ping:
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	for _, h := range []string{"h1", "h2", "h3"} {
		if res.Summary[h].OK != 1 {
			t.Errorf("%s summary = %+v", h, res.Summary[h])
		}
	}
}

func TestRunLimitPattern(t *testing.T) {
	rig := newRig(t, "h1", "h2", "h3")

	res := rig.run(t, Options{Limit: "h2"}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: probe
      command: echo probe
`)

	if got := rig.conns["h2"].ran("echo probe"); got != 1 {
		t.Errorf("h2 ran probe %d times, want 1", got)
	}
	for _, h := range []string{"h1", "h3"} {
		if got := rig.conns[h].ran("echo probe"); got != 0 {
			t.Errorf("%s ran probe %d times, want 0", h, got)
		}
	}
	if len(res.Summary) != 1 {
		t.Errorf("summary covers %d hosts, want 1", len(res.Summary))
	}
}

func TestRunGatherFacts(t *testing.T) {
	rig := newRig(t, "h1")
	rig.conns["h1"].outputs["uname"] = connection.RunResult{
		RC:     0,
		Stdout: "Linux\n6.1.0\nx86_64\nweb-01\n",
	}
	res := rig.run(t, Options{}, `
- hosts: all
  tasks:
    - name: check facts
      assert:
        that:
          - ansible_system == 'Linux'
          - ansible_hostname == 'web-01'
`)
	if res.Failed() {
		t.Fatalf("facts missing: %+v", res.Summary)
	}
}

func TestRunEndHostMeta(t *testing.T) {
	rig := newRig(t, "h1", "h2")
	res := rig.run(t, Options{}, `
- hosts: all
  gather_facts: false
  tasks:
    - name: bail on h1
      meta: end_host
      when: inventory_hostname == 'h1'
    - name: rest
      command: keep-going
`)
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
	if rig.conns["h1"].ran("keep-going") != 0 {
		t.Error("ended host kept running tasks")
	}
	if rig.conns["h2"].ran("keep-going") != 1 {
		t.Error("other host should keep running")
	}
}

// countingConn wraps fakeConn and tallies dials and closes through shared
// counters.
type countingConn struct {
	*fakeConn
	closes *int32
}

func (c *countingConn) Close() error {
	atomic.AddInt32(c.closes, 1)
	return nil
}

func TestRunOneConnectionPerHostAcrossPlays(t *testing.T) {
	inv := inventory.NewManager()
	if _, err := inv.AddHost("h1", nil, 0); err != nil {
		t.Fatal(err)
	}

	var dials, closes int32
	factory := func(host string, _ int, _ map[string]interface{}) (connection.Connection, error) {
		atomic.AddInt32(&dials, 1)
		return &countingConn{
			fakeConn: &fakeConn{host: host, outputs: map[string]connection.RunResult{}},
			closes:   &closes,
		}, nil
	}

	pb, err := ParsePlaybook("test.yml", []byte(`
- hosts: all
  gather_facts: false
  tasks:
    - name: first
      command: echo one
- hosts: all
  gather_facts: false
  tasks:
    - name: second
      command: echo two
`))
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner(inv, template.NewEngine(), factory, Options{})
	res, err := r.Run(context.Background(), pb)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}

	if dials != 1 {
		t.Errorf("host dialed %d times across two plays, want 1", dials)
	}
	if closes != 1 {
		t.Errorf("connection closed %d times, want 1", closes)
	}
}

// gateConn blocks every Run call until the test releases it, so the test
// can observe how many hosts execute concurrently.
type gateConn struct {
	arrived chan<- struct{}
	release <-chan struct{}
}

func (c *gateConn) Connect(context.Context) error { return nil }
func (c *gateConn) Close() error                  { return nil }

func (c *gateConn) Run(ctx context.Context, _ string, _ connection.RunOptions) (*connection.RunResult, error) {
	c.arrived <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return &connection.RunResult{RC: 0, Stdout: "ok\n"}, nil
}

func (c *gateConn) Stat(context.Context, string) (*connection.FileInfo, error) {
	return &connection.FileInfo{Exists: false}, nil
}
func (c *gateConn) Get(context.Context, string, string) error { return nil }
func (c *gateConn) Put(context.Context, string, string) error { return nil }

func TestRunForksAboveDefault(t *testing.T) {
	const hosts = DefaultForks + 8

	inv := inventory.NewManager()
	for i := 0; i < hosts; i++ {
		if _, err := inv.AddHost(fmt.Sprintf("h%d", i), nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	arrived := make(chan struct{}, hosts)
	release := make(chan struct{})
	factory := func(string, int, map[string]interface{}) (connection.Connection, error) {
		return &gateConn{arrived: arrived, release: release}, nil
	}

	pb, err := ParsePlaybook("test.yml", []byte(`
- hosts: all
  gather_facts: false
  tasks:
    - name: hold
      command: sleep forever
`))
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner(inv, template.NewEngine(), factory, Options{Forks: hosts})
	done := make(chan *RunResult, 1)
	go func() {
		res, rerr := r.Run(context.Background(), pb)
		if rerr != nil {
			t.Errorf("run: %v", rerr)
		}
		done <- res
	}()

	// Every host must be inside its task at the same time; the default
	// cap would strand the rest in the queue.
	deadline := time.After(10 * time.Second)
	for i := 0; i < hosts; i++ {
		select {
		case <-arrived:
		case <-deadline:
			close(release)
			<-done
			t.Fatalf("only %d of %d hosts ran concurrently", i, hosts)
		}
	}
	close(release)

	res := <-done
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Summary)
	}
}
