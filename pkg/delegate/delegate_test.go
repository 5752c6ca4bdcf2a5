package delegate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/modules"
)

// helperConn fakes a host that already has (or receives) the helper and
// answers invocations with a canned response.
type helperConn struct {
	remote   map[string]string
	response Response
	invoked  *Invocation
	puts     int
}

func (c *helperConn) Connect(context.Context) error { return nil }
func (c *helperConn) Close() error                  { return nil }

func (c *helperConn) Run(_ context.Context, command string, opts connection.RunOptions) (*connection.RunResult, error) {
	if strings.HasPrefix(command, "chmod ") {
		return &connection.RunResult{RC: 0}, nil
	}
	var inv Invocation
	if err := json.Unmarshal([]byte(opts.Stdin), &inv); err != nil {
		return &connection.RunResult{RC: 1, Stderr: err.Error()}, nil
	}
	c.invoked = &inv
	out, err := json.Marshal(c.response)
	if err != nil {
		return nil, err
	}
	return &connection.RunResult{RC: 0, Stdout: string(out)}, nil
}

func (c *helperConn) Stat(_ context.Context, path string) (*connection.FileInfo, error) {
	if sum, ok := c.remote[path]; ok {
		return &connection.FileInfo{Exists: true, IsFile: true, Checksum: sum}, nil
	}
	return &connection.FileInfo{Exists: false}, nil
}

func (c *helperConn) Get(context.Context, string, string) error { return nil }

func (c *helperConn) Put(_ context.Context, local, remote string) error {
	sum, err := fileChecksum(local)
	if err != nil {
		return err
	}
	if c.remote == nil {
		c.remote = make(map[string]string)
	}
	c.remote[remote] = sum
	c.puts++
	return nil
}

func fakeHelper(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsrig-runner")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientRunInstallsHelperOnce(t *testing.T) {
	helper := fakeHelper(t)
	conn := &helperConn{response: Response{Result: &modules.Result{Msg: "pong"}}}
	c := NewClient(conn, "h1", helper)

	inv := &Invocation{Module: "tempfile", Args: modules.Args{}, Check: true}
	res, err := c.Run(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if res.Msg != "pong" {
		t.Errorf("msg = %q", res.Msg)
	}
	if conn.puts != 1 {
		t.Errorf("puts = %d, want 1", conn.puts)
	}
	if conn.invoked == nil || conn.invoked.Module != "tempfile" || !conn.invoked.Check {
		t.Errorf("invocation = %+v", conn.invoked)
	}

	// Second run reuses the installed helper.
	if _, err := c.Run(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if conn.puts != 1 {
		t.Errorf("helper re-uploaded, puts = %d", conn.puts)
	}
}

func TestClientRunHelperError(t *testing.T) {
	conn := &helperConn{response: Response{Error: "unknown module"}}
	c := NewClient(conn, "h1", fakeHelper(t))

	_, err := c.Run(context.Background(), &Invocation{Module: "bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown module") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	resp := Execute(context.Background(), &Invocation{
		Module: "debug",
		Args:   modules.Args{"msg": "hi"},
	})
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if resp.Result == nil || resp.Result.Msg != "hi" {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestExecuteUnknownModule(t *testing.T) {
	resp := Execute(context.Background(), &Invocation{Module: "nope"})
	if resp.Error == "" {
		t.Fatal("expected error")
	}
}
