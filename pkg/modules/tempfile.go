package modules

import (
	"context"
	"fmt"
	"strings"
)

func init() { Register(&tempfileModule{}) }

// tempfileModule creates a temporary file or directory on the target with
// mktemp and reports its path.
type tempfileModule struct{}

func (m *tempfileModule) Name() string { return "tempfile" }

func (m *tempfileModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	state := args.StringDefault("state", "file")
	if state != "file" && state != "directory" {
		return Fail("state must be file or directory, got %q", state), nil
	}
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	if ec.Check {
		return &Result{
			Changed: true,
			Msg:     "tempfile would be created: check mode",
		}, nil
	}

	template := args.StringDefault("prefix", "opsrig.") + "XXXXXXXX" + args.StringDefault("suffix", "")
	cmd := "mktemp"
	if state == "directory" {
		cmd += " -d"
	}
	if dir, ok := args.String("path"); ok && dir != "" {
		cmd += " -p " + shellQuote(dir)
	}
	cmd += " " + shellQuote(template)

	run, err := ec.Conn.Run(ctx, cmd, runShell())
	if err != nil {
		return nil, err
	}
	if run.RC != 0 {
		return Fail("mktemp failed: %s", strings.TrimSpace(run.Stderr)), nil
	}
	path := strings.TrimSpace(run.Stdout)
	return &Result{
		Changed: true,
		Msg:     "created " + path,
		Results: map[string]interface{}{"path": path, "state": state},
	}, nil
}
