package modules

import (
	"context"
	"fmt"
	"strings"
)

func init() { Register(&hostnameModule{}) }

// hostnameModule sets the system hostname, preferring hostnamectl and
// falling back to plain hostname on systems without systemd.
type hostnameModule struct{}

func (m *hostnameModule) Name() string { return "hostname" }

func (m *hostnameModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	want, ok := args.String("name")
	if !ok || want == "" {
		return Fail("missing required argument: name"), nil
	}
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	run, err := ec.Conn.Run(ctx, "hostname", runShell())
	if err != nil {
		return nil, err
	}
	current := strings.TrimSpace(run.Stdout)
	if current == want {
		return &Result{
			Msg:     "hostname already set",
			Results: map[string]interface{}{"name": want},
		}, nil
	}

	res := &Result{
		Changed: true,
		Results: map[string]interface{}{"name": want},
	}
	if ec.Diff {
		res.Diff = map[string]interface{}{"before": current, "after": want}
	}
	if ec.Check {
		res.Msg = "hostname would be changed: check mode"
		return res, nil
	}

	cmd := fmt.Sprintf("hostnamectl set-hostname %s || hostname %s", shellQuote(want), shellQuote(want))
	setRun, err := ec.Conn.Run(ctx, cmd, runShellBecome())
	if err != nil {
		return nil, err
	}
	if setRun.RC != 0 {
		return Fail("failed to set hostname: %s", strings.TrimSpace(setRun.Stderr)), nil
	}
	res.Msg = fmt.Sprintf("hostname changed from %s to %s", current, want)
	return res, nil
}
