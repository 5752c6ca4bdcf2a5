package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

func init() { Register(&rebootModule{}) }

// rebootModule reboots the target and waits for the transport to come back.
// The connection is expected to reconnect transparently once the host is up
// again.
type rebootModule struct{}

func (m *rebootModule) Name() string { return "reboot" }

func (m *rebootModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}
	if ec.Check {
		return &Result{
			Changed: true,
			Msg:     "host would be rebooted: check mode",
		}, nil
	}

	timeout := time.Duration(args.Int("reboot_timeout", 600)) * time.Second
	delay := time.Duration(args.Int("post_reboot_delay", 0)) * time.Second
	rebootCmd := args.StringDefault("reboot_command", "shutdown -r now")

	start := time.Now()
	log.Debug().Str("host", ec.Host).Str("command", rebootCmd).Msg("issuing reboot")

	// The connection usually dies mid-command; an error here is expected.
	if run, err := ec.Conn.Run(ctx, rebootCmd, runShellBecome()); err == nil && run.RC != 0 {
		return Fail("reboot command exited %d: %s", run.RC, run.Stderr), nil
	}
	_ = ec.Conn.Close()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := waitForTransport(ctx, ec, timeout, 5*time.Second); err != nil {
		return Fail("host did not come back within %s: %v", timeout, err), nil
	}
	elapsed := int(time.Since(start).Seconds())
	return &Result{
		Changed: true,
		Msg:     "host rebooted",
		Results: map[string]interface{}{"elapsed": elapsed, "rebooted": true},
	}, nil
}
