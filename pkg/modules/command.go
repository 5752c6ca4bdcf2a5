package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsrig/opsrig/pkg/connection"
)

func init() {
	Register(&commandModule{})
	Register(&commandModule{shell: true})
}

// commandModule runs a command on the target. With shell=true the command
// goes through /bin/sh and may use pipes and redirection; otherwise it is
// executed verbatim. A non-zero exit code fails the task but is not a
// transport error.
type commandModule struct {
	shell bool
}

func (m *commandModule) Name() string {
	if m.shell {
		return "shell"
	}
	return "command"
}

func (m *commandModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	command := args.StringDefault("cmd", args.StringDefault(RawArg, ""))
	if command == "" {
		return Fail("no command given"), nil
	}
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	// creates/removes guard the command: skip when the state it would
	// produce is already there.
	if path, ok := args.String("creates"); ok {
		fi, err := ec.Conn.Stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if fi.Exists {
			return &Result{
				Skipped: true,
				Msg:     fmt.Sprintf("%s exists", path),
			}, nil
		}
	}
	if path, ok := args.String("removes"); ok {
		fi, err := ec.Conn.Stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if !fi.Exists {
			return &Result{
				Skipped: true,
				Msg:     fmt.Sprintf("%s does not exist", path),
			}, nil
		}
	}

	// Commands are assumed to change state. In check mode the command is
	// not run and the predicted change is reported instead.
	if ec.Check {
		return &Result{
			Changed: true,
			Msg:     "command not run: check mode",
		}, nil
	}

	opts := connection.RunOptions{
		Shell:  m.shell,
		Cwd:    args.StringDefault("chdir", ""),
		Stdin:  args.StringDefault("stdin", ""),
		Become: ec.Become,
	}
	run, err := ec.Conn.Run(ctx, command, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Changed: true,
		RC:      run.RC,
		Stdout:  strings.TrimRight(run.Stdout, "\n"),
		Stderr:  strings.TrimRight(run.Stderr, "\n"),
	}
	if run.RC != 0 {
		res.Failed = true
		res.Msg = fmt.Sprintf("non-zero return code (%d)", run.RC)
	}
	return res, nil
}
