package delegate

import (
	"context"
	"os"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/modules"
)

// Execute runs an invocation in-process against the local transport. It is
// the server half of the protocol, called by the opsrig-runner binary on
// the target host.
func Execute(ctx context.Context, inv *Invocation) *Response {
	mod, err := modules.Get(inv.Module)
	if err != nil {
		return &Response{Error: err.Error()}
	}

	host, _ := os.Hostname()
	ec := &modules.ExecContext{
		Host:  host,
		Conn:  connection.NewLocal(),
		Check: inv.Check,
		Diff:  inv.Diff,
	}
	result, err := mod.Run(ctx, ec, inv.Args)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{Result: result}
}
