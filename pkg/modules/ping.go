package modules

import (
	"context"

	"github.com/opsrig/opsrig/pkg/connection"
)

func init() { Register(&pingModule{}) }

// pingModule verifies the transport by running a trivial command on the
// target. It never reports a change.
type pingModule struct{}

func (m *pingModule) Name() string { return "ping" }

func (m *pingModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	data := args.StringDefault("data", "pong")
	if data == "crash" {
		return Fail("boom"), nil
	}
	if ec.Conn != nil && !ec.Check {
		if _, err := ec.Conn.Run(ctx, "true", connection.RunOptions{}); err != nil {
			return nil, err
		}
	}
	return &Result{Msg: data, Results: map[string]interface{}{"ping": data}}, nil
}
