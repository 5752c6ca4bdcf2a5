package modules

import (
	"context"
	"encoding/json"
	"fmt"
)

func init() { Register(&debugModule{}) }

// debugModule prints a message or the value of an expression. It never
// touches the target and never reports a change.
type debugModule struct{}

func (m *debugModule) Name() string { return "debug" }

func (m *debugModule) Run(_ context.Context, ec *ExecContext, args Args) (*Result, error) {
	if expr, ok := args.String("var"); ok {
		if ec.Eval == nil {
			return nil, NewError(m.Name(), "run", fmt.Errorf("no evaluator available"))
		}
		value, err := ec.Eval(expr)
		if err != nil {
			return Fail("%s: VARIABLE IS NOT DEFINED! (%v)", expr, err), nil
		}
		return &Result{
			Msg:     fmt.Sprintf("%s: %s", expr, renderValue(value)),
			Results: map[string]interface{}{expr: value},
		}, nil
	}
	return &Result{Msg: args.StringDefault("msg", "Hello world!")}, nil
}

// renderValue prints scalars bare and composites as JSON.
func renderValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
