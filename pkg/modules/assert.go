package modules

import (
	"context"
	"fmt"
)

func init() { Register(&assertModule{}) }

// assertModule evaluates one or more conditional expressions and fails the
// host when any of them is false. The failing expressions are reported in
// results.failed_conditions.
type assertModule struct{}

func (m *assertModule) Name() string { return "assert" }

func (m *assertModule) Run(_ context.Context, ec *ExecContext, args Args) (*Result, error) {
	conditions := args.StringSlice("that")
	if len(conditions) == 0 {
		return Fail("missing required argument: that"), nil
	}
	if ec.EvalCond == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no evaluator available"))
	}

	failed := make([]string, 0)
	for _, cond := range conditions {
		ok, err := ec.EvalCond(cond)
		if err != nil {
			return Fail("error evaluating condition %q: %v", cond, err), nil
		}
		if !ok {
			failed = append(failed, cond)
		}
	}

	if len(failed) > 0 {
		msg := args.StringDefault("fail_msg", fmt.Sprintf("Assertion failed: %v", failed))
		return &Result{
			Failed:  true,
			Msg:     msg,
			Results: map[string]interface{}{"failed_conditions": failed},
		}, nil
	}

	msg := args.StringDefault("success_msg", "All assertions passed")
	if args.Bool("quiet", false) {
		msg = ""
	}
	return &Result{Msg: msg}, nil
}
