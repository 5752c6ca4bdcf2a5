// Package modules defines the module contract and the builtin module set.
//
// A module receives templated arguments and an execution context carrying
// the host's transport, and returns a uniform Result. Modules never talk to
// the scheduler directly; inventory side effects (facts, new hosts, groups)
// travel back as a Directive on the Result and are applied by the caller.
package modules

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opsrig/opsrig/pkg/connection"
)

// RawArg is the argument key used when a module is invoked with a bare
// string (`command: echo hi`) instead of a mapping.
const RawArg = "_raw"

// Module is the contract every builtin implements.
type Module interface {
	// Name returns the module's registry name.
	Name() string

	// Run executes the module. A failed execution is reported through
	// Result.Failed; the error return is reserved for transport failures
	// and programming errors.
	Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error)
}

// ExecContext carries everything a module may need from the engine.
type ExecContext struct {
	// Host is the inventory hostname the module runs against.
	Host string

	// Vars is the fully merged variable view for the host.
	Vars map[string]interface{}

	// Conn is the host's transport. Nil for modules that never touch
	// the target (debug, assert, set_fact, meta).
	Conn connection.Connection

	// Check reports check mode: modules must not mutate the target and
	// instead predict what would change.
	Check bool

	// Diff requests before/after detail on file-changing modules.
	Diff bool

	// Become requests privilege elevation for commands run on the target.
	Become bool

	// Eval evaluates an expression against Vars. Used by modules that
	// take expressions rather than values (debug var=).
	Eval func(expr string) (interface{}, error)

	// EvalCond evaluates a conditional expression to a boolean.
	EvalCond func(expr string) (bool, error)
}

// Result is the uniform module return value.
type Result struct {
	Changed bool                   `json:"changed"`
	Failed  bool                   `json:"failed"`
	Skipped bool                   `json:"skipped"`
	Msg     string                 `json:"msg"`
	Results map[string]interface{} `json:"results"`
	RC      int                    `json:"rc"`
	Stdout  string                 `json:"stdout"`
	Stderr  string                 `json:"stderr"`
	Diff    map[string]interface{} `json:"diff"`

	// Directive carries inventory side effects for the scheduler. It is
	// never serialized onto the wire.
	Directive *Directive `json:"-"`
}

// Directive is an inventory mutation requested by a module.
type Directive struct {
	// Facts are merged into the host's fact set (set_fact).
	Facts map[string]interface{}

	// AddHost registers a new host mid-run.
	AddHost *NewHost

	// Groups assigns the current host to these groups (group_by).
	Groups []string

	// Meta is a scheduler instruction: flush_handlers, end_play,
	// end_host or clear_facts.
	Meta string
}

// NewHost describes a host added by the add_host module.
type NewHost struct {
	Name   string
	Port   int
	Groups []string
	Vars   map[string]interface{}
}

// Fail builds a failed Result with a formatted message.
func Fail(format string, args ...interface{}) *Result {
	return &Result{Failed: true, Msg: fmt.Sprintf(format, args...)}
}

// ToMap renders the result as the generic map form used for registered
// variables and templating.
func (r *Result) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"changed": r.Changed,
		"failed":  r.Failed,
		"skipped": r.Skipped,
		"msg":     r.Msg,
		"rc":      r.RC,
		"stdout":  r.Stdout,
		"stderr":  r.Stderr,
	}
	if r.Results != nil {
		m["results"] = r.Results
	}
	if r.Diff != nil {
		m["diff"] = r.Diff
	}
	return m
}

// Args is the templated argument map handed to a module.
type Args map[string]interface{}

// String returns a string argument and whether it was present.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// StringDefault returns a string argument or the fallback.
func (a Args) StringDefault(key, fallback string) string {
	if s, ok := a.String(key); ok {
		return s
	}
	return fallback
}

// Bool returns a boolean argument, accepting yaml truthy strings.
func (a Args) Bool(key string, fallback bool) bool {
	v, ok := a[key]
	if !ok {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch b {
		case "yes", "true", "True", "1", "on":
			return true
		case "no", "false", "False", "0", "off":
			return false
		}
	case int:
		return b != 0
	}
	return fallback
}

// Int returns an integer argument or the fallback.
func (a Args) Int(key string, fallback int) int {
	v, ok := a[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

// StringSlice returns a list argument. A scalar string becomes a single
// element; a comma-separated string is split only by callers that want that.
func (a Args) StringSlice(key string) []string {
	v, ok := a[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}

// Error classifies a module invocation failure: unknown module, bad
// arguments, or a broken contract with the target.
type Error struct {
	Module string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("module %s: %s: %v", e.Module, e.Op, e.Err)
	}
	return fmt.Sprintf("module: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a module Error.
func NewError(module, op string, err error) *Error {
	return &Error{Module: module, Op: op, Err: err}
}
