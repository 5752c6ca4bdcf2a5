// Package template evaluates the expression sublanguage used by playbooks:
// "{{ expr }}" interpolation inside strings and nested structures, bare
// boolean expressions for when clauses, pipe-style filter chains, and the
// lookup plugin mechanism.
//
// Expressions are executed on a Starlark interpreter: variable references
// with dotted and bracket access, literals, arithmetic, comparisons,
// and/or/not and membership all come from the language itself; filters and
// lookups are installed as builtins, with "a | f(x)" rewritten to "f(a, x)"
// before evaluation.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
)

// Error represents an expression or lookup evaluation fault. The owning task
// fails with the error text as its msg.
type Error struct {
	// Expr is the expression or lookup that failed.
	Expr string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Expr != "" {
		return fmt.Sprintf("template error in %q: %s", e.Expr, e.Message)
	}
	return fmt.Sprintf("template error: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(expr, format string, args ...interface{}) *Error {
	return &Error{Expr: expr, Message: fmt.Sprintf(format, args...)}
}

// LookupFunc is a lookup plugin. Positional args and keyword args arrive as
// plain Go values; the returned value is converted back into the expression.
type LookupFunc func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Engine evaluates expressions against a variable mapping. Evaluation is
// pure apart from lookup invocation.
type Engine struct {
	lookups map[string]LookupFunc
}

// NewEngine creates an engine with the built-in lookup plugins registered.
func NewEngine() *Engine {
	e := &Engine{lookups: make(map[string]LookupFunc)}
	registerBuiltinLookups(e)
	return e
}

// RegisterLookup installs a named lookup plugin, replacing any existing one.
func (e *Engine) RegisterLookup(name string, fn LookupFunc) {
	e.lookups[name] = fn
}

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// ContainsTemplate reports whether s has any interpolation markers left.
func ContainsTemplate(s string) bool {
	return strings.Contains(s, openMarker)
}

// TemplateString resolves all "{{ expr }}" occurrences in s. A string that
// is exactly one expression keeps the native type of the result; mixed text
// concatenates stringified results. A string without markers is returned
// unchanged, so re-templating a fully resolved value is idempotent.
func (e *Engine) TemplateString(s string, vars map[string]interface{}) (interface{}, error) {
	if !ContainsTemplate(s) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) {
		inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
		if !strings.Contains(inner, closeMarker) {
			return e.Evaluate(strings.TrimSpace(inner), vars)
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openMarker):]

		end := strings.Index(rest, closeMarker)
		if end < 0 {
			return nil, newError(s, "unterminated %q marker", openMarker)
		}
		expr := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeMarker):]

		val, err := e.Evaluate(expr, vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

// TemplateValue resolves template markers through nested maps and slices,
// returning a deep copy with every string templated.
func (e *Engine) TemplateValue(v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return e.TemplateString(val, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := e.TemplateValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := e.TemplateValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Evaluate executes a bare expression (no markers) against vars and returns
// its native value.
func (e *Engine) Evaluate(expr string, vars map[string]interface{}) (interface{}, error) {
	rewritten, err := rewritePipes(expr)
	if err != nil {
		return nil, err
	}

	env := starlark.StringDict{}
	registerFilters(env)
	env["lookup"] = e.lookupBuiltin()
	for k, v := range vars {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, newError(expr, "variable %s: %v", k, err)
		}
		env[k] = sv
	}

	thread := &starlark.Thread{Name: "expr"}
	val, err := starlark.Eval(thread, "<expr>", rewritten, env)
	if err != nil {
		return nil, &Error{Expr: expr, Message: evalMessage(err), Err: err}
	}
	return fromStarlark(val)
}

// EvaluateWhen evaluates a when clause: each condition is templated, then
// coerced to a boolean; conditions are AND-combined and an empty list is
// trivially true.
func (e *Engine) EvaluateWhen(conds []string, vars map[string]interface{}) (bool, error) {
	for _, cond := range conds {
		ok, err := e.evaluateCond(cond, vars)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evaluateCond(cond string, vars map[string]interface{}) (bool, error) {
	// Conditions may arrive pre-wrapped in markers; resolve those first.
	v, err := e.TemplateString(cond, vars)
	if err != nil {
		return false, err
	}

	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return false, nil
		}
		// Bare literals short-circuit without the interpreter.
		switch s {
		case "true", "True", "yes":
			return true, nil
		case "false", "False", "no":
			return false, nil
		}
		v, err = e.Evaluate(s, vars)
		if err != nil {
			return false, err
		}
	}
	return truthy(v), nil
}

// truthy applies the conditional coercion rules: nil, false, zero, empty
// string and empty collections are falsy, everything else truthy.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

// lookupBuiltin bridges lookup(name, *args, **kwargs) into the registered
// lookup plugins.
func (e *Engine) lookupBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("lookup", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("lookup: plugin name is required")
		}
		name, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("lookup: plugin name must be a string")
		}
		fn, ok := e.lookups[name]
		if !ok {
			return nil, fmt.Errorf("lookup: unknown plugin %q", name)
		}

		goArgs := make([]interface{}, 0, len(args)-1)
		for _, a := range args[1:] {
			v, err := fromStarlark(a)
			if err != nil {
				return nil, err
			}
			goArgs = append(goArgs, v)
		}
		goKwargs := make(map[string]interface{}, len(kwargs))
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			v, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			goKwargs[key] = v
		}

		out, err := fn(goArgs, goKwargs)
		if err != nil {
			return nil, fmt.Errorf("lookup %q: %w", name, err)
		}
		return toStarlark(out)
	})
}

// evalMessage trims starlark's file:line prefix down to the fault itself.
func evalMessage(err error) string {
	var evalErr *starlark.EvalError
	if ok := asEvalError(err, &evalErr); ok {
		return evalErr.Msg
	}
	return err.Error()
}

func asEvalError(err error, target **starlark.EvalError) bool {
	e, ok := err.(*starlark.EvalError)
	if ok {
		*target = e
	}
	return ok
}

// stringify renders an expression result for interpolation into text.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
