package template

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"go.starlark.net/starlark"
)

// registerFilters installs the filter builtins into an evaluation
// environment. Filters are ordinary functions; the pipe rewrite turns
// "x | f(a)" into "f(x, a)". Starlark's universe already provides len, min,
// max, int, bool and friends, so those are not duplicated here.
func registerFilters(env starlark.StringDict) {
	for name, fn := range builtinFilters {
		env[name] = goBuiltin(name, fn)
	}
}

// goFunc is a builtin operating on plain Go values.
type goFunc func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// goBuiltin wraps a goFunc as a starlark builtin, converting values at the
// boundary.
func goBuiltin(name string, fn goFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		goArgs := make([]interface{}, len(args))
		for i, a := range args {
			v, err := fromStarlark(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			goArgs[i] = v
		}
		goKwargs := make(map[string]interface{}, len(kwargs))
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			v, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			goKwargs[key] = v
		}
		out, err := fn(goArgs, goKwargs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return toStarlark(out)
	})
}

var builtinFilters = map[string]goFunc{
	"default": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("expects a fallback value")
		}
		v := args[0]
		if v == nil || v == "" {
			return args[1], nil
		}
		// default(v, d, true) falls back on any falsy value.
		if len(args) > 2 {
			if b, ok := args[2].(bool); ok && b && !truthy(v) {
				return args[1], nil
			}
		}
		return v, nil
	},

	"upper": stringFilter(strings.ToUpper),
	"lower": stringFilter(strings.ToLower),
	"trim":  stringFilter(strings.TrimSpace),

	"basename": stringFilter(filepath.Base),
	"dirname":  stringFilter(filepath.Dir),

	"length": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expects one value")
		}
		switch v := args[0].(type) {
		case string:
			return int64(len(v)), nil
		case []interface{}:
			return int64(len(v)), nil
		case map[string]interface{}:
			return int64(len(v)), nil
		default:
			return nil, fmt.Errorf("cannot take length of %T", args[0])
		}
	},

	"join": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("expects a sequence")
		}
		list, ok := args[0].([]interface{})
		if !ok {
			return nil, fmt.Errorf("expects a sequence, got %T", args[0])
		}
		sep := " "
		if len(args) > 1 {
			if s, ok := args[1].(string); ok {
				sep = s
			}
		}
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, sep), nil
	},

	"split": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("expects a string")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("expects a string, got %T", args[0])
		}
		var parts []string
		if len(args) > 1 {
			sep, _ := args[1].(string)
			parts = strings.Split(s, sep)
		} else {
			parts = strings.Fields(s)
		}
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	},

	"replace": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("expects (string, old, new)")
		}
		s, ok1 := args[0].(string)
		old, ok2 := args[1].(string)
		new_, ok3 := args[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("expects string arguments")
		}
		return strings.ReplaceAll(s, old, new_), nil
	},

	"first": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		list, err := oneList(args)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("sequence is empty")
		}
		return list[0], nil
	},

	"last": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		list, err := oneList(args)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("sequence is empty")
		}
		return list[len(list)-1], nil
	},

	"unique": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		list, err := oneList(args)
		if err != nil {
			return nil, err
		}
		var out []interface{}
		for _, item := range list {
			dup := false
			for _, seen := range out {
				if reflect.DeepEqual(item, seen) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, item)
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		return out, nil
	},

	"to_json": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expects one value")
		}
		b, err := json.Marshal(args[0])
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},

	"from_json": func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expects one value")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("expects a string, got %T", args[0])
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	},
}

func stringFilter(fn func(string) string) goFunc {
	return func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expects one string")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("expects a string, got %T", args[0])
		}
		return fn(s), nil
	}
}

func oneList(args []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expects one sequence")
	}
	list, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("expects a sequence, got %T", args[0])
	}
	return list, nil
}
