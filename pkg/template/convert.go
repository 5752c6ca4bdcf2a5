package template

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// varsDict is a starlark dict whose keys are also reachable as attributes,
// so playbook expressions can use both result["stdout"] and result.stdout.
type varsDict struct {
	*starlark.Dict
}

// Attr resolves attribute access: mapping keys first, then the regular dict
// methods (get, keys, items, ...).
func (d *varsDict) Attr(name string) (starlark.Value, error) {
	if v, found, err := d.Dict.Get(starlark.String(name)); err == nil && found {
		return v, nil
	}
	return d.Dict.Attr(name)
}

func (d *varsDict) AttrNames() []string {
	names := d.Dict.AttrNames()
	for _, k := range d.Dict.Keys() {
		if s, ok := starlark.AsString(k); ok {
			names = append(names, s)
		}
	}
	return names
}

// CompareSameType unwraps the other side so dict == dict comparisons work
// across the wrapper.
func (d *varsDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	if o, ok := y.(*varsDict); ok {
		y = o.Dict
	}
	return d.Dict.CompareSameType(op, y, depth)
}

// toStarlark converts a Go value (as produced by the YAML and JSON decoders)
// into a starlark value.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(float64(val)), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return &varsDict{Dict: dict}, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlark converts a starlark value back into a plain Go value.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromStarlarkSeq(val.Len(), val.Index)
	case starlark.Tuple:
		return fromStarlarkSeq(val.Len(), val.Index)
	case *varsDict:
		return fromStarlarkDict(val.Dict)
	case *starlark.Dict:
		return fromStarlarkDict(val)
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSeq(n int, index func(int) starlark.Value) (interface{}, error) {
	list := make([]interface{}, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlark(index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

func fromStarlarkDict(d *starlark.Dict) (interface{}, error) {
	out := make(map[string]interface{}, d.Len())
	for _, item := range d.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
		}
		val, err := fromStarlark(item[1])
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}
