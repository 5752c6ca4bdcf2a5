package template

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// registerBuiltinLookups installs the built-in lookup plugins.
func registerBuiltinLookups(e *Engine) {
	e.RegisterLookup("env", lookupEnv)
	e.RegisterLookup("file", lookupFile)
	e.RegisterLookup("lines", lookupLines)
	e.RegisterLookup("pipe", lookupPipe)
	e.RegisterLookup("fileglob", lookupFileglob)
	e.RegisterLookup("first_found", lookupFirstFound)
	e.RegisterLookup("dict", lookupDict)
	e.RegisterLookup("items", lookupItems)
}

// lookupEnv returns the environment value or the default kwarg. Never fails
// on an unset variable.
func lookupEnv(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("env: variable name is required")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("env: variable name must be a string")
	}
	if v, found := os.LookupEnv(name); found {
		return v, nil
	}
	if d, found := kwargs["default"]; found {
		return d, nil
	}
	if len(args) > 1 {
		return args[1], nil
	}
	return nil, nil
}

// lookupFile returns the file content with the trailing newline stripped.
func lookupFile(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	path, err := onePath("file", args)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// lookupLines returns the ordered lines of a file, one element per line,
// without trailing newlines and without deduplication.
func lookupLines(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	path, err := onePath("lines", args)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lines: %w", err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []interface{}{}, nil
	}
	raw := strings.Split(text, "\n")
	out := make([]interface{}, len(raw))
	for i, l := range raw {
		out[i] = strings.TrimSuffix(l, "\r")
	}
	return out, nil
}

// lookupPipe runs a command through the local shell and returns its captured
// standard output.
func lookupPipe(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("pipe: command is required")
	}
	cmd, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("pipe: command must be a string")
	}
	out, err := exec.Command("/bin/sh", "-c", cmd).Output()
	if err != nil {
		return nil, fmt.Errorf("pipe: %q failed: %w", cmd, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// lookupFileglob returns the matching absolute paths in sorted (and therefore
// deterministic) order.
func lookupFileglob(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	pattern, err := onePath("fileglob", args)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("fileglob: %w", err)
	}
	sort.Strings(matches)
	out := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			abs = m
		}
		out = append(out, abs)
	}
	return out, nil
}

// lookupFirstFound returns the first candidate path that exists.
func lookupFirstFound(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	candidates := args
	if len(args) == 1 {
		if list, ok := args[0].([]interface{}); ok {
			candidates = list
		}
	}
	for _, c := range candidates {
		path, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf("first_found: candidates must be strings, got %T", c)
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return nil, fmt.Errorf("first_found: no candidate file exists")
}

// lookupDict turns a mapping into an ordered sequence of {key, value}
// records, sorted by key for determinism.
func lookupDict(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("dict: expects a mapping")
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("dict: expects a mapping, got %T", args[0])
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]interface{}{"key": k, "value": m[k]})
	}
	return out, nil
}

// lookupItems returns the positional arguments unchanged as a sequence.
func lookupItems(args []interface{}, _ map[string]interface{}) (interface{}, error) {
	out := make([]interface{}, len(args))
	copy(out, args)
	return out, nil
}

func onePath(name string, args []interface{}) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%s: path is required", name)
	}
	path, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: path must be a string", name)
	}
	return path, nil
}
