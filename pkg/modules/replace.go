package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

func init() { Register(&replaceModule{}) }

// replaceModule rewrites every match of a regular expression in a remote
// file. The file travels through the transport, so the module prefers to
// run on the target itself via the remote helper.
type replaceModule struct{}

func (m *replaceModule) Name() string { return "replace" }

func (m *replaceModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	path, ok := args.String("path")
	if !ok || path == "" {
		return Fail("missing required argument: path"), nil
	}
	pattern, ok := args.String("regexp")
	if !ok || pattern == "" {
		return Fail("missing required argument: regexp"), nil
	}
	replacement := args.StringDefault("replace", "")
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return Fail("invalid regexp %q: %v", pattern, err), nil
	}

	fi, err := ec.Conn.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if !fi.Exists {
		return Fail("path %s does not exist", path), nil
	}

	tmpDir, err := os.MkdirTemp("", "opsrig-replace-*")
	if err != nil {
		return nil, NewError(m.Name(), "tempdir", err)
	}
	defer os.RemoveAll(tmpDir)
	local := filepath.Join(tmpDir, "work")

	if err := ec.Conn.Get(ctx, path, local); err != nil {
		return nil, err
	}
	before, err := os.ReadFile(local)
	if err != nil {
		return nil, NewError(m.Name(), "read", err)
	}

	after := re.ReplaceAll(before, []byte(replacement))
	if string(after) == string(before) {
		return &Result{Msg: "no matches"}, nil
	}

	matches := len(re.FindAll(before, -1))
	res := &Result{
		Changed: true,
		Msg:     fmt.Sprintf("%d replacements made", matches),
	}
	if ec.Diff {
		res.Diff = map[string]interface{}{
			"before": string(before),
			"after":  string(after),
		}
	}
	if ec.Check {
		res.Msg = fmt.Sprintf("%d replacements would be made: check mode", matches)
		return res, nil
	}

	if err := os.WriteFile(local, after, 0o600); err != nil {
		return nil, NewError(m.Name(), "write", err)
	}
	if err := ec.Conn.Put(ctx, local, path); err != nil {
		return nil, err
	}
	return res, nil
}
