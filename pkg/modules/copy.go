package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func init() { Register(&copyModule{}) }

// copyModule uploads a local file (or inline content) to the target,
// skipping the transfer when the destination already has the same checksum.
type copyModule struct{}

func (m *copyModule) Name() string { return "copy" }

func (m *copyModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	dest, ok := args.String("dest")
	if !ok || dest == "" {
		return Fail("missing required argument: dest"), nil
	}
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	src, hasSrc := args.String("src")
	content, hasContent := args.String("content")
	if hasSrc == hasContent {
		return Fail("exactly one of src or content is required"), nil
	}

	// Inline content goes through a temp file so both paths share the
	// same transfer code.
	if hasContent {
		tmp, err := os.CreateTemp("", "opsrig-copy-*")
		if err != nil {
			return nil, NewError(m.Name(), "tempfile", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			return nil, NewError(m.Name(), "tempfile", err)
		}
		if err := tmp.Close(); err != nil {
			return nil, NewError(m.Name(), "tempfile", err)
		}
		src = tmp.Name()
	}

	localSum, err := localChecksum(src)
	if err != nil {
		return Fail("could not read source %s: %v", src, err), nil
	}

	fi, err := ec.Conn.Stat(ctx, dest)
	if err != nil {
		return nil, err
	}
	if fi.Exists && fi.Checksum == localSum {
		return &Result{
			Msg:     "file already up to date",
			Results: map[string]interface{}{"checksum": localSum, "dest": dest},
		}, nil
	}

	res := &Result{
		Changed: true,
		Results: map[string]interface{}{"checksum": localSum, "dest": dest},
	}
	if ec.Diff {
		res.Diff = map[string]interface{}{
			"before": map[string]interface{}{"path": dest, "checksum": fi.Checksum, "exists": fi.Exists},
			"after":  map[string]interface{}{"path": dest, "checksum": localSum, "exists": true},
		}
	}
	if ec.Check {
		res.Msg = "file would be copied: check mode"
		return res, nil
	}

	if err := ec.Conn.Put(ctx, src, dest); err != nil {
		return nil, err
	}
	if modeStr, ok := args.String("mode"); ok {
		if err := m.chmod(ctx, ec, dest, modeStr); err != nil {
			return Fail("copied but could not set mode %s: %v", modeStr, err), nil
		}
	}
	res.Msg = "file copied"
	return res, nil
}

func (m *copyModule) chmod(ctx context.Context, ec *ExecContext, dest, mode string) error {
	if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
		return fmt.Errorf("invalid mode %q: %w", mode, err)
	}
	run, err := ec.Conn.Run(ctx, fmt.Sprintf("chmod %s %s", mode, shellQuote(dest)), runShell())
	if err != nil {
		return err
	}
	if run.RC != 0 {
		return fmt.Errorf("chmod exited %d: %s", run.RC, run.Stderr)
	}
	return nil
}

func localChecksum(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
