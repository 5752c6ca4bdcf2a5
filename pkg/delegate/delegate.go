// Package delegate runs modules on the target host through the opsrig-runner
// helper binary. The helper is uploaded once per host, invoked per task, and
// speaks JSON over stdio: an Invocation on stdin, a Response on stdout.
package delegate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/modules"
)

// DefaultRemotePath is where the helper lands on the target.
const DefaultRemotePath = "/tmp/.opsrig-runner"

// Invocation is the request sent to the helper on stdin.
type Invocation struct {
	Module string       `json:"module"`
	Args   modules.Args `json:"args"`
	Check  bool         `json:"check"`
	Diff   bool         `json:"diff"`
}

// Response is the helper's reply on stdout. Exactly one of Result or Error
// is set.
type Response struct {
	Result *modules.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client uploads and invokes the helper over a host's transport.
type Client struct {
	conn       connection.Connection
	host       string
	helperPath string
	remotePath string
	installed  bool
}

// NewClient builds a delegate client for one host. helperPath is the local
// helper binary; empty means a sibling of the running executable.
func NewClient(conn connection.Connection, host, helperPath string) *Client {
	return &Client{
		conn:       conn,
		host:       host,
		helperPath: helperPath,
		remotePath: DefaultRemotePath,
	}
}

// HelperPath resolves the local helper binary path.
func HelperPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "opsrig-runner"), nil
}

// Run uploads the helper if needed and executes one module invocation on the
// target.
func (c *Client) Run(ctx context.Context, inv *Invocation) (*modules.Result, error) {
	if err := c.ensureInstalled(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, modules.NewError(inv.Module, "delegate", err)
	}

	run, err := c.conn.Run(ctx, c.remotePath, connection.RunOptions{Stdin: string(payload)})
	if err != nil {
		return nil, err
	}
	if run.RC != 0 {
		return nil, modules.NewError(inv.Module, "delegate",
			fmt.Errorf("helper exited %d: %s", run.RC, strings.TrimSpace(run.Stderr)))
	}

	var resp Response
	if err := json.Unmarshal([]byte(run.Stdout), &resp); err != nil {
		return nil, modules.NewError(inv.Module, "delegate",
			fmt.Errorf("malformed helper response: %w", err))
	}
	if resp.Error != "" {
		return nil, modules.NewError(inv.Module, "delegate", fmt.Errorf("%s", resp.Error))
	}
	if resp.Result == nil {
		return nil, modules.NewError(inv.Module, "delegate", fmt.Errorf("empty helper response"))
	}
	return resp.Result, nil
}

// ensureInstalled uploads the helper unless the remote copy already matches
// the local checksum.
func (c *Client) ensureInstalled(ctx context.Context) error {
	if c.installed {
		return nil
	}

	localPath, err := HelperPath(c.helperPath)
	if err != nil {
		return err
	}
	localSum, err := fileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("failed to read helper binary %s: %w", localPath, err)
	}

	fi, err := c.conn.Stat(ctx, c.remotePath)
	if err != nil {
		return err
	}
	if fi.Exists && fi.Checksum == localSum {
		c.installed = true
		return nil
	}

	log.Debug().Str("host", c.host).Str("path", c.remotePath).Msg("uploading runner helper")
	if err := c.conn.Put(ctx, localPath, c.remotePath); err != nil {
		return err
	}
	if run, err := c.conn.Run(ctx, "chmod 755 "+c.remotePath, connection.RunOptions{Shell: true}); err != nil {
		return err
	} else if run.RC != 0 {
		return fmt.Errorf("chmod on helper failed: %s", strings.TrimSpace(run.Stderr))
	}
	c.installed = true
	return nil
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
