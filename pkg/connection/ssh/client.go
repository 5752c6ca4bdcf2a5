package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/opsrig/opsrig/pkg/connection"
)

// Client implements the Connection capability over SSH. One Client serves
// one host for one playbook run.
type Client struct {
	config *Config
	dial   func(network, address string, cfg *ssh.ClientConfig) (*ssh.Client, error)

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
}

// NewClient creates an SSH connection for the configured host.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config, dial: ssh.Dial}, nil
}

// Connect establishes the SSH session. Reconnecting over a dead session is
// handled transparently.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if c.aliveLocked() {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.client = nil
	}

	clientConfig, err := c.config.buildClientConfig()
	if err != nil {
		return &connection.TransportError{Op: "connect", Host: c.config.Host, Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client)
	errChan := make(chan error, 1)
	go func() {
		client, err := c.dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- client:
		case <-ctx.Done():
			// Nobody is waiting for this connection anymore.
			_ = client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return &connection.TransportError{Op: "connect", Host: c.config.Host, Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &connection.TransportError{Op: "connect", Host: c.config.Host, Err: err, IsTemporary: true}
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close releases the SSH session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &connection.TransportError{Op: "close", Host: c.config.Host, Err: err}
	}
	return nil
}

// aliveLocked probes the session with a no-op command.
func (c *Client) aliveLocked() bool {
	session, err := c.client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("true") == nil
}

// session returns the active ssh client, connecting on demand.
func (c *Client) session(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		return client, nil
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, nil
}

// Run executes a command on the remote host. A non-zero exit code is
// reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, command string, opts connection.RunOptions) (*connection.RunResult, error) {
	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &connection.TransportError{
			Op: "run", Host: c.config.Host,
			Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true,
		}
	}
	defer session.Close()

	finalCmd := command
	if opts.Cwd != "" {
		finalCmd = fmt.Sprintf("cd %s && %s", shQuote(opts.Cwd), finalCmd)
	}
	if opts.Become {
		if c.config.SudoPassword != "" {
			finalCmd = fmt.Sprintf("echo %s | sudo -S %s", shQuote(c.config.SudoPassword), finalCmd)
		} else {
			finalCmd = "sudo " + finalCmd
		}
	}
	if opts.Stdin != "" {
		session.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", command).Bool("become", opts.Become).Msg("executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, &connection.TransportError{Op: "run", Host: c.config.Host, Err: ctx.Err(), IsTemporary: true}
	case execErr = <-doneChan:
	}

	result := &connection.RunResult{
		Stdout: strings.TrimRight(stdoutBuf.String(), "\n"),
		Stderr: strings.TrimRight(stderrBuf.String(), "\n"),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", command).
		Dur("duration", time.Since(start)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.RC = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &connection.TransportError{Op: "run", Host: c.config.Host, Err: execErr, IsTemporary: true}
	}
	return result, nil
}

// shQuote single-quotes a string for the remote shell.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
