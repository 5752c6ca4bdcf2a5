package connection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Local executes commands on the controller itself. It backs localhost
// targets and the delegated-execution escape hatch.
type Local struct{}

// NewLocal creates a local connection.
func NewLocal() *Local { return &Local{} }

// Connect is a no-op for the local transport.
func (l *Local) Connect(_ context.Context) error { return nil }

// Close is a no-op for the local transport.
func (l *Local) Close() error { return nil }

// Run executes a command locally.
func (l *Local) Run(ctx context.Context, command string, opts RunOptions) (*RunResult, error) {
	if opts.Become {
		command = "sudo " + command
	}

	var cmd *exec.Cmd
	if opts.Shell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	} else {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			return nil, &TransportError{Op: "run", Err: errors.New("empty command")}
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("command", command).Bool("shell", opts.Shell).Msg("executing local command")

	err := cmd.Run()
	result := &RunResult{
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.RC = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "run", Err: ctx.Err(), IsTemporary: true}
		}
		return nil, &TransportError{Op: "run", Err: err}
	}
	return result, nil
}

// Stat inspects a local path.
func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileInfo{Exists: false}, nil
		}
		return nil, &TransportError{Op: "stat", Err: err}
	}

	info := &FileInfo{
		Exists: true,
		IsDir:  fi.IsDir(),
		IsFile: fi.Mode().IsRegular(),
		Mode:   uint32(fi.Mode().Perm()),
		Size:   fi.Size(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		info.UID = int(st.Uid)
		info.GID = int(st.Gid)
	}
	if info.IsFile {
		sum, err := localChecksum(path)
		if err != nil {
			return nil, &TransportError{Op: "stat", Err: err}
		}
		info.Checksum = sum
	}
	return info, nil
}

// Get copies a local file to another local path.
func (l *Local) Get(_ context.Context, remote, local string) error {
	return copyFile(remote, local)
}

// Put copies a local file to another local path.
func (l *Local) Put(_ context.Context, local, remote string) error {
	return copyFile(local, remote)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &TransportError{Op: "copy", Err: err}
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return &TransportError{Op: "copy", Err: err}
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return &TransportError{Op: "copy", Err: err}
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return &TransportError{Op: "copy", Err: fmt.Errorf("copy %s to %s: %w", src, dst, err)}
	}
	return out.Close()
}

func localChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
