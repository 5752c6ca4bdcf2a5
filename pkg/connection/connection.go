// Package connection defines the transport capability every remote-execution
// backend implements. The scheduler and modules are transport-agnostic: an
// SSH-like, WinRM-like or local backend all expose the same surface.
package connection

import (
	"context"
)

// Connection is the remote-execution capability. One instance serves exactly
// one host for the duration of a playbook run; instances are never shared
// across hosts. Every method that can block takes a context and must honor
// its cancellation.
type Connection interface {
	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// Close releases the session and all resources. Safe to call more than
	// once and on a never-connected instance.
	Close() error

	// Run executes a command on the target and returns its outcome. A
	// non-zero exit code is reported in RunResult, not as an error; errors
	// are reserved for transport faults.
	Run(ctx context.Context, command string, opts RunOptions) (*RunResult, error)

	// Stat inspects a remote path. A missing path is not an error: the
	// result reports Exists=false.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Get copies a remote file to a local path.
	Get(ctx context.Context, remote, local string) error

	// Put copies a local file to a remote path.
	Put(ctx context.Context, local, remote string) error
}

// RunOptions controls command execution.
type RunOptions struct {
	// Shell runs the command through the target's shell instead of a plain
	// argv execution.
	Shell bool

	// Cwd is the working directory for the command, if non-empty.
	Cwd string

	// Become elevates privileges (sudo or equivalent).
	Become bool

	// Stdin is passed to the command's standard input when non-empty.
	Stdin string
}

// RunResult is the outcome of one command execution.
type RunResult struct {
	// RC is the command's exit code.
	RC int `json:"rc"`

	// Stdout is the captured standard output, trailing whitespace trimmed.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error, trailing whitespace trimmed.
	Stderr string `json:"stderr"`
}

// FileInfo describes a remote path.
type FileInfo struct {
	Exists   bool   `json:"exists"`
	IsDir    bool   `json:"is_dir"`
	IsFile   bool   `json:"is_file"`
	Mode     uint32 `json:"mode"`
	Size     int64  `json:"size"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Checksum string `json:"checksum,omitempty"`
}

// TransportError represents a transport-layer fault. A host that produces
// one while connecting or executing is marked unreachable.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "run", "put").
	Op string

	// Host is the target host, if known.
	Host string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may succeed on retry.
	IsTemporary bool

	// IsAuthError indicates an authentication rejection.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return e.Op + " " + e.Host + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Temporary() bool { return e.IsTemporary }

// Factory builds a Connection for a host. The scheduler calls it once per
// host per run and owns the returned connection's lifecycle.
type Factory func(host string, port int, vars map[string]interface{}) (Connection, error)
