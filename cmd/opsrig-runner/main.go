// Package main implements the opsrig-runner helper binary. It is uploaded
// to target hosts by the controller, reads one module invocation as JSON on
// stdin, executes it against the local system and writes the result as JSON
// on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsrig/opsrig/pkg/delegate"
)

const invocationTimeout = 30 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, invocationTimeout)
	defer timeoutCancel()

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fail(fmt.Sprintf("failed to read invocation: %v", err))
	}

	var inv delegate.Invocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return fail(fmt.Sprintf("malformed invocation: %v", err))
	}
	if inv.Module == "" {
		return fail("invocation missing module name")
	}

	resp := delegate.Execute(ctx, &inv)
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", err)
		return 1
	}
	return 0
}

// fail reports a protocol-level error on stdout so the controller can parse
// it, and exits non-zero.
func fail(msg string) int {
	_ = json.NewEncoder(os.Stdout).Encode(&delegate.Response{Error: msg})
	return 1
}
