package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/opsrig/opsrig/pkg/connection"
)

func init() {
	Register(&pauseModule{})
	Register(&waitForConnectionModule{})
}

// pauseModule sleeps for a fixed duration. It runs even in check mode.
type pauseModule struct{}

func (m *pauseModule) Name() string { return "pause" }

func (m *pauseModule) Run(ctx context.Context, _ *ExecContext, args Args) (*Result, error) {
	seconds := args.Int("seconds", 0)
	if minutes := args.Int("minutes", 0); minutes > 0 {
		seconds += minutes * 60
	}
	if seconds <= 0 {
		return Fail("pause requires seconds or minutes"), nil
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{
		Msg:     fmt.Sprintf("paused for %d seconds", seconds),
		Results: map[string]interface{}{"delta": seconds},
	}, nil
}

// waitForConnectionModule polls the transport until a trivial command
// succeeds or the timeout elapses.
type waitForConnectionModule struct{}

func (m *waitForConnectionModule) Name() string { return "wait_for_connection" }

func (m *waitForConnectionModule) Run(ctx context.Context, ec *ExecContext, args Args) (*Result, error) {
	if ec.Conn == nil {
		return nil, NewError(m.Name(), "run", fmt.Errorf("no connection for host %s", ec.Host))
	}

	timeout := time.Duration(args.Int("timeout", 600)) * time.Second
	sleep := time.Duration(args.Int("sleep", 1)) * time.Second
	if delay := time.Duration(args.Int("delay", 0)) * time.Second; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	if err := waitForTransport(ctx, ec, timeout, sleep); err != nil {
		return Fail("timed out waiting for connection: %v", err), nil
	}
	return &Result{
		Msg:     "connection established",
		Results: map[string]interface{}{"elapsed": int(time.Since(start).Seconds())},
	}, nil
}

// waitForTransport polls Connect plus a probe command until success, the
// deadline or context cancellation.
func waitForTransport(ctx context.Context, ec *ExecContext, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if time.Now().After(deadline) {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("deadline exceeded")
		}
		if err := ec.Conn.Connect(ctx); err != nil {
			lastErr = err
		} else if _, err := ec.Conn.Run(ctx, "true", connection.RunOptions{}); err != nil {
			lastErr = err
		} else {
			return nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
