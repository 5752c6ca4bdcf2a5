package engine

import "fmt"

// HostStatus tracks a host through a play.
type HostStatus string

const (
	// StatusPending means the host has not started the play yet.
	StatusPending HostStatus = "pending"
	// StatusRunning means the host is executing tasks.
	StatusRunning HostStatus = "running"
	// StatusOK means every task completed without an unignored failure.
	StatusOK HostStatus = "ok"
	// StatusFailed means a task failed and stopped the host.
	StatusFailed HostStatus = "failed"
	// StatusUnreachable means the transport could not reach the host.
	StatusUnreachable HostStatus = "unreachable"
	// StatusSkipped means the host was ended early by a meta directive.
	StatusSkipped HostStatus = "skipped"
)

// transitions encodes the legal host state machine.
var transitions = map[HostStatus][]HostStatus{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusOK, StatusFailed, StatusUnreachable, StatusSkipped},
}

// advance validates and applies a state change.
func advance(from, to HostStatus) (HostStatus, error) {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal host status transition %s -> %s", from, to)
}

// terminal reports whether a status ends the host's participation.
func (s HostStatus) terminal() bool {
	switch s {
	case StatusOK, StatusFailed, StatusUnreachable, StatusSkipped:
		return true
	}
	return false
}
