package engine

import (
	"time"

	"github.com/opsrig/opsrig/pkg/modules"
)

// TaskResult is one module execution on one host.
type TaskResult struct {
	Host     string
	Task     string
	Module   string
	Result   *modules.Result
	Status   HostStatus // status the result drove the host into, if terminal
	Duration time.Duration
	Handler  bool
}

// Changed reports whether the task changed the host.
func (r *TaskResult) Changed() bool {
	return r.Result != nil && r.Result.Changed
}

// Failed reports an unignored failure or an unreachable host.
func (r *TaskResult) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusUnreachable
}

// HostSummary is the per-host recap at the end of a run.
type HostSummary struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
	Ignored     int `json:"ignored"`
}

// PlayResult collects the outcome of one play.
type PlayResult struct {
	Play    *Play
	Hosts   []string
	Tasks   []*TaskResult
	Started time.Time
	Ended   time.Time
}

// RunResult is the outcome of a whole playbook run.
type RunResult struct {
	RunID    string
	Playbook string
	Check    bool
	Plays    []*PlayResult
	Summary  map[string]*HostSummary
	Started  time.Time
	Ended    time.Time
}

// Failed reports whether any host failed or was unreachable.
func (r *RunResult) Failed() bool {
	for _, s := range r.Summary {
		if s.Failed > 0 || s.Unreachable > 0 {
			return true
		}
	}
	return false
}

// record folds one task result into the run summary.
func (r *RunResult) record(tr *TaskResult) {
	s, ok := r.Summary[tr.Host]
	if !ok {
		s = &HostSummary{}
		r.Summary[tr.Host] = s
	}
	res := tr.Result
	switch {
	case tr.Status == StatusUnreachable:
		s.Unreachable++
	case tr.Status == StatusFailed:
		s.Failed++
	case res != nil && res.Failed:
		// Failure kept non-fatal by ignore_errors.
		s.Ignored++
	case res != nil && res.Skipped:
		s.Skipped++
	default:
		s.OK++
	}
	if res != nil && res.Changed && tr.Status != StatusUnreachable {
		s.Changed++
	}
}
