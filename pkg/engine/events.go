package engine

// EventSink receives run lifecycle notifications. The CLI uses it to print
// play output; telemetry uses it to record metrics and spans.
type EventSink interface {
	RunStart(runID, playbook string)
	PlayStart(play *Play, hosts []string)
	TaskStart(play *Play, task *Task)
	TaskDone(result *TaskResult)
	RunDone(result *RunResult)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RunStart(string, string)    {}
func (NopSink) PlayStart(*Play, []string) {}
func (NopSink) TaskStart(*Play, *Task)    {}
func (NopSink) TaskDone(*TaskResult)      {}
func (NopSink) RunDone(*RunResult)        {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) RunStart(runID, playbook string) {
	for _, s := range m {
		s.RunStart(runID, playbook)
	}
}

func (m MultiSink) PlayStart(p *Play, hosts []string) {
	for _, s := range m {
		s.PlayStart(p, hosts)
	}
}

func (m MultiSink) TaskStart(p *Play, t *Task) {
	for _, s := range m {
		s.TaskStart(p, t)
	}
}

func (m MultiSink) TaskDone(r *TaskResult) {
	for _, s := range m {
		s.TaskDone(r)
	}
}

func (m MultiSink) RunDone(r *RunResult) {
	for _, s := range m {
		s.RunDone(r)
	}
}
