package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/opsrig/opsrig/pkg/engine"
	"github.com/opsrig/opsrig/pkg/modules"
)

const headerWidth = 79

// printSink renders run progress and the final recap to the terminal.
type printSink struct {
	w    io.Writer
	diff bool
}

func newPrintSink(w io.Writer, diff bool) *printSink {
	return &printSink{w: w, diff: diff}
}

func (p *printSink) header(text string) {
	pad := headerWidth - len(text) - 1
	if pad < 5 {
		pad = 5
	}
	fmt.Fprintf(p.w, "\n%s %s\n", text, strings.Repeat("*", pad))
}

func (p *printSink) RunStart(runID, playbook string) {
	fmt.Fprintf(p.w, "run %s: %s\n", runID, playbook)
}

func (p *printSink) PlayStart(play *engine.Play, hosts []string) {
	p.header(fmt.Sprintf("PLAY [%s]", play.Name))
	if len(hosts) == 0 {
		fmt.Fprintln(p.w, "skipping: no hosts matched")
	}
}

func (p *printSink) TaskStart(play *engine.Play, task *engine.Task) {
	p.header(fmt.Sprintf("TASK [%s]", task.Name))
}

func (p *printSink) TaskDone(r *engine.TaskResult) {
	if r.Handler {
		fmt.Fprintf(p.w, "RUNNING HANDLER [%s]\n", r.Task)
	}
	res := r.Result
	switch {
	case r.Status == engine.StatusUnreachable:
		fmt.Fprintf(p.w, "unreachable: [%s]: %s\n", r.Host, msgOf(res))
	case r.Status == engine.StatusFailed:
		fmt.Fprintf(p.w, "fatal: [%s]: FAILED! => %s\n", r.Host, msgOf(res))
	case res != nil && res.Failed:
		fmt.Fprintf(p.w, "failed: [%s] (ignored): %s\n", r.Host, msgOf(res))
	case res != nil && res.Skipped:
		fmt.Fprintf(p.w, "skipping: [%s]\n", r.Host)
	case res != nil && res.Changed:
		fmt.Fprintf(p.w, "changed: [%s]\n", r.Host)
	default:
		fmt.Fprintf(p.w, "ok: [%s]\n", r.Host)
	}
	if p.diff && res != nil && res.Diff != nil {
		printDiff(p.w, res.Diff)
	}
}

func (p *printSink) RunDone(r *engine.RunResult) {
	p.header("PLAY RECAP")
	hosts := make([]string, 0, len(r.Summary))
	for h := range r.Summary {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		s := r.Summary[h]
		fmt.Fprintf(p.w, "%-26s : ok=%-4d changed=%-4d unreachable=%-4d failed=%-4d skipped=%-4d ignored=%d\n",
			h, s.OK, s.Changed, s.Unreachable, s.Failed, s.Skipped, s.Ignored)
	}
	fmt.Fprintf(p.w, "\nrun duration: %s\n", r.Ended.Sub(r.Started).Round(time.Millisecond))
}

func msgOf(res *modules.Result) string {
	if res == nil || res.Msg == "" {
		return "unknown error"
	}
	return res.Msg
}

// printDiff renders before/after detail the way file modules report it.
func printDiff(w io.Writer, diff map[string]interface{}) {
	if b, ok := diff["before"].(string); ok {
		for _, line := range strings.Split(strings.TrimRight(b, "\n"), "\n") {
			fmt.Fprintf(w, "- %s\n", line)
		}
	}
	if a, ok := diff["after"].(string); ok {
		for _, line := range strings.Split(strings.TrimRight(a, "\n"), "\n") {
			fmt.Fprintf(w, "+ %s\n", line)
		}
	}
}
