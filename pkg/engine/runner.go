package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/delegate"
	"github.com/opsrig/opsrig/pkg/inventory"
	"github.com/opsrig/opsrig/pkg/modules"
	"github.com/opsrig/opsrig/pkg/template"
)

// DefaultForks bounds worker parallelism when the caller does not.
const DefaultForks = 32

// Options controls a playbook run.
type Options struct {
	// Forks caps concurrent hosts per batch. Zero means min(hosts, 32).
	Forks int

	// Check enables check mode: predict changes, never apply them.
	Check bool

	// Diff asks file-changing modules for before/after detail.
	Diff bool

	// Limit restricts every play to hosts also matching this pattern.
	// Empty means no restriction.
	Limit string

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration

	// HelperPath locates the opsrig-runner binary for delegated modules.
	// Empty means a sibling of the running executable.
	HelperPath string

	// Sink receives lifecycle events. Nil means discard.
	Sink EventSink
}

// Runner executes playbooks against an inventory. Plays run in order; hosts
// within a batch run in parallel, each stepping through the task list in
// lockstep.
type Runner struct {
	inv     *inventory.Manager
	tmpl    *template.Engine
	factory connection.Factory
	opts    Options
	sink    EventSink

	// mu guards inventory directives and result recording across host
	// workers.
	mu sync.Mutex

	// connMu guards conns. Each host owns exactly one Connection for the
	// whole playbook run, dialed on first use.
	connMu sync.Mutex
	conns  map[string]connection.Connection
}

// NewRunner builds a Runner.
func NewRunner(inv *inventory.Manager, tmpl *template.Engine, factory connection.Factory, opts Options) *Runner {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Runner{
		inv:     inv,
		tmpl:    tmpl,
		factory: factory,
		opts:    opts,
		sink:    sink,
		conns:   make(map[string]connection.Connection),
	}
}

// Run executes every play in the playbook and returns the aggregated result.
// Host failures are reported in the result, not as an error; the error
// return is reserved for run-level problems such as cancellation.
func (r *Runner) Run(ctx context.Context, pb *Playbook) (*RunResult, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	defer r.closeConns()

	result := &RunResult{
		RunID:    uuid.New().String(),
		Playbook: pb.File,
		Check:    r.opts.Check,
		Summary:  make(map[string]*HostSummary),
		Started:  time.Now(),
	}
	log.Info().Str("run_id", result.RunID).Str("playbook", pb.File).
		Bool("check", r.opts.Check).Msg("run started")
	r.sink.RunStart(result.RunID, pb.File)

	for _, play := range pb.Plays {
		pr, err := r.runPlay(ctx, play, result)
		result.Plays = append(result.Plays, pr)
		if err != nil {
			result.Ended = time.Now()
			r.sink.RunDone(result)
			return result, err
		}
	}

	result.Ended = time.Now()
	r.sink.RunDone(result)
	log.Info().Str("run_id", result.RunID).
		Dur("duration", result.Ended.Sub(result.Started)).Msg("run finished")
	return result, nil
}

func (r *Runner) runPlay(ctx context.Context, play *Play, run *RunResult) (*PlayResult, error) {
	hosts := r.inv.HostsMatching(play.Hosts)
	if r.opts.Limit != "" {
		allowed := make(map[string]bool)
		for _, h := range r.inv.HostsMatching(r.opts.Limit) {
			allowed[h.Name] = true
		}
		kept := hosts[:0]
		for _, h := range hosts {
			if allowed[h.Name] {
				kept = append(kept, h)
			}
		}
		hosts = kept
	}
	pr := &PlayResult{Play: play, Started: time.Now()}
	for _, h := range hosts {
		pr.Hosts = append(pr.Hosts, h.Name)
	}
	r.sink.PlayStart(play, pr.Hosts)

	if len(hosts) == 0 {
		log.Warn().Str("play", play.Name).Str("pattern", play.Hosts).
			Msg("no hosts matched, skipping play")
		pr.Ended = time.Now()
		return pr, nil
	}

	for _, batch := range batches(hosts, play.Serial) {
		if err := r.runBatch(ctx, play, batch, pr, run); err != nil {
			pr.Ended = time.Now()
			return pr, err
		}
	}
	pr.Ended = time.Now()
	return pr, nil
}

// batches splits hosts into serial groups. serial<=0 means one batch.
func batches(hosts []*inventory.Host, serial int) [][]*inventory.Host {
	if serial <= 0 || serial >= len(hosts) {
		return [][]*inventory.Host{hosts}
	}
	var out [][]*inventory.Host
	for start := 0; start < len(hosts); start += serial {
		end := start + serial
		if end > len(hosts) {
			end = len(hosts)
		}
		out = append(out, hosts[start:end])
	}
	return out
}

func (r *Runner) runBatch(ctx context.Context, play *Play, hosts []*inventory.Host, pr *PlayResult, run *RunResult) error {
	runs := make([]*hostRun, 0, len(hosts))
	for _, h := range hosts {
		runs = append(runs, &hostRun{
			r:      r,
			play:   play,
			pr:     pr,
			run:    run,
			host:   h,
			status: StatusPending,
			vars:   make(map[string]interface{}),
			fired:  make(map[string]bool),
		})
	}
	// Connect and gather facts in parallel before the first task.
	r.forEach(ctx, runs, func(hr *hostRun) { hr.setup(ctx) })

	var endPlay bool
	for _, task := range play.Tasks {
		active := activeRuns(runs)
		if len(active) == 0 || endPlay {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.sink.TaskStart(play, task)
		r.forEach(ctx, active, func(hr *hostRun) { hr.runTask(ctx, task, false) })

		for _, hr := range active {
			switch hr.meta {
			case "flush_handlers":
				hr.meta = ""
				hr.flushHandlers(ctx)
			case "end_play":
				hr.meta = ""
				endPlay = true
			}
		}
	}

	// End-of-play handler flush for hosts that are still running.
	r.forEach(ctx, activeRuns(runs), func(hr *hostRun) { hr.flushHandlers(ctx) })

	for _, hr := range runs {
		hr.finish()
	}
	return nil
}

// forEach runs fn over hosts with a bounded worker pool.
func (r *Runner) forEach(ctx context.Context, runs []*hostRun, fn func(*hostRun)) {
	if len(runs) == 0 {
		return
	}
	workers := r.opts.Forks
	if workers <= 0 {
		workers = DefaultForks
	}
	if workers > len(runs) {
		workers = len(runs)
	}

	queue := make(chan *hostRun, len(runs))
	for _, hr := range runs {
		queue <- hr
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for hr := range queue {
				fn(hr)
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}

func activeRuns(runs []*hostRun) []*hostRun {
	active := make([]*hostRun, 0, len(runs))
	for _, hr := range runs {
		if hr.status == StatusRunning {
			active = append(active, hr)
		}
	}
	return active
}

// hostRun is one host's progress through a play. All fields are owned by the
// single worker driving the host; cross-host state goes through Runner.mu.
type hostRun struct {
	r    *Runner
	play *Play
	pr   *PlayResult
	run  *RunResult
	host *inventory.Host

	conn     connection.Connection
	helper   *delegate.Client
	status   HostStatus
	vars     map[string]interface{} // registered variables
	notified []string
	fired    map[string]bool
	meta     string // pending meta directive for the runner loop
}

// setup acquires the host's transport and gathers facts.
func (hr *hostRun) setup(ctx context.Context) {
	hr.status = StatusRunning

	conn, err := hr.r.connFor(ctx, hr.host)
	if err != nil {
		hr.unreachable("setup", err)
		return
	}
	hr.conn = conn

	if hr.play.GatherFacts {
		if err := hr.gatherFacts(ctx); err != nil {
			hr.unreachable("gather facts", err)
		}
	}
}

// gatherFacts collects a minimal fact set from the target.
func (hr *hostRun) gatherFacts(ctx context.Context) error {
	run, err := hr.conn.Run(ctx, "uname -s; uname -r; uname -m; hostname", connection.RunOptions{Shell: true})
	if err != nil {
		return err
	}
	if run.RC != 0 {
		return fmt.Errorf("fact gathering exited %d: %s", run.RC, strings.TrimSpace(run.Stderr))
	}

	facts := map[string]interface{}{"ansible_facts_gathered": true}
	lines := strings.Split(strings.TrimSpace(run.Stdout), "\n")
	keys := []string{"ansible_system", "ansible_kernel", "ansible_architecture", "ansible_hostname"}
	for i, key := range keys {
		if i < len(lines) {
			facts[key] = strings.TrimSpace(lines[i])
		}
	}

	hr.r.mu.Lock()
	hr.r.inv.SetFacts(hr.host.Name, facts)
	hr.r.mu.Unlock()
	return nil
}

// taskVars builds the merged variable view for one task.
func (hr *hostRun) taskVars(task *Task) map[string]interface{} {
	vars := hr.r.inv.VarsFor(hr.host.Name)
	for k, v := range hr.play.Vars {
		vars[k] = v
	}
	for k, v := range hr.vars {
		vars[k] = v
	}
	if task != nil {
		for k, v := range task.Vars {
			vars[k] = v
		}
	}
	vars["ansible_check_mode"] = hr.r.opts.Check
	return vars
}

// runTask executes one task (or handler) on this host.
func (hr *hostRun) runTask(ctx context.Context, task *Task, handler bool) {
	started := time.Now()
	vars := hr.taskVars(task)

	// Conditional gate: a false when skips the task without touching the
	// transport.
	if len(task.When) > 0 {
		ok, err := hr.r.tmpl.EvaluateWhen(task.When, vars)
		if err != nil {
			hr.fail(task, started, handler, modules.Fail("error in when condition: %v", err))
			return
		}
		if !ok {
			hr.record(task, started, handler, &modules.Result{
				Skipped: true,
				Msg:     "skipped due to conditional",
			})
			return
		}
	}

	items, err := hr.loopItems(task, vars)
	if err != nil {
		hr.fail(task, started, handler, modules.Fail("invalid loop: %v", err))
		return
	}

	var res *modules.Result
	if items == nil {
		res, err = hr.invoke(ctx, task, vars)
	} else {
		res, err = hr.invokeLoop(ctx, task, vars, items)
	}
	if err != nil {
		var terr *connection.TransportError
		if errors.As(err, &terr) {
			hr.setStatus(StatusUnreachable)
			hr.record(task, started, handler, &modules.Result{
				Failed: true,
				Msg:    fmt.Sprintf("host unreachable: %v", terr),
			})
			return
		}
		res = modules.Fail("%v", err)
	}

	// Register before evaluating overrides so the conditions can inspect
	// the result.
	if task.Register != "" {
		hr.vars[task.Register] = res.ToMap()
		vars[task.Register] = res.ToMap()
	}
	vars["result"] = res.ToMap()

	if task.ChangedWhen != "" {
		changed, cerr := hr.r.tmpl.EvaluateWhen([]string{task.ChangedWhen}, vars)
		if cerr != nil {
			res = modules.Fail("error in changed_when: %v", cerr)
		} else {
			res.Changed = changed
		}
	}
	if task.FailedWhen != "" && !res.Skipped {
		failed, ferr := hr.r.tmpl.EvaluateWhen([]string{task.FailedWhen}, vars)
		if ferr != nil {
			res = modules.Fail("error in failed_when: %v", ferr)
		} else {
			res.Failed = failed
		}
	}
	if task.Register != "" {
		hr.vars[task.Register] = res.ToMap()
	}

	if res.Failed && !task.IgnoreErrors {
		hr.fail(task, started, handler, res)
		return
	}
	if res.Changed {
		hr.notify(task.Notify)
	}
	hr.applyDirective(res)
	hr.record(task, started, handler, res)
}

// loopItems resolves the task's loop into concrete items. nil means the task
// does not loop.
func (hr *hostRun) loopItems(task *Task, vars map[string]interface{}) ([]interface{}, error) {
	if task.Loop == nil {
		return nil, nil
	}
	resolved, err := hr.r.tmpl.TemplateValue(task.Loop, vars)
	if err != nil {
		return nil, err
	}
	switch list := resolved.(type) {
	case []interface{}:
		return list, nil
	case []string:
		items := make([]interface{}, len(list))
		for i, s := range list {
			items[i] = s
		}
		return items, nil
	default:
		return nil, fmt.Errorf("loop must resolve to a list, got %T", resolved)
	}
}

// invoke templates the arguments and runs the module once.
func (hr *hostRun) invoke(ctx context.Context, task *Task, vars map[string]interface{}) (*modules.Result, error) {
	args := make(modules.Args, len(task.Args))
	for k, v := range task.Args {
		tv, err := hr.r.tmpl.TemplateValue(v, vars)
		if err != nil {
			return nil, err
		}
		args[k] = tv
	}

	mod, err := modules.Get(task.Module)
	if err != nil {
		return nil, err
	}

	if modules.RemoteOnly(task.Module) && !hr.isLocal() {
		if hr.helper == nil {
			hr.helper = delegate.NewClient(hr.conn, hr.host.Name, hr.r.opts.HelperPath)
		}
		return hr.helper.Run(ctx, &delegate.Invocation{
			Module: task.Module,
			Args:   args,
			Check:  hr.r.opts.Check,
			Diff:   hr.r.opts.Diff,
		})
	}

	ec := &modules.ExecContext{
		Host:   hr.host.Name,
		Vars:   vars,
		Conn:   hr.conn,
		Check:  hr.r.opts.Check,
		Diff:   hr.r.opts.Diff,
		Become: hr.play.Become || task.Become,
		Eval: func(expr string) (interface{}, error) {
			return hr.r.tmpl.Evaluate(expr, vars)
		},
		EvalCond: func(expr string) (bool, error) {
			return hr.r.tmpl.EvaluateWhen([]string{expr}, vars)
		},
	}
	return mod.Run(ctx, ec, args)
}

// invokeLoop runs the module once per item and folds the results.
func (hr *hostRun) invokeLoop(ctx context.Context, task *Task, vars map[string]interface{}, items []interface{}) (*modules.Result, error) {
	agg := &modules.Result{Results: map[string]interface{}{}}
	perItem := make([]interface{}, 0, len(items))
	var msgs []string

	for _, item := range items {
		vars["item"] = item
		res, err := hr.invoke(ctx, task, vars)
		if err != nil {
			var terr *connection.TransportError
			if errors.As(err, &terr) {
				return nil, err
			}
			res = modules.Fail("%v", err)
		}
		m := res.ToMap()
		m["item"] = item
		perItem = append(perItem, m)

		agg.Changed = agg.Changed || res.Changed
		agg.Failed = agg.Failed || res.Failed
		if res.Msg != "" {
			msgs = append(msgs, res.Msg)
		}
		if res.Directive != nil {
			hr.applyDirective(res)
		}
	}
	delete(vars, "item")

	agg.Results["results"] = perItem
	if agg.Failed {
		agg.Msg = "one or more items failed"
	} else if len(msgs) > 0 {
		agg.Msg = strings.Join(msgs, "; ")
	}
	agg.Skipped = len(items) == 0
	return agg, nil
}

// applyDirective folds a module's inventory side effects into shared state.
func (hr *hostRun) applyDirective(res *modules.Result) {
	d := res.Directive
	if d == nil {
		return
	}
	r := hr.r

	if d.Facts != nil {
		r.mu.Lock()
		r.inv.SetFacts(hr.host.Name, d.Facts)
		r.mu.Unlock()
	}
	if d.AddHost != nil {
		r.mu.Lock()
		if _, err := r.inv.AddHost(d.AddHost.Name, d.AddHost.Vars, d.AddHost.Port); err != nil {
			log.Warn().Err(err).Str("host", d.AddHost.Name).Msg("add_host failed")
		} else {
			for _, g := range d.AddHost.Groups {
				if _, err := r.inv.AddGroup(g, nil); err == nil {
					_ = r.inv.Assign(d.AddHost.Name, g)
				}
			}
		}
		r.mu.Unlock()
	}
	for _, g := range d.Groups {
		r.mu.Lock()
		if _, err := r.inv.AddGroup(g, nil); err == nil {
			_ = r.inv.Assign(hr.host.Name, g)
		}
		r.mu.Unlock()
	}
	switch d.Meta {
	case "flush_handlers", "end_play":
		// Handled by the batch loop after the phase completes.
		hr.meta = d.Meta
	case "end_host":
		hr.setStatus(StatusSkipped)
	case "clear_facts":
		r.mu.Lock()
		r.inv.ClearFacts(hr.host.Name)
		r.mu.Unlock()
	}
}

// notify queues handlers, once each per play.
func (hr *hostRun) notify(handlers []string) {
	for _, name := range handlers {
		queued := false
		for _, n := range hr.notified {
			if n == name {
				queued = true
				break
			}
		}
		if !queued {
			hr.notified = append(hr.notified, name)
		}
	}
}

// flushHandlers runs every notified handler in declaration order. Handlers
// notified by other handlers are picked up on the next sweep; each handler
// fires at most once per play.
func (hr *hostRun) flushHandlers(ctx context.Context) {
	for {
		ranAny := false
		for _, h := range hr.play.Handlers {
			if hr.status != StatusRunning {
				return
			}
			if !hr.isNotified(h.Name) || hr.fired[h.Name] {
				continue
			}
			hr.fired[h.Name] = true
			ranAny = true
			hr.runTask(ctx, h, true)
		}
		if !ranAny {
			return
		}
	}
}

func (hr *hostRun) isNotified(name string) bool {
	for _, n := range hr.notified {
		if n == name {
			return true
		}
	}
	return false
}

func (hr *hostRun) isLocal() bool {
	_, ok := hr.conn.(*connection.Local)
	return ok
}

func (hr *hostRun) setStatus(to HostStatus) {
	next, err := advance(hr.status, to)
	if err != nil {
		log.Error().Err(err).Str("host", hr.host.Name).Msg("host status")
		return
	}
	hr.status = next
}

func (hr *hostRun) fail(task *Task, started time.Time, handler bool, res *modules.Result) {
	hr.setStatus(StatusFailed)
	hr.record(task, started, handler, res)
}

func (hr *hostRun) unreachable(op string, err error) {
	hr.setStatus(StatusUnreachable)
	hr.recordResult(&TaskResult{
		Host:   hr.host.Name,
		Task:   op,
		Status: StatusUnreachable,
		Result: &modules.Result{Failed: true, Msg: fmt.Sprintf("host unreachable: %v", err)},
	})
}

// record captures a task result and emits it.
func (hr *hostRun) record(task *Task, started time.Time, handler bool, res *modules.Result) {
	tr := &TaskResult{
		Host:     hr.host.Name,
		Task:     task.Name,
		Module:   task.Module,
		Result:   res,
		Duration: time.Since(started),
		Handler:  handler,
	}
	if hr.status.terminal() {
		tr.Status = hr.status
	}
	hr.recordResult(tr)
}

func (hr *hostRun) recordResult(tr *TaskResult) {
	hr.r.mu.Lock()
	hr.pr.Tasks = append(hr.pr.Tasks, tr)
	hr.run.record(tr)
	hr.r.mu.Unlock()
	hr.r.sink.TaskDone(tr)
}

// finish settles the host's final status for the play.
func (hr *hostRun) finish() {
	if hr.status == StatusRunning {
		hr.setStatus(StatusOK)
	}
}

// connFor returns the host's Connection, dialing it on first use. Later
// plays targeting the same host reuse the instance.
func (r *Runner) connFor(ctx context.Context, host *inventory.Host) (connection.Connection, error) {
	r.connMu.Lock()
	conn, ok := r.conns[host.Name]
	r.connMu.Unlock()
	if ok {
		return conn, nil
	}

	// Dial outside the lock so slow hosts do not serialize batch setup.
	// A host is set up by at most one worker at a time, so no duplicate
	// dial can race here.
	conn, err := r.factory(host.Name, host.Port, r.inv.VarsFor(host.Name))
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	r.connMu.Lock()
	r.conns[host.Name] = conn
	r.connMu.Unlock()
	return conn, nil
}

func (r *Runner) closeConns() {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	for host, conn := range r.conns {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("host", host).Msg("close connection")
		}
		delete(r.conns, host)
	}
}
