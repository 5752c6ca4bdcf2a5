package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsrig/opsrig/pkg/connection"
	"github.com/opsrig/opsrig/pkg/connection/ssh"
	"github.com/opsrig/opsrig/pkg/engine"
	"github.com/opsrig/opsrig/pkg/inventory"
	"github.com/opsrig/opsrig/pkg/policy"
	"github.com/opsrig/opsrig/pkg/stores"
	"github.com/opsrig/opsrig/pkg/telemetry"
	"github.com/opsrig/opsrig/pkg/template"
)

// runFlags are the execution knobs shared by run and adhoc.
type runFlags struct {
	check   bool
	diff    bool
	forks   int
	limit   string
	timeout time.Duration
}

// loadInventory builds the inventory manager from -i, the configured
// default, or an implicit local-only inventory.
func loadInventory() (*inventory.Manager, error) {
	m := inventory.NewManager()

	path := inventoryPath
	if path == "" {
		path = settings.Inventory
	}
	if path == "" {
		log.Warn().Msg("no inventory given, using implicit localhost")
		_, err := m.AddHost("localhost", map[string]interface{}{
			"ansible_connection": "local",
		}, 0)
		return m, err
	}

	if err := inventory.Load(m, path); err != nil {
		return nil, err
	}
	applySSHDefaults(m)
	return m, nil
}

// applySSHDefaults layers configured SSH settings under host variables,
// so inventory values still win.
func applySSHDefaults(m *inventory.Manager) {
	for _, h := range m.Hosts() {
		if settings.SSH.User != "" {
			setDefaultVar(h.Vars, "ansible_user", settings.SSH.User)
		}
		if settings.SSH.PrivateKeyFile != "" {
			setDefaultVar(h.Vars, "ansible_ssh_private_key_file", settings.SSH.PrivateKeyFile)
		}
		if !settings.SSH.HostKeyChecking {
			setDefaultVar(h.Vars, "ansible_host_key_checking", false)
		}
	}
}

func setDefaultVar(vars map[string]interface{}, key string, value interface{}) {
	if _, ok := vars[key]; !ok {
		vars[key] = value
	}
}

// gatePlaybook runs the policy engine and reports violations. A blocked
// playbook returns an error.
func gatePlaybook(ctx context.Context, pb *engine.Playbook) error {
	eng := policy.NewEngine()
	for _, p := range settings.PolicyPaths {
		if err := eng.LoadPath(p); err != nil {
			return err
		}
	}
	res, err := eng.EvaluatePlaybook(ctx, pb, settings.RestrictedModules)
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	for _, w := range res.Warnings {
		log.Warn().Msg(w)
	}
	for _, v := range res.Violations {
		if v.Severity == string(policy.SeverityWarning) {
			log.Warn().Str("policy", v.Policy).Str("play", v.Play).
				Str("task", v.Task).Msg(v.Message)
			continue
		}
		log.Error().Str("policy", v.Policy).Str("severity", v.Severity).
			Str("play", v.Play).Str("task", v.Task).Msg(v.Message)
	}
	if !res.Allowed {
		return errors.New("playbook blocked by policy")
	}
	return nil
}

// executePlaybook runs one playbook end to end: policy gate, engine run,
// recap, and history record. Host failures surface as an error so the
// process exits non-zero.
func executePlaybook(ctx context.Context, version string, pb *engine.Playbook, flags runFlags) error {
	if err := gatePlaybook(ctx, pb); err != nil {
		return err
	}

	inv, err := loadInventory()
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(settings.Telemetry.Metrics)
	metrics.Serve()
	tracer, err := telemetry.NewTracer(settings.Telemetry.Tracing, settings.Telemetry.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	forks := flags.forks
	if forks == 0 {
		forks = settings.Forks
	}
	timeout := flags.timeout
	if timeout == 0 {
		timeout = settings.Timeout
	}
	runner := engine.NewRunner(inv, template.NewEngine(), connection.NewFactory(ssh.NewFromVars), engine.Options{
		Forks:      forks,
		Check:      flags.check,
		Diff:       flags.diff,
		Limit:      flags.limit,
		Timeout:    timeout,
		HelperPath: settings.HelperPath,
		Sink: engine.MultiSink{
			newPrintSink(os.Stdout, flags.diff),
			telemetry.NewSink(metrics, tracer),
		},
	})

	result, err := runner.Run(ctx, pb)
	if err != nil {
		return err
	}

	saveHistory(ctx, result)

	if result.Failed() {
		return errors.New("playbook run failed")
	}
	return nil
}

// saveHistory records the run outcome. History problems are logged, not
// fatal: the run itself already happened.
func saveHistory(ctx context.Context, result *engine.RunResult) {
	h, err := stores.OpenHistory(ctx, settings.HistoryPath)
	if err != nil {
		log.Warn().Err(err).Msg("run history unavailable")
		return
	}
	defer h.Close()
	if err := h.SaveRun(ctx, result); err != nil {
		log.Warn().Err(err).Msg("failed to record run history")
	}
}
