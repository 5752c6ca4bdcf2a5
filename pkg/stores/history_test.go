package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsrig/opsrig/pkg/engine"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func sampleResult(id string, failed bool) *engine.RunResult {
	summary := map[string]*engine.HostSummary{
		"h1": {OK: 3, Changed: 1},
		"h2": {OK: 2},
	}
	if failed {
		summary["h2"].Failed = 1
	}
	started := time.Now().Add(-time.Minute)
	return &engine.RunResult{
		RunID:    id,
		Playbook: "site.yml",
		Summary:  summary,
		Started:  started,
		Ended:    started.Add(30 * time.Second),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	if err := h.SaveRun(ctx, sampleResult("run-1", false)); err != nil {
		t.Fatal(err)
	}

	rec, hosts, err := h.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Playbook != "site.yml" || rec.Status != "succeeded" {
		t.Errorf("record = %+v", rec)
	}
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d", len(hosts))
	}
	if hosts[0].Host != "h1" || hosts[0].Summary.OK != 3 || hosts[0].Summary.Changed != 1 {
		t.Errorf("h1 recap = %+v", hosts[0])
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	first := sampleResult("run-1", false)
	second := sampleResult("run-2", true)
	second.Started = first.Started.Add(time.Minute)
	second.Ended = second.Started.Add(time.Second)

	if err := h.SaveRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := h.SaveRun(ctx, second); err != nil {
		t.Fatal(err)
	}

	runs, err := h.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[0].Status != "failed" {
		t.Errorf("newest run = %+v", runs[0])
	}
}

func TestGetRunMissing(t *testing.T) {
	h := openTestHistory(t)
	if _, _, err := h.GetRun(context.Background(), "nope"); err == nil {
		t.Fatal("expected error")
	}
}
