package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsrig/opsrig/pkg/engine"
)

// Sink feeds engine events into metrics and traces. It implements
// engine.EventSink and is safe for concurrent host workers.
type Sink struct {
	metrics *Metrics
	tracer  *Tracer

	mu      sync.Mutex
	runCtx  context.Context
	runSpan trace.Span
	started time.Time
}

// NewSink builds a telemetry sink.
func NewSink(metrics *Metrics, tracer *Tracer) *Sink {
	return &Sink{metrics: metrics, tracer: tracer}
}

func (s *Sink) RunStart(runID, playbook string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	s.runCtx, s.runSpan = s.tracer.StartRun(context.Background(), runID, playbook)
	s.metrics.RunStarted()
}

func (s *Sink) PlayStart(play *engine.Play, hosts []string) {
	log.Debug().Str("play", play.Name).Int("hosts", len(hosts)).Msg("play started")
}

func (s *Sink) TaskStart(play *engine.Play, task *engine.Task) {
	log.Debug().Str("play", play.Name).Str("task", task.Name).
		Str("module", task.Module).Msg("task started")
}

func (s *Sink) TaskDone(r *engine.TaskResult) {
	status := "ok"
	switch {
	case r.Status == engine.StatusUnreachable:
		status = "unreachable"
		s.metrics.HostUnreachable()
	case r.Status == engine.StatusFailed:
		status = "failed"
	case r.Result != nil && r.Result.Skipped:
		status = "skipped"
	case r.Result != nil && r.Result.Changed:
		status = "changed"
	}
	s.metrics.TaskExecuted(r.Module, status, r.Duration, r.Handler)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// The engine reports tasks after the fact; backdate the span start so
	// durations survive into the trace.
	_, span := s.tracer.tracer.Start(ctx, "task "+r.Task,
		trace.WithTimestamp(time.Now().Add(-r.Duration)),
		trace.WithAttributes(
			attribute.String("task.module", r.Module),
			attribute.String("host.name", r.Host),
		))
	msg := ""
	if r.Result != nil {
		msg = r.Result.Msg
	}
	EndSpan(span, r.Failed(), msg)
}

func (s *Sink) RunDone(r *engine.RunResult) {
	status := "succeeded"
	if r.Failed() {
		status = "failed"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.RunCompleted(status, time.Since(s.started))
	if s.runSpan != nil {
		EndSpan(s.runSpan, r.Failed(), status)
		s.runSpan = nil
	}
}
