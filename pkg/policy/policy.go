// Package policy gates playbooks with OPA before the engine runs them.
// Policies are Rego modules whose deny rules yield violations; an error or
// critical violation blocks the run.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog/log"

	"github.com/opsrig/opsrig/pkg/engine"
)

// Severity grades a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is one Rego module.
type Policy struct {
	Name        string
	Description string
	Rego        string
	Severity    Severity
	Enabled     bool
}

// Violation is a single deny result.
type Violation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Play     string `json:"play,omitempty"`
	Task     string `json:"task,omitempty"`
}

// Result is the outcome of gating one playbook.
type Result struct {
	Allowed    bool
	Violations []Violation
	Warnings   []string
}

// Engine evaluates policies against playbooks.
type Engine struct {
	policies []Policy
}

// NewEngine builds an engine preloaded with the builtin policies.
func NewEngine() *Engine {
	return &Engine{policies: builtinPolicies()}
}

// Add registers an extra policy.
func (e *Engine) Add(p Policy) {
	e.policies = append(e.policies, p)
}

// input is the document policies evaluate against.
type input struct {
	Playbook   string      `json:"playbook"`
	Restricted []string    `json:"restricted"`
	Plays      []playInput `json:"plays"`
}

type playInput struct {
	Name  string      `json:"name"`
	Hosts string      `json:"hosts"`
	Tasks []taskInput `json:"tasks"`
}

type taskInput struct {
	Name    string                 `json:"name"`
	Module  string                 `json:"module"`
	Args    map[string]interface{} `json:"args"`
	Become  bool                   `json:"become"`
	Named   bool                   `json:"named"`
	Handler bool                   `json:"handler"`
}

// EvaluatePlaybook runs every enabled policy against the playbook. The
// restricted list names modules the operator has banned outright.
func (e *Engine) EvaluatePlaybook(ctx context.Context, pb *engine.Playbook, restricted []string) (*Result, error) {
	doc := buildInput(pb, restricted)
	started := time.Now()

	result := &Result{Allowed: true}
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		violations, err := e.evaluate(ctx, p, doc)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", p.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == string(SeverityError) || v.Severity == string(SeverityCritical) {
			result.Allowed = false
			break
		}
	}

	log.Debug().Str("playbook", pb.File).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(started)).
		Msg("policy evaluation completed")
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, p Policy, doc *input) ([]Violation, error) {
	pkg := packageName(p.Rego)
	if pkg == "" {
		return nil, fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
		rego.Input(doc),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rego evaluation: %w", err)
	}

	var out []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				out = append(out, toViolation(p, d))
			}
		}
	}
	return out, nil
}

func toViolation(p Policy, raw interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: string(p.Severity)}
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.Message = fmt.Sprintf("%v", raw)
		return v
	}
	if s, ok := m["message"].(string); ok {
		v.Message = s
	}
	if s, ok := m["severity"].(string); ok {
		v.Severity = s
	}
	if s, ok := m["play"].(string); ok {
		v.Play = s
	}
	if s, ok := m["task"].(string); ok {
		v.Task = s
	}
	return v
}

func buildInput(pb *engine.Playbook, restricted []string) *input {
	doc := &input{Playbook: pb.File, Restricted: restricted}
	if doc.Restricted == nil {
		doc.Restricted = []string{}
	}
	for _, play := range pb.Plays {
		pi := playInput{Name: play.Name, Hosts: play.Hosts}
		for _, t := range play.Tasks {
			pi.Tasks = append(pi.Tasks, toTaskInput(play, t, false))
		}
		for _, h := range play.Handlers {
			pi.Tasks = append(pi.Tasks, toTaskInput(play, h, true))
		}
		doc.Plays = append(doc.Plays, pi)
	}
	return doc
}

func toTaskInput(play *engine.Play, t *engine.Task, handler bool) taskInput {
	args := make(map[string]interface{}, len(t.Args))
	for k, v := range t.Args {
		args[k] = v
	}
	return taskInput{
		Name:    t.Name,
		Module:  t.Module,
		Args:    args,
		Become:  play.Become || t.Become,
		Named:   t.Name != t.Module,
		Handler: handler,
	}
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([a-zA-Z0-9_.]+)`)

func packageName(src string) string {
	m := packageRe.FindStringSubmatch(src)
	if m == nil {
		return ""
	}
	return m[1]
}
