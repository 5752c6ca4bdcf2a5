package modules

import (
	"context"
	"strings"
)

func init() {
	Register(&setFactModule{})
	Register(&addHostModule{})
	Register(&groupByModule{})
	Register(&metaModule{})
}

// setFactModule records every argument as a host fact. The scheduler applies
// the returned directive to the inventory; the module itself is side-effect
// free and works identically in check mode.
type setFactModule struct{}

func (m *setFactModule) Name() string { return "set_fact" }

func (m *setFactModule) Run(_ context.Context, _ *ExecContext, args Args) (*Result, error) {
	facts := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == "cacheable" || k == RawArg {
			continue
		}
		facts[k] = v
	}
	if len(facts) == 0 {
		return Fail("set_fact requires at least one key=value pair"), nil
	}
	return &Result{
		Results:   map[string]interface{}{"ansible_facts": facts},
		Directive: &Directive{Facts: facts},
	}, nil
}

// addHostModule registers a new host in the running inventory. The change
// is visible to subsequent plays, not to the current batch.
type addHostModule struct{}

func (m *addHostModule) Name() string { return "add_host" }

func (m *addHostModule) Run(_ context.Context, _ *ExecContext, args Args) (*Result, error) {
	name, ok := args.String("name")
	if !ok {
		name, ok = args.String("hostname")
	}
	if !ok || name == "" {
		return Fail("missing required argument: name"), nil
	}

	spec := &NewHost{
		Name: name,
		Port: args.Int("port", 0),
		Vars: make(map[string]interface{}),
	}
	for _, g := range args.StringSlice("groups") {
		for _, part := range strings.Split(g, ",") {
			if part = strings.TrimSpace(part); part != "" {
				spec.Groups = append(spec.Groups, part)
			}
		}
	}
	for k, v := range args {
		switch k {
		case "name", "hostname", "groups", "port":
		default:
			spec.Vars[k] = v
		}
	}

	return &Result{
		Changed:   true,
		Msg:       "host added",
		Directive: &Directive{AddHost: spec},
	}, nil
}

// groupByModule assigns the current host to a group named by the templated
// key argument.
type groupByModule struct{}

func (m *groupByModule) Name() string { return "group_by" }

func (m *groupByModule) Run(_ context.Context, _ *ExecContext, args Args) (*Result, error) {
	key, ok := args.String("key")
	if !ok || key == "" {
		return Fail("missing required argument: key"), nil
	}
	// Group names cannot hold spaces or dashes; normalize like the key
	// had been sanitized by hand.
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)

	groups := []string{key}
	for _, parent := range args.StringSlice("parents") {
		groups = append(groups, parent)
	}
	return &Result{
		Directive: &Directive{Groups: groups},
	}, nil
}

// metaModule carries scheduler instructions: flush_handlers, end_play,
// end_host and clear_facts.
type metaModule struct{}

func (m *metaModule) Name() string { return "meta" }

func (m *metaModule) Run(_ context.Context, _ *ExecContext, args Args) (*Result, error) {
	action := args.StringDefault(RawArg, "")
	if action == "" {
		action = args.StringDefault("free_form", "")
	}
	switch action {
	case "flush_handlers", "end_play", "end_host", "clear_facts", "noop":
	default:
		return Fail("unknown meta action %q", action), nil
	}
	return &Result{Directive: &Directive{Meta: action}}, nil
}
