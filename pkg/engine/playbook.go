// Package engine loads playbooks and schedules their execution across
// inventory hosts.
package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsrig/opsrig/pkg/modules"
)

// Playbook is an ordered list of plays.
type Playbook struct {
	File  string
	Plays []*Play
}

// Play binds a host pattern to an ordered task list.
type Play struct {
	Name        string
	Hosts       string
	Vars        map[string]interface{}
	Tasks       []*Task
	Handlers    []*Task
	Serial      int  // hosts per batch, 0 means all at once
	Become      bool
	GatherFacts bool
	Line        int
}

// Task is one module invocation plus its control keywords.
type Task struct {
	Name         string
	Module       string
	Args         modules.Args
	When         []string
	Loop         interface{} // list, or a template string resolving to one
	Register     string
	IgnoreErrors bool
	ChangedWhen  string
	FailedWhen   string
	Notify       []string
	Become       bool
	Vars         map[string]interface{}
	Line         int
}

// control keywords recognized on a task. Anything else is either the module
// name or an unsupported construct.
var taskControlKeys = map[string]bool{
	"name": true, "when": true, "loop": true, "with_items": true,
	"register": true, "ignore_errors": true, "changed_when": true,
	"failed_when": true, "notify": true, "become": true, "vars": true,
}

// constructs we recognize and refuse, so a playbook using them fails loudly
// at load time.
var unsupportedTaskKeys = map[string]bool{
	"block": true, "rescue": true, "always": true,
	"include": true, "include_tasks": true, "include_role": true,
	"import_tasks": true, "import_playbook": true,
	"until": true, "retries": true, "delay": true,
	"delegate_to": true, "run_once": true, "local_action": true,
	"tags": true, "async": true, "poll": true, "environment": true,
}

var unsupportedPlayKeys = map[string]bool{
	"roles": true, "pre_tasks": true, "post_tasks": true,
	"strategy": true, "tags": true, "any_errors_fatal": true,
	"max_fail_percentage": true, "vars_files": true, "vars_prompt": true,
	"environment": true, "collections": true,
}

// LoadPlaybook reads and validates a playbook file.
func LoadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewParseError(path, 0, "cannot read playbook", err)
	}
	return ParsePlaybook(path, data)
}

// ParsePlaybook parses playbook YAML. The file name is used for error
// positions only.
func ParsePlaybook(file string, data []byte) (*Playbook, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, NewParseError(file, 0, "invalid YAML", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, NewParseError(file, 0, "empty playbook", nil)
	}
	doc := root.Content[0]
	if doc.Kind != yaml.SequenceNode {
		return nil, NewParseError(file, doc.Line, "playbook must be a list of plays", nil)
	}

	pb := &Playbook{File: file}
	for _, playNode := range doc.Content {
		play, err := parsePlay(file, playNode)
		if err != nil {
			return nil, err
		}
		pb.Plays = append(pb.Plays, play)
	}
	if len(pb.Plays) == 0 {
		return nil, NewParseError(file, 0, "playbook has no plays", nil)
	}
	return pb, nil
}

func parsePlay(file string, node *yaml.Node) (*Play, error) {
	if node.Kind != yaml.MappingNode {
		return nil, NewParseError(file, node.Line, "play must be a mapping", nil)
	}

	play := &Play{GatherFacts: true, Line: node.Line}
	for i := 0; i < len(node.Content)-1; i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if unsupportedPlayKeys[key.Value] {
			return nil, &UnsupportedFeatureError{Feature: key.Value, File: file, Line: key.Line}
		}
		switch key.Value {
		case "name":
			play.Name = value.Value
		case "hosts":
			play.Hosts = value.Value
		case "vars":
			if err := value.Decode(&play.Vars); err != nil {
				return nil, NewParseError(file, value.Line, "invalid play vars", err)
			}
		case "serial":
			if err := value.Decode(&play.Serial); err != nil {
				return nil, NewParseError(file, value.Line, "serial must be an integer", err)
			}
		case "become":
			if err := value.Decode(&play.Become); err != nil {
				return nil, NewParseError(file, value.Line, "become must be a boolean", err)
			}
		case "gather_facts":
			if err := value.Decode(&play.GatherFacts); err != nil {
				return nil, NewParseError(file, value.Line, "gather_facts must be a boolean", err)
			}
		case "tasks":
			tasks, err := parseTaskList(file, value)
			if err != nil {
				return nil, err
			}
			play.Tasks = tasks
		case "handlers":
			handlers, err := parseTaskList(file, value)
			if err != nil {
				return nil, err
			}
			play.Handlers = handlers
		default:
			return nil, NewParseError(file, key.Line,
				fmt.Sprintf("unknown play keyword %q", key.Value), nil)
		}
	}

	if play.Hosts == "" {
		return nil, NewParseError(file, play.Line, "play is missing hosts", nil)
	}
	if play.Name == "" {
		play.Name = play.Hosts
	}
	// Tasks default to the module name; handlers never do, since notify
	// refers to them by name.
	for _, t := range play.Tasks {
		if t.Name == "" {
			t.Name = t.Module
		}
	}
	for _, h := range play.Handlers {
		if h.Name == "" {
			return nil, NewParseError(file, h.Line, "handlers must be named", nil)
		}
	}
	return play, nil
}

func parseTaskList(file string, node *yaml.Node) ([]*Task, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, NewParseError(file, node.Line, "tasks must be a list", nil)
	}
	tasks := make([]*Task, 0, len(node.Content))
	for _, taskNode := range node.Content {
		task, err := parseTask(file, taskNode)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func parseTask(file string, node *yaml.Node) (*Task, error) {
	if node.Kind != yaml.MappingNode {
		return nil, NewParseError(file, node.Line, "task must be a mapping", nil)
	}

	task := &Task{Line: node.Line}
	var moduleKeys []string

	for i := 0; i < len(node.Content)-1; i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if unsupportedTaskKeys[key.Value] {
			return nil, &UnsupportedFeatureError{Feature: key.Value, File: file, Line: key.Line}
		}
		if !taskControlKeys[key.Value] {
			moduleKeys = append(moduleKeys, key.Value)
			if err := task.setModule(file, key, value); err != nil {
				return nil, err
			}
			continue
		}

		switch key.Value {
		case "name":
			task.Name = value.Value
		case "when":
			conds, err := decodeStringOrList(value)
			if err != nil {
				return nil, NewParseError(file, value.Line, "invalid when", err)
			}
			task.When = conds
		case "loop", "with_items":
			var loop interface{}
			if err := value.Decode(&loop); err != nil {
				return nil, NewParseError(file, value.Line, "invalid loop", err)
			}
			task.Loop = loop
		case "register":
			task.Register = value.Value
		case "ignore_errors":
			if err := value.Decode(&task.IgnoreErrors); err != nil {
				return nil, NewParseError(file, value.Line, "ignore_errors must be a boolean", err)
			}
		case "changed_when":
			task.ChangedWhen = value.Value
		case "failed_when":
			task.FailedWhen = value.Value
		case "notify":
			handlers, err := decodeStringOrList(value)
			if err != nil {
				return nil, NewParseError(file, value.Line, "invalid notify", err)
			}
			task.Notify = handlers
		case "become":
			if err := value.Decode(&task.Become); err != nil {
				return nil, NewParseError(file, value.Line, "become must be a boolean", err)
			}
		case "vars":
			if err := value.Decode(&task.Vars); err != nil {
				return nil, NewParseError(file, value.Line, "invalid task vars", err)
			}
		}
	}

	if len(moduleKeys) == 0 {
		return nil, NewParseError(file, task.Line, "task has no module", nil)
	}
	if len(moduleKeys) > 1 {
		sort.Strings(moduleKeys)
		return nil, NewParseError(file, task.Line,
			fmt.Sprintf("task names multiple modules: %s", strings.Join(moduleKeys, ", ")), nil)
	}
	return task, nil
}

// setModule records the module key and decodes its arguments: a mapping
// becomes the arg map, a scalar becomes the free-form argument.
func (t *Task) setModule(file string, key, value *yaml.Node) error {
	t.Module = key.Value
	switch value.Kind {
	case yaml.MappingNode:
		args := make(map[string]interface{})
		if err := value.Decode(&args); err != nil {
			return NewParseError(file, value.Line,
				fmt.Sprintf("invalid arguments for module %q", key.Value), err)
		}
		t.Args = modules.Args(args)
	case yaml.ScalarNode:
		t.Args = modules.Args{}
		if value.Tag != "!!null" {
			t.Args[modules.RawArg] = value.Value
		}
	default:
		return NewParseError(file, value.Line,
			fmt.Sprintf("arguments for module %q must be a mapping or string", key.Value), nil)
	}
	return nil
}

func decodeStringOrList(node *yaml.Node) ([]string, error) {
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}
