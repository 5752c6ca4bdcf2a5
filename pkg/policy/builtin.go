package policy

// builtinPolicies returns the policies every engine starts with.
func builtinPolicies() []Policy {
	return []Policy{
		restrictedModulesPolicy(),
		destructiveCommandsPolicy(),
		taskNamingPolicy(),
	}
}

// restrictedModulesPolicy blocks modules the operator has banned via the
// restricted_modules setting.
func restrictedModulesPolicy() Policy {
	return Policy{
		Name:        "restricted-modules",
		Description: "Blocks tasks using modules from the restricted list",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package opsrig.policies.restricted

import rego.v1

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module in input.restricted
	violation := {
		"message": sprintf("module %q is restricted", [task.module]),
		"severity": "error",
		"play": play.name,
		"task": task.name,
	}
}
`,
	}
}

// destructiveCommandsPolicy refuses obviously destructive shell commands.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks command and shell tasks that wipe the filesystem",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package opsrig.policies.destructive

import rego.v1

command_modules := {"command", "shell"}

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module in command_modules
	cmd := object.get(task.args, "_raw", object.get(task.args, "cmd", ""))
	regex.match(` + "`" + `rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$)` + "`" + `, cmd)
	violation := {
		"message": sprintf("task %q removes the filesystem root", [task.name]),
		"severity": "critical",
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module in command_modules
	cmd := object.get(task.args, "_raw", object.get(task.args, "cmd", ""))
	regex.match(` + "`" + `mkfs(\.[a-z0-9]+)?\s` + "`" + `, cmd)
	violation := {
		"message": sprintf("task %q reformats a filesystem", [task.name]),
		"severity": "critical",
		"play": play.name,
		"task": task.name,
	}
}
`,
	}
}

// taskNamingPolicy warns on tasks left with the default module name.
func taskNamingPolicy() Policy {
	return Policy{
		Name:        "task-naming",
		Description: "Warns when tasks have no explicit name",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package opsrig.policies.naming

import rego.v1

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	not task.named
	not task.handler
	violation := {
		"message": sprintf("task using module %q has no name", [task.module]),
		"severity": "warning",
		"play": play.name,
		"task": task.name,
	}
}
`,
	}
}
