package inventory

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ParseINI loads an INI-style inventory into the manager. The dialect is the
// classic inventory format, not generic INI: section bodies are host lines
// with optional inline "key=value" variables, and the meta-sections
// "[group:children]" and "[group:vars]" declare the hierarchy and group
// variables. Hand-parsed because host lines ("h1 port=2222 color=blue") do
// not survive a standard INI key/value reader.
func ParseINI(m *Manager, data string) error {
	section := GroupUngrouped
	kind := "hosts"

	sc := bufio.NewScanner(strings.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return newError("parse", "line %d: malformed section header %q", lineNo, line)
			}
			name := line[1 : len(line)-1]
			kind = "hosts"
			if i := strings.IndexByte(name, ':'); i >= 0 {
				kind = name[i+1:]
				name = name[:i]
				if kind != "children" && kind != "vars" {
					return newError("parse", "line %d: unknown section suffix %q", lineNo, kind)
				}
			}
			if name == "" {
				return newError("parse", "line %d: empty group name", lineNo)
			}
			section = name
			if _, err := m.AddGroup(name, nil); err != nil {
				return err
			}
			continue
		}

		switch kind {
		case "children":
			if _, err := m.AddGroup(line, nil); err != nil {
				return err
			}
			if err := m.Link(line, section); err != nil {
				return err
			}
		case "vars":
			key, val, ok := strings.Cut(line, "=")
			if !ok {
				return newError("parse", "line %d: expected key=value in [%s:vars]", lineNo, section)
			}
			v := map[string]interface{}{
				strings.TrimSpace(key): coerceScalar(strings.TrimSpace(val)),
			}
			if _, err := m.AddGroup(section, v); err != nil {
				return err
			}
		default:
			if err := parseHostLine(m, section, line, lineNo); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return newError("parse", "read: %v", err)
	}
	return nil
}

func parseHostLine(m *Manager, group, line string, lineNo int) error {
	fields := strings.Fields(line)
	name := fields[0]

	vars := make(map[string]interface{})
	port := 0
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return newError("parse", "line %d: expected key=value after host name, got %q", lineNo, f)
		}
		if key == "port" || key == "ansible_port" {
			p, err := strconv.Atoi(val)
			if err != nil {
				return newError("parse", "line %d: invalid port %q", lineNo, val)
			}
			port = p
			continue
		}
		vars[key] = coerceScalar(val)
	}

	if _, err := m.AddHost(name, vars, port); err != nil {
		return err
	}
	return m.Assign(name, group)
}

// coerceScalar converts inline variable text to bool/int/float where it
// parses cleanly, otherwise leaves it a string.
func coerceScalar(s string) interface{} {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true", "True", "yes":
		return true
	case "false", "False", "no":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// String renders the pattern a host resolves from, for diagnostics.
func (h *Host) String() string {
	if h.Port != 0 {
		return fmt.Sprintf("%s:%d", h.Name, h.Port)
	}
	return h.Name
}
