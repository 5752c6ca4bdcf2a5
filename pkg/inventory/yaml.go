package inventory

import (
	"strconv"

	"gopkg.in/yaml.v3"
)

// ParseYAML loads a structured inventory document into the manager: groups
// as keys, each with hosts, vars and children sub-mappings. The decoder
// walks yaml nodes rather than maps so host and group declaration order is
// preserved; it produces the identical in-memory model as ParseINI for
// equivalent input.
func ParseYAML(m *Manager, data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return newError("parse", "yaml: %v", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return newError("parse", "yaml: top level must be a mapping of groups")
	}

	for i := 0; i < len(root.Content); i += 2 {
		if err := loadYAMLGroup(m, root.Content[i].Value, root.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func loadYAMLGroup(m *Manager, name string, node *yaml.Node) error {
	if _, err := m.AddGroup(name, nil); err != nil {
		return err
	}
	if node.Kind != yaml.MappingNode {
		if node.Kind == yaml.ScalarNode && node.Value == "" {
			return nil // empty group
		}
		return newError("parse", "yaml: group %q must be a mapping", name)
	}

	for i := 0; i < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "hosts":
			if err := loadYAMLHosts(m, name, val); err != nil {
				return err
			}
		case "vars":
			var vars map[string]interface{}
			if err := val.Decode(&vars); err != nil {
				return newError("parse", "yaml: vars of group %q: %v", name, err)
			}
			if _, err := m.AddGroup(name, vars); err != nil {
				return err
			}
		case "children":
			if val.Kind != yaml.MappingNode {
				return newError("parse", "yaml: children of group %q must be a mapping", name)
			}
			for j := 0; j < len(val.Content); j += 2 {
				child := val.Content[j].Value
				if err := loadYAMLGroup(m, child, val.Content[j+1]); err != nil {
					return err
				}
				if err := m.Link(child, name); err != nil {
					return err
				}
			}
		default:
			return newError("parse", "yaml: unknown key %q in group %q", key, name)
		}
	}
	return nil
}

func loadYAMLHosts(m *Manager, group string, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return newError("parse", "yaml: hosts of group %q must be a mapping", group)
	}
	for i := 0; i < len(node.Content); i += 2 {
		name, val := node.Content[i].Value, node.Content[i+1]

		var hv map[string]interface{}
		if val.Kind == yaml.MappingNode {
			if err := val.Decode(&hv); err != nil {
				return newError("parse", "yaml: host %q: %v", name, err)
			}
		}

		port := 0
		vars := make(map[string]interface{}, len(hv))
		for k, v := range hv {
			if k == "port" || k == "ansible_port" {
				port = toPort(v)
				continue
			}
			vars[k] = v
		}
		if _, err := m.AddHost(name, vars, port); err != nil {
			return err
		}
		if err := m.Assign(name, group); err != nil {
			return err
		}
	}
	return nil
}

func toPort(v interface{}) int {
	switch p := v.(type) {
	case int:
		return p
	case int64:
		return int(p)
	case string:
		n, _ := strconv.Atoi(p)
		return n
	default:
		return 0
	}
}
