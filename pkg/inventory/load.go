package inventory

import (
	"os"
	"path/filepath"
	"strings"
)

// Load reads an inventory file and parses it into the manager, choosing the
// parser by extension: .yml/.yaml/.json use the structured format (JSON is a
// YAML subset), anything else is treated as INI-style.
func Load(m *Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newError("load", "%v", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".json":
		return ParseYAML(m, data)
	default:
		return ParseINI(m, string(data))
	}
}
