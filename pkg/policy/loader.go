package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// severityRe matches an optional "# severity: <level>" comment near the top
// of a policy file.
var severityRe = regexp.MustCompile(`(?m)^#\s*severity:\s*(warning|error|critical)\s*$`)

// LoadPath adds policies from a .rego file or a directory of them.
// Directory loading is recursive; unreadable or invalid files fail the load.
func (e *Engine) LoadPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("policy path %s: %w", path, err)
	}

	if !info.IsDir() {
		return e.loadFile(path)
	}

	count := 0
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".rego") {
			return nil
		}
		if err := e.loadFile(p); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading policies from %s: %w", path, err)
	}

	log.Debug().Str("dir", path).Int("policies", count).Msg("loaded policy directory")
	return nil
}

// loadFile parses one .rego file into a Policy. The policy name is the file
// base name; severity comes from a "# severity:" comment, defaulting to
// error.
func (e *Engine) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	src := string(data)

	if packageName(src) == "" {
		return fmt.Errorf("policy file %s: no package declaration", path)
	}

	severity := SeverityError
	if m := severityRe.FindStringSubmatch(src); m != nil {
		severity = Severity(m[1])
	}

	e.Add(Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     src,
		Severity: severity,
		Enabled:  true,
	})
	return nil
}
