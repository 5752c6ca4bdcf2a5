// Package config loads and validates opsrig settings from YAML.
//
// Settings cover the controller side of a run: parallelism, timeouts,
// SSH defaults, the run history database, policy restrictions, and
// telemetry. Everything has a working default so a config file is
// optional.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/opsrig/opsrig/pkg/telemetry"
)

// Settings holds the controller configuration.
type Settings struct {
	// Forks is the maximum number of hosts worked on in parallel.
	Forks int `yaml:"forks" validate:"min=1,max=1024"`

	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`

	// Inventory is the default inventory path when -i is not given.
	Inventory string `yaml:"inventory,omitempty"`

	// SSH carries connection defaults applied when inventory
	// variables do not override them.
	SSH SSHSettings `yaml:"ssh"`

	// HistoryPath is the sqlite database recording past runs.
	HistoryPath string `yaml:"history_path" validate:"required"`

	// HelperPath points at the opsrig-runner binary uploaded to
	// remote hosts. Empty means a sibling of the opsrig binary.
	HelperPath string `yaml:"helper_path,omitempty"`

	// RestrictedModules lists module names the policy gate rejects.
	RestrictedModules []string `yaml:"restricted_modules,omitempty"`

	// PolicyPaths are extra .rego files or directories loaded into the
	// policy gate alongside the built-in policies.
	PolicyPaths []string `yaml:"policy_paths,omitempty"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// SSHSettings holds connection defaults for SSH transports.
type SSHSettings struct {
	// User is the login name when ansible_user is unset.
	User string `yaml:"user,omitempty"`

	// Port is the default SSH port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// PrivateKeyFile is the default identity file.
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`

	// ConnectTimeout bounds the TCP and handshake phase.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`

	// HostKeyChecking verifies server keys against known_hosts.
	HostKeyChecking bool `yaml:"host_key_checking"`
}

// DefaultSettings returns settings that work without a config file.
func DefaultSettings() *Settings {
	return &Settings{
		Forks:       32,
		Timeout:     0,
		HistoryPath: filepath.Join(baseDir(), "history.db"),
		SSH: SSHSettings{
			Port:            22,
			ConnectTimeout:  30 * time.Second,
			HostKeyChecking: true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns the config file location probed when --config
// is not given.
func DefaultPath() string {
	return filepath.Join(baseDir(), "config.yml")
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsrig"
	}
	return filepath.Join(home, ".opsrig")
}

// Load reads settings from path, layered over the defaults. A missing
// file at the default location is not an error; a missing file given
// explicitly is.
func Load(path string, explicit bool) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return s, s.Validate()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("loaded settings")
	return s, nil
}

// Validate checks field constraints and the embedded telemetry config.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	return s.Telemetry.Validate()
}
