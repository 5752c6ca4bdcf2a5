package ssh

import (
	"github.com/opsrig/opsrig/pkg/connection"
)

// NewFromVars builds an SSH connection from inventory host vars. It is the
// ssh half of the default transport factory.
func NewFromVars(host string, port int, vars map[string]interface{}) (connection.Connection, error) {
	cfg := DefaultConfig(host, connection.DefaultUser(vars))
	if port > 0 {
		cfg.Port = port
	}
	if v, ok := vars["ansible_password"].(string); ok && v != "" {
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = v
		cfg.SudoPassword = v
	}
	if v, ok := vars["ansible_ssh_private_key_file"].(string); ok && v != "" {
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = v
	}
	if v, ok := vars["ansible_become_password"].(string); ok && v != "" {
		cfg.SudoPassword = v
	}
	if v, ok := vars["ansible_host_key_checking"].(bool); ok {
		cfg.StrictHostKeyChecking = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, &connection.TransportError{Op: "connect", Host: host, Err: err}
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
