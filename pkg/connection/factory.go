package connection

import (
	"fmt"
	"os/user"
)

// vars the factory understands, mirroring the common inventory keys.
const (
	varConnection  = "ansible_connection"
	varUser        = "ansible_user"
	varPassword    = "ansible_password"
	varKeyFile     = "ansible_ssh_private_key_file"
	varHostAddress = "ansible_host"
)

// SSHFactory builds an SSH connection from host vars. It lives in the ssh
// subpackage but is injected here as a function to avoid an import cycle.
type SSHFactory func(host string, port int, vars map[string]interface{}) (Connection, error)

// NewFactory returns the default transport factory. Hosts connect over SSH
// unless their vars select the local transport.
func NewFactory(sshFactory SSHFactory) Factory {
	return func(host string, port int, vars map[string]interface{}) (Connection, error) {
		switch stringVar(vars, varConnection, "ssh") {
		case "local":
			return NewLocal(), nil
		case "ssh", "smart":
			addr := stringVar(vars, varHostAddress, host)
			return sshFactory(addr, port, vars)
		default:
			return nil, &TransportError{
				Op: "connect", Host: host,
				Err: fmt.Errorf("unknown connection plugin %q", vars[varConnection]),
			}
		}
	}
}

// DefaultUser resolves the login user for a host: the ansible_user var when
// set, otherwise the current OS user.
func DefaultUser(vars map[string]interface{}) string {
	if u := stringVar(vars, varUser, ""); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "root"
}

func stringVar(vars map[string]interface{}, key, fallback string) string {
	if v, ok := vars[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
