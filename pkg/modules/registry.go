package modules

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Module)
)

// Register adds a module to the registry. It panics on duplicates; the
// builtin set registers at init time and collisions are programming errors.
func Register(m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[m.Name()]; dup {
		panic(fmt.Sprintf("modules: duplicate registration of %q", m.Name()))
	}
	registry[m.Name()] = m
}

// Get looks up a module by name.
func Get(name string) (Module, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, NewError(name, "lookup", fmt.Errorf("unknown module"))
	}
	return m, nil
}

// Names returns the registered module names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteOnly reports whether the named module should run on the target host
// through the remote helper rather than in-process against the transport.
// These modules do filesystem or system work that is cheaper and safer done
// on the box itself.
func RemoteOnly(name string) bool {
	switch name {
	case "hostname", "tempfile", "replace":
		return true
	}
	return false
}
