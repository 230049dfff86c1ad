package companion

import (
	"fmt"
	"plugin"
)

// EntrySymbol is the single well-known symbol a module must export to
// receive companion requests
const EntrySymbol = "CompanionEntry"

// PluginLoader loads a module as a Go plugin through its /proc/self/fd
// path, so the module image needs no named filesystem location of its own
type PluginLoader struct{}

// Load opens the module behind fd and resolves EntrySymbol
func (PluginLoader) Load(fd int) (Entry, error) {
	p, err := plugin.Open(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return nil, fmt.Errorf("load module: %v", err)
	}
	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("load module: %v", err)
	}
	entry, ok := sym.(func(int))
	if !ok {
		return nil, fmt.Errorf("load module: %s is not func(int)", EntrySymbol)
	}
	return Entry(entry), nil
}
