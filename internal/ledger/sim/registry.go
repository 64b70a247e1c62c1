package sim

import "sync"

var (
	registryMu sync.Mutex
	registry   = map[string]*Ledger{}
)

// Shared returns the process-wide ledger registered under cfg.Name, creating
// it from cfg on first use. It lets a custodian server and user swaps in one
// process meet on the same simulated chain.
func Shared(cfg Config) *Ledger {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[cfg.Name]; ok {
		return l
	}
	l := New(cfg)
	registry[cfg.Name] = l
	return l
}

// Forget drops name from the registry.
func Forget(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}
