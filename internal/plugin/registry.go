package plugin

import (
	"log/slog"
	"sync/atomic"
)

// Registry holds the ordered chain of loaded routing modules. Load order
// is consultation order. Reads are lock-free; the chain is replaced
// wholesale on (re)load.
type Registry struct {
	chain atomic.Value // holds []*Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.chain.Store([]*Plugin{})
	return r
}

// LoadAll loads the named modules in order, drops the ones that fail to
// load or lack the routing entry point, runs each survivor's init, and
// installs the resulting chain.
func (r *Registry) LoadAll(names []string) {
	var chain []*Plugin
	for _, name := range names {
		p, err := Load(name)
		if err != nil {
			slog.Warn("skipping plugin", "name", name, "err", err)
			continue
		}
		r.install(&chain, p)
	}
	r.chain.Store(chain)
}

// Register appends pre-built plugins (built-ins, tests) to the chain,
// applying the same validity and init rules as LoadAll.
func (r *Registry) Register(plugins ...*Plugin) {
	chain := append([]*Plugin{}, r.Plugins()...)
	for _, p := range plugins {
		r.install(&chain, p)
	}
	r.chain.Store(chain)
}

func (r *Registry) install(chain *[]*Plugin, p *Plugin) {
	if !p.Valid() {
		slog.Warn("plugin has no routing entry point, dropping", "name", p.Name())
		return
	}
	ran := p.Init()
	slog.Info("loaded plugin", "name", p.Name(), "init", ran)
	*chain = append(*chain, p)
}

// Plugins returns the chain in consultation order.
func (r *Registry) Plugins() []*Plugin {
	return r.chain.Load().([]*Plugin)
}

// Len returns the number of loaded plugins.
func (r *Registry) Len() int {
	return len(r.Plugins())
}
